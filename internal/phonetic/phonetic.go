// Package phonetic turns lyric text into the plain romanization the speech
// engine reads.
package phonetic

import (
	"strings"
	"unicode"

	"github.com/mozillazg/go-pinyin"
)

var args = func() pinyin.Args {
	a := pinyin.NewArgs()
	a.Style = pinyin.Normal
	return a
}()

// Transcribe lower-cases ASCII text and replaces each Han character with its
// toneless pinyin syllable. Syllables are separated by single spaces; any
// other characters are kept in place.
func Transcribe(text string) string {
	text = strings.TrimSpace(text)
	if !ContainsHan(text) {
		return strings.ToLower(text)
	}
	var parts []string
	var plain strings.Builder
	flush := func() {
		if s := strings.TrimSpace(plain.String()); s != "" {
			parts = append(parts, strings.ToLower(s))
		}
		plain.Reset()
	}
	for _, r := range text {
		if !unicode.Is(unicode.Han, r) {
			plain.WriteRune(r)
			continue
		}
		flush()
		if syllables := pinyin.SinglePinyin(r, args); len(syllables) > 0 {
			parts = append(parts, syllables[0])
		}
	}
	flush()
	return strings.Join(parts, " ")
}

// ContainsHan reports whether text has at least one Han character.
func ContainsHan(text string) bool {
	for _, r := range text {
		if unicode.Is(unicode.Han, r) {
			return true
		}
	}
	return false
}
