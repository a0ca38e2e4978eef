// Package song holds the score model shared by every render stage: a Song is
// made of Tracks, a Track of Sections, and a Section of Words.
package song

import "time"

// Word is one sung unit taken from a single note.
type Word struct {
	Start time.Duration // offset from the start of the song
	End   time.Duration
	Pitch float64 // target fundamental frequency in Hz
	Lyric string  // phonetic form handed to the speech engine
	Text  string  // lyric as written in the score
	Wave  []float64
}

// Duration is the notated length of the word.
func (w Word) Duration() time.Duration { return w.End - w.Start }

// Section is a phrase of non-overlapping words.
type Section struct {
	Start time.Duration
	Words []Word
	Wave  []float64
}

// End reports when the last word of the section ends.
func (s Section) End() time.Duration {
	if len(s.Words) == 0 {
		return s.Start
	}
	return s.Words[len(s.Words)-1].End
}

type Track struct {
	Name     string
	Sections []Section
	Wave     []float64
}

type Song struct {
	Name       string
	Tracks     []Track
	SampleRate int
	Wave       []float64
}

// WordCount counts words across all tracks.
func (s *Song) WordCount() int {
	n := 0
	for _, tr := range s.Tracks {
		for _, sec := range tr.Sections {
			n += len(sec.Words)
		}
	}
	return n
}

// EachWord calls fn with a pointer to every word in score order.
func (s *Song) EachWord(fn func(track, section, word int, w *Word)) {
	for ti := range s.Tracks {
		for si := range s.Tracks[ti].Sections {
			words := s.Tracks[ti].Sections[si].Words
			for wi := range words {
				fn(ti, si, wi, &words[wi])
			}
		}
	}
}

// Samples converts a duration to a sample count at rate fs.
func Samples(d time.Duration, fs int) int {
	return int(d.Seconds() * float64(fs))
}
