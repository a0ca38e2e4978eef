// Package score decodes MusicXML scores into the song model.
//
// Only what a monophonic sung line needs is read: pitched notes of voice 1,
// their durations, ties, the first lyric verse and tempo marks. Chords keep
// their first note; grace notes and rests are skipped.
package score

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/loqalabs/florence/internal/config"
	"github.com/loqalabs/florence/internal/phonetic"
	"github.com/loqalabs/florence/internal/song"
)

var (
	ErrMissingLyric      = errors.New("score: note has no lyric")
	ErrOverlap           = errors.New("score: overlapping notes")
	ErrUnsupportedFormat = errors.New("score: unsupported format")
	ErrMalformedScore    = errors.New("score: malformed score")
)

// Extensions lists the file suffixes Decode accepts.
var Extensions = []string{".musicxml", ".xml", ".mxl"}

type Decoder struct {
	minFrequency float64
	defaultTempo float64
	sectionGap   time.Duration
	logger       *slog.Logger
}

func NewDecoder(cfg config.ScoreConfig, logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	tempo := cfg.DefaultTempo
	if tempo <= 0 {
		tempo = 120
	}
	return &Decoder{
		minFrequency: cfg.MinFrequencyHz,
		defaultTempo: tempo,
		sectionGap:   time.Duration(cfg.SectionGapMS) * time.Millisecond,
		logger:       logger.With(slog.String("component", "score")),
	}
}

// Supported reports whether path has a score extension.
func Supported(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Decode reads the score at path. The song is named after the file.
func (d *Decoder) Decode(ctx context.Context, path string) (*song.Song, error) {
	data, err := readScore(path)
	if err != nil {
		return nil, err
	}
	doc, err := parse(data)
	if err != nil {
		return nil, err
	}
	if len(doc.Parts) == 0 {
		return nil, fmt.Errorf("%w: no parts", ErrMalformedScore)
	}

	names := make(map[string]string, len(doc.PartList))
	for _, sp := range doc.PartList {
		names[sp.ID] = strings.TrimSpace(sp.Name)
	}

	base := filepath.Base(path)
	result := &song.Song{Name: strings.TrimSuffix(base, filepath.Ext(base))}

	var tempos tempoMap
	notes := make([][]noteEvent, len(doc.Parts))
	for i, p := range doc.Parts {
		events, marks, err := collect(p)
		if err != nil {
			return nil, err
		}
		notes[i] = events
		tempos = append(tempos, marks...)
	}
	tempos.sort()

	for i, p := range doc.Parts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := names[p.ID]
		if name == "" {
			name = p.ID
		}
		track, err := d.buildTrack(name, notes[i], tempos)
		if err != nil {
			return nil, err
		}
		result.Tracks = append(result.Tracks, track)
	}
	return result, nil
}

func readScore(path string) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".musicxml", ".xml":
		return os.ReadFile(path)
	case ".mxl":
		return readCompressed(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

type container struct {
	Rootfiles []struct {
		FullPath string `xml:"full-path,attr"`
	} `xml:"rootfiles>rootfile"`
}

func readCompressed(path string) ([]byte, error) {
	archive, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open mxl: %v", ErrUnsupportedFormat, err)
	}
	defer archive.Close()

	files := make(map[string]*zip.File, len(archive.File))
	for _, f := range archive.File {
		files[f.Name] = f
	}

	var root string
	if f, ok := files["META-INF/container.xml"]; ok {
		data, err := readZipEntry(f)
		if err != nil {
			return nil, err
		}
		var c container
		if err := xml.Unmarshal(data, &c); err == nil && len(c.Rootfiles) > 0 {
			root = c.Rootfiles[0].FullPath
		}
	}
	if root == "" {
		for _, f := range archive.File {
			if strings.HasPrefix(f.Name, "META-INF/") {
				continue
			}
			ext := strings.ToLower(filepath.Ext(f.Name))
			if ext == ".xml" || ext == ".musicxml" {
				root = f.Name
				break
			}
		}
	}
	f, ok := files[root]
	if root == "" || !ok {
		return nil, fmt.Errorf("%w: mxl archive has no score", ErrMalformedScore)
	}
	return readZipEntry(f)
}

func readZipEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedScore, f.Name, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func parse(data []byte) (*partwise, error) {
	root, err := rootElement(data)
	if err != nil {
		return nil, err
	}
	if root != "score-partwise" {
		return nil, fmt.Errorf("%w: root element <%s>", ErrUnsupportedFormat, root)
	}
	var doc partwise
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedScore, err)
	}
	return &doc, nil
}

func rootElement(data []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedScore, err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name.Local, nil
		}
	}
}

// noteEvent is a voice-1 note positioned in quarter notes from the start.
type noteEvent struct {
	measure  string
	start    float64
	length   float64
	pitch    *pitchXML
	lyric    string
	tiedBack bool
}

type tempoMark struct {
	at  float64 // quarter notes
	bpm float64
}

type tempoMap []tempoMark

func (m tempoMap) sort() {
	sort.SliceStable(m, func(i, j int) bool { return m[i].at < m[j].at })
}

// millis converts a quarter-note position to milliseconds.
func (m tempoMap) millis(q, defaultBPM float64) float64 {
	var ms, pos float64
	bpm := defaultBPM
	for _, mark := range m {
		if mark.at >= q {
			break
		}
		ms += (mark.at - pos) * 60000 / bpm
		pos = mark.at
		bpm = mark.bpm
	}
	return ms + (q-pos)*60000/bpm
}

// collect walks a part in document order and returns its voice-1 notes and
// tempo marks.
func collect(p part) ([]noteEvent, []tempoMark, error) {
	divisions := 1.0
	var pos float64
	var events []noteEvent
	var marks []tempoMark
	for _, m := range p.Measures {
		for _, item := range m.Items {
			switch v := item.(type) {
			case *attributesXML:
				if v.Divisions > 0 {
					divisions = v.Divisions
				}
			case *backupXML:
				pos -= v.Duration / divisions
				if pos < 0 {
					return nil, nil, fmt.Errorf("%w: part %s measure %s backs up before the start", ErrMalformedScore, p.ID, m.Number)
				}
			case *forwardXML:
				pos += v.Duration / divisions
			case *directionXML:
				if v.Sound != nil && v.Sound.Tempo > 0 {
					marks = append(marks, tempoMark{at: pos, bpm: v.Sound.Tempo})
				}
			case *soundXML:
				if v.Tempo > 0 {
					marks = append(marks, tempoMark{at: pos, bpm: v.Tempo})
				}
			case *noteXML:
				if v.Grace != nil {
					continue
				}
				length := v.Duration / divisions
				if v.Chord != nil {
					// chord members share the first note's onset and are dropped
					continue
				}
				start := pos
				pos += length
				if v.Rest != nil || v.Pitch == nil || !v.voiceOne() {
					continue
				}
				events = append(events, noteEvent{
					measure:  m.Number,
					start:    start,
					length:   length,
					pitch:    v.Pitch,
					lyric:    v.lyric(),
					tiedBack: v.tieStop(),
				})
			}
		}
	}
	return events, marks, nil
}

func (d *Decoder) buildTrack(name string, events []noteEvent, tempos tempoMap) (song.Track, error) {
	track := song.Track{Name: name}
	var words []song.Word
	lastKept := -1
	for i, ev := range events {
		freq, ok := ev.pitch.frequency()
		if !ok {
			return track, fmt.Errorf("%w: part %s measure %s has pitch step %q", ErrMalformedScore, name, ev.measure, ev.pitch.Step)
		}
		start := toDuration(tempos.millis(ev.start, d.defaultTempo))
		end := toDuration(tempos.millis(ev.start+ev.length, d.defaultTempo))

		if ev.tiedBack && lastKept == i-1 && len(words) > 0 {
			prev := &words[len(words)-1]
			if math.Abs(prev.Pitch-freq) < 1e-6 && prev.End == start {
				prev.End = end
				lastKept = i
				continue
			}
		}

		if freq < d.minFrequency {
			d.logger.Warn("note below pitch floor skipped",
				slog.String("part", name),
				slog.String("measure", ev.measure),
				slog.String("pitch", ev.pitch.String()),
				slog.Float64("frequency_hz", freq),
			)
			continue
		}
		if ev.lyric == "" {
			return track, fmt.Errorf("%w: part %s measure %s offset %v pitch %s",
				ErrMissingLyric, name, ev.measure, start, ev.pitch.String())
		}
		words = append(words, song.Word{
			Start: start,
			End:   end,
			Pitch: freq,
			Lyric: phonetic.Transcribe(ev.lyric),
			Text:  ev.lyric,
		})
		lastKept = i
	}

	sort.SliceStable(words, func(i, j int) bool { return words[i].Start < words[j].Start })
	for i := 0; i+1 < len(words); i++ {
		if words[i].End > words[i+1].Start {
			return track, fmt.Errorf("%w: part %s word %d ends at %v after word %d starts at %v",
				ErrOverlap, name, i, words[i].End, i+1, words[i+1].Start)
		}
	}

	for _, w := range words {
		n := len(track.Sections)
		if n == 0 || (d.sectionGap > 0 && w.Start-track.Sections[n-1].End() >= d.sectionGap) {
			track.Sections = append(track.Sections, song.Section{Start: w.Start})
		}
		sec := &track.Sections[len(track.Sections)-1]
		sec.Words = append(sec.Words, w)
	}
	return track, nil
}

func toDuration(ms float64) time.Duration {
	return time.Duration(math.Round(ms)) * time.Millisecond
}
