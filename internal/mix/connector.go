// Package mix joins retuned words into sections and tracks and renders the
// final song buffer.
package mix

import (
	"errors"
	"fmt"
	"math"

	"github.com/loqalabs/florence/internal/config"
	"github.com/loqalabs/florence/internal/song"
)

var ErrUnknownCurve = errors.New("mix: unknown fade curve")

// Curve shapes the fade-in weight over [0, 1]; the fade-out is its complement.
type Curve string

const (
	Linear      Curve = "linear"
	Cosine      Curve = "cosine"
	Exponential Curve = "exp"
)

func ParseCurve(name string) (Curve, error) {
	switch c := Curve(name); c {
	case Linear, Cosine, Exponential:
		return c, nil
	case "":
		return Linear, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCurve, name)
	}
}

// weight is 0 at x=0 and 1 at x=1 for every curve.
func (c Curve) weight(x float64) float64 {
	switch c {
	case Cosine:
		return 0.5 * (1 - math.Cos(math.Pi*x))
	case Exponential:
		return (1 - math.Exp(-5*x)) / (1 - math.Exp(-5))
	default:
		return x
	}
}

type Connector struct {
	sampleRate int
	fade       int // samples
	curve      Curve
}

func NewConnector(cfg config.RenderConfig) (*Connector, error) {
	curve, err := ParseCurve(cfg.FadeCurve)
	if err != nil {
		return nil, err
	}
	fade := int(cfg.WindowMS / 1000 * cfg.OverlapRatio * float64(cfg.SampleRate))
	return &Connector{sampleRate: cfg.SampleRate, fade: fade, curve: curve}, nil
}

// Crossfade joins a and b so that their last and first overlap samples blend.
// The result has len(a)+len(b)-overlap samples; overlap is limited to the
// shorter input.
func (c *Connector) Crossfade(a, b []float64, overlap int) []float64 {
	overlap = min(overlap, len(a), len(b))
	if overlap <= 0 {
		out := make([]float64, 0, len(a)+len(b))
		out = append(out, a...)
		return append(out, b...)
	}
	out := make([]float64, len(a)+len(b)-overlap)
	head := len(a) - overlap
	copy(out, a[:head])
	for i := 0; i < overlap; i++ {
		x := 1.0
		if overlap > 1 {
			x = float64(i) / float64(overlap-1)
		}
		w := c.curve.weight(x)
		out[head+i] = a[head+i]*(1-w) + b[i]*w
	}
	copy(out[len(a):], b[overlap:])
	return out
}

// place writes wave at offset off. Audio already past off is crossfaded into
// wave over at most the connector's fade length and replaced after that.
func (c *Connector) place(out, wave []float64, off int) []float64 {
	if off < 0 {
		off = 0
	}
	if off >= len(out) {
		padded := make([]float64, off, off+len(wave))
		copy(padded, out)
		return append(padded, wave...)
	}
	fade := min(len(out)-off, len(wave))
	if c.fade > 0 && fade > c.fade {
		fade = c.fade
	}
	return c.Crossfade(out[:off+fade], wave, fade)
}

// ConnectSection builds the section wave from its words, each placed at its
// offset from the section start. Words without audio are skipped.
func (c *Connector) ConnectSection(sec *song.Section) {
	var out []float64
	for _, w := range sec.Words {
		if len(w.Wave) == 0 {
			continue
		}
		out = c.place(out, w.Wave, song.Samples(w.Start-sec.Start, c.sampleRate))
	}
	sec.Wave = out
}

// ConnectTrack connects every section and lays them out from the start of the
// song.
func (c *Connector) ConnectTrack(tr *song.Track) {
	var out []float64
	for i := range tr.Sections {
		sec := &tr.Sections[i]
		c.ConnectSection(sec)
		if len(sec.Wave) == 0 {
			continue
		}
		out = c.place(out, sec.Wave, song.Samples(sec.Start, c.sampleRate))
	}
	tr.Wave = out
}

// ConnectSong connects every track of s.
func (c *Connector) ConnectSong(s *song.Song) {
	for i := range s.Tracks {
		c.ConnectTrack(&s.Tracks[i])
	}
}
