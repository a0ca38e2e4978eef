package tuner

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/loqalabs/florence/internal/config"
	"github.com/loqalabs/florence/internal/song"
)

const fs = 16000

func harmonicTone(freq float64, seconds float64) []float64 {
	n := int(seconds * fs)
	x := make([]float64, n)
	for i := range x {
		t := float64(i) / fs
		for h := 1; h <= 4; h++ {
			x[i] += 0.3 * math.Sin(2*math.Pi*freq*float64(h)*t) / float64(h)
		}
	}
	return x
}

func peakIn(x []float64, lo, hi float64) float64 {
	best, bestMag := lo, -1.0
	for f := lo; f <= hi; f += 0.5 {
		omega := 2 * math.Pi * f / fs
		var re, im float64
		for i, v := range x {
			re += v * math.Cos(omega*float64(i))
			im -= v * math.Sin(omega*float64(i))
		}
		if mag := re*re + im*im; mag > bestMag {
			best, bestMag = f, mag
		}
	}
	return best
}

func newTuner(fitDuration bool) *Tuner {
	cfg := config.Default()
	cfg.Render.FitDuration = fitDuration
	cfg.Render.Workers = 2
	return New(cfg.Vocoder, cfg.Render, nil)
}

func TestTuneMovesPitchAndKeepsLength(t *testing.T) {
	in := harmonicTone(150, 0.4)
	out, err := newTuner(false).Tune(in, fs, 300, 0)
	if err != nil {
		t.Fatalf("Tune: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("length %d, want %d", len(out), len(in))
	}
	if got := peakIn(out, 200, 400); math.Abs(got-300) > 3 {
		t.Fatalf("retuned peak at %.1f Hz, want about 300", got)
	}
	if math.Abs(rms(out)-rms(in)) > 1e-9 {
		t.Fatalf("rms %v, want %v", rms(out), rms(in))
	}
}

func TestTuneStretchesToNoteDuration(t *testing.T) {
	in := harmonicTone(150, 0.3)
	out, err := newTuner(true).Tune(in, fs, 200, 750*time.Millisecond)
	if err != nil {
		t.Fatalf("Tune: %v", err)
	}
	if want := song.Samples(750*time.Millisecond, fs); len(out) != want {
		t.Fatalf("length %d, want %d", len(out), want)
	}
}

func TestTuneUnvoicedIsSilence(t *testing.T) {
	out, err := newTuner(true).Tune(make([]float64, 3200), fs, 220, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Tune: %v", err)
	}
	if len(out) != 1600 {
		t.Fatalf("length %d, want 1600", len(out))
	}
	for _, v := range out {
		if v != 0 {
			t.Fatal("expected silence")
		}
	}
}

func TestTuneSong(t *testing.T) {
	s := &song.Song{
		SampleRate: fs,
		Tracks: []song.Track{{Sections: []song.Section{{Words: []song.Word{
			{Start: 0, End: 250 * time.Millisecond, Pitch: 262, Wave: harmonicTone(150, 0.3)},
			{Start: 250 * time.Millisecond, End: 500 * time.Millisecond, Pitch: 330, Wave: harmonicTone(150, 0.3)},
			{Start: 500 * time.Millisecond, End: 600 * time.Millisecond, Pitch: 330},
		}}}}},
	}
	if err := newTuner(true).TuneSong(context.Background(), s); err != nil {
		t.Fatalf("TuneSong: %v", err)
	}
	words := s.Tracks[0].Sections[0].Words
	for i, w := range words {
		if want := song.Samples(w.Duration(), fs); len(w.Wave) != want {
			t.Fatalf("word %d has %d samples, want %d", i, len(w.Wave), want)
		}
	}
}

func TestTuneSongHonoursCancellation(t *testing.T) {
	s := &song.Song{SampleRate: fs, Tracks: []song.Track{{Sections: []song.Section{{Words: []song.Word{
		{End: 100 * time.Millisecond, Pitch: 200, Wave: harmonicTone(150, 0.1)},
	}}}}}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := newTuner(true).TuneSong(ctx, s); err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestStretch(t *testing.T) {
	f0 := []float64{100, 0, 200}
	sp := [][]float64{{1}, {2}, {3}}
	ap := [][]float64{{0.1}, {0.2}, {0.3}}
	outF0, outSP, _ := stretch(f0, sp, ap, 5)
	if len(outF0) != 5 || outF0[0] != 100 || outF0[4] != 200 || outSP[4][0] != 3 {
		t.Fatalf("unexpected stretch %v %v", outF0, outSP)
	}
}
