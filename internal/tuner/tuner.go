// Package tuner moves spoken syllables onto the pitch and length of the
// notes they are sung on.
package tuner

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/loqalabs/florence/internal/config"
	"github.com/loqalabs/florence/internal/song"
	"github.com/loqalabs/florence/internal/vocoder"
	"golang.org/x/sync/errgroup"
)

type Tuner struct {
	dio         vocoder.DioOptions
	framePeriod float64
	clampFloor  float64
	clampCeil   float64
	fitDuration bool
	workers     int
	logger      *slog.Logger
}

func New(voc config.VocoderConfig, render config.RenderConfig, logger *slog.Logger) *Tuner {
	if logger == nil {
		logger = slog.Default()
	}
	dio := vocoder.DefaultDioOptions()
	dio.FramePeriod = voc.FramePeriodMS
	dio.F0Floor = voc.F0Floor
	dio.F0Ceil = voc.F0Ceil
	workers := render.Workers
	if workers < 1 {
		workers = 1
	}
	return &Tuner{
		dio:         dio,
		framePeriod: voc.FramePeriodMS,
		clampFloor:  voc.ClampFloor,
		clampCeil:   voc.ClampCeil,
		fitDuration: render.FitDuration,
		workers:     workers,
		logger:      logger.With(slog.String("component", "tuner")),
	}
}

// Tune resynthesizes wave with its mean voiced pitch moved to target Hz. When
// duration stretching is enabled and duration is positive the result lasts
// duration; otherwise it keeps the input length. Loudness follows the input.
// A wave without voiced frames comes back as silence.
func (t *Tuner) Tune(wave []float64, fs int, target float64, duration time.Duration) ([]float64, error) {
	length := len(wave)
	if t.fitDuration && duration > 0 {
		length = song.Samples(duration, fs)
	}
	if len(wave) == 0 {
		return make([]float64, length), nil
	}
	if target <= 0 {
		return nil, fmt.Errorf("target pitch %v must be positive", target)
	}

	f0, sp, ap, err := t.analyze(wave, fs)
	if err != nil {
		return nil, err
	}
	mean := meanVoiced(f0)
	if mean == 0 {
		t.logger.Warn("no voiced frames, emitting silence",
			slog.Float64("target_hz", target),
			slog.Int("samples", length),
		)
		return make([]float64, length), nil
	}

	ratio := target / mean
	shifted := make([]float64, len(f0))
	for i, v := range f0 {
		if v > 0 {
			shifted[i] = clamp(v*ratio, t.clampFloor, t.clampCeil)
		}
	}
	if t.fitDuration && duration > 0 {
		frames := int(duration.Seconds()*1000/t.framePeriod) + 1
		shifted, sp, ap = stretch(shifted, sp, ap, frames)
	}

	out, err := vocoder.Synthesize(shifted, sp, ap, fs, t.framePeriod)
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}
	out = fit(out, length)
	matchRMS(out, rms(wave))
	return out, nil
}

func (t *Tuner) analyze(wave []float64, fs int) ([]float64, [][]float64, [][]float64, error) {
	coarse, times, err := vocoder.Dio(wave, fs, t.dio)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("dio: %w", err)
	}
	f0, err := vocoder.StoneMask(wave, coarse, times, fs)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("stonemask: %w", err)
	}
	ct := vocoder.DefaultCheapTrickOptions()
	ct.F0Floor = t.dio.F0Floor
	sp, err := vocoder.CheapTrick(wave, f0, times, fs, ct)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("cheaptrick: %w", err)
	}
	d4 := vocoder.DefaultD4COptions()
	d4.FFTSize = vocoder.FFTSize(fs, ct.F0Floor)
	ap, err := vocoder.D4C(wave, f0, times, fs, d4)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("d4c: %w", err)
	}
	return f0, sp, ap, nil
}

// TuneSong retunes every word of s in place. Words are independent and are
// processed concurrently by at most the configured number of workers.
func (t *Tuner) TuneSong(ctx context.Context, s *song.Song) error {
	var words []*song.Word
	s.EachWord(func(_, _, _ int, w *song.Word) {
		words = append(words, w)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.workers)
	for _, w := range words {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			tuned, err := t.Tune(w.Wave, s.SampleRate, w.Pitch, w.Duration())
			if err != nil {
				return fmt.Errorf("word %q at %v: %w", w.Text, w.Start, err)
			}
			w.Wave = tuned
			return nil
		})
	}
	return g.Wait()
}

// stretch maps every output frame to the nearest input frame.
func stretch(f0 []float64, sp, ap [][]float64, frames int) ([]float64, [][]float64, [][]float64) {
	if frames < 1 {
		frames = 1
	}
	outF0 := make([]float64, frames)
	outSP := make([][]float64, frames)
	outAP := make([][]float64, frames)
	scale := 0.0
	if frames > 1 {
		scale = float64(len(f0)-1) / float64(frames-1)
	}
	for i := range outF0 {
		j := int(math.Round(float64(i) * scale))
		if j > len(f0)-1 {
			j = len(f0) - 1
		}
		outF0[i] = f0[j]
		outSP[i] = sp[j]
		outAP[i] = ap[j]
	}
	return outF0, outSP, outAP
}

func meanVoiced(f0 []float64) float64 {
	var sum float64
	n := 0
	for _, v := range f0 {
		if v > 0 {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func fit(x []float64, length int) []float64 {
	if len(x) >= length {
		return x[:length]
	}
	out := make([]float64, length)
	copy(out, x)
	return out
}

func rms(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(x)))
}

func matchRMS(x []float64, target float64) {
	current := rms(x)
	if current < 1e-12 {
		return
	}
	gain := target / current
	for i := range x {
		x[i] *= gain
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
