// Package vocoder implements WORLD-style speech analysis and resynthesis.
//
// A waveform is decomposed into three per-frame parameter sets sharing one
// frame grid: the fundamental frequency contour (Dio, refined by StoneMask),
// the spectral envelope (CheapTrick) and the band aperiodicity (D4C).
// Synthesize rebuilds a waveform from those parameters. Argument order,
// defaults and output shapes follow the WORLD library so the parameter sets
// can be exchanged with it; the numerics are an independent implementation.
//
// Every operation is a pure function of its arguments: inputs are never
// modified and identical inputs always produce identical outputs.
package vocoder

import (
	"errors"
	"fmt"
	"math"
)

const (
	DefaultFramePeriod      = 5.0
	DefaultF0Floor          = 71.0
	DefaultF0Ceil           = 800.0
	DefaultChannelsInOctave = 2.0
	DefaultSpeed            = 1
	DefaultQ1               = -0.15
	DefaultThreshold        = 0.85

	// defaultF0 stands in for unvoiced frames wherever a period is needed.
	defaultF0 = 500.0
	// safeGuard keeps logarithms and divisions finite.
	safeGuard = 1e-12
)

var (
	ErrEmptyWaveform      = errors.New("vocoder: empty waveform")
	ErrInvalidSampleRate  = errors.New("vocoder: sample rate must be positive")
	ErrInvalidFramePeriod = errors.New("vocoder: frame period must be positive")
	ErrLengthMismatch     = errors.New("vocoder: frame count mismatch")
	ErrInvalidOption      = errors.New("vocoder: invalid option")
	ErrNonFinite          = errors.New("vocoder: value is NaN or infinite")
)

// Features is the full analysis of one waveform.
type Features struct {
	F0           []float64
	Time         []float64
	Spectrogram  [][]float64
	Aperiodicity [][]float64
	SampleRate   int
	FramePeriod  float64
}

// Frames returns the shared frame count.
func (f *Features) Frames() int { return len(f.F0) }

// FFTSize returns the FFT length CheapTrick and D4C use for sample rate fs:
// the smallest power of two holding three periods of f0Floor, doubled.
func FFTSize(fs int, f0Floor float64) int {
	if f0Floor <= 0 {
		f0Floor = DefaultF0Floor
	}
	return int(math.Pow(2, 1+math.Floor(math.Log2(3*float64(fs)/f0Floor))))
}

// Analyze runs Dio, StoneMask, CheapTrick and D4C with default options and the
// given frame period (ms).
func Analyze(x []float64, fs int, framePeriod float64) (*Features, error) {
	dopt := DefaultDioOptions()
	dopt.FramePeriod = framePeriod
	coarse, t, err := Dio(x, fs, dopt)
	if err != nil {
		return nil, err
	}
	f0, err := StoneMask(x, coarse, t, fs)
	if err != nil {
		return nil, err
	}
	sp, err := CheapTrick(x, f0, t, fs, DefaultCheapTrickOptions())
	if err != nil {
		return nil, err
	}
	ap, err := D4C(x, f0, t, fs, DefaultD4COptions())
	if err != nil {
		return nil, err
	}
	return &Features{
		F0:           f0,
		Time:         t,
		Spectrogram:  sp,
		Aperiodicity: ap,
		SampleRate:   fs,
		FramePeriod:  framePeriod,
	}, nil
}

func checkWaveform(x []float64, fs int) error {
	if len(x) == 0 {
		return ErrEmptyWaveform
	}
	if fs <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidSampleRate, fs)
	}
	return checkFinite("waveform", x)
}

func checkFrames(x, f0, t []float64, fs int) error {
	if err := checkWaveform(x, fs); err != nil {
		return err
	}
	if len(f0) == 0 {
		return fmt.Errorf("%w: no frames", ErrLengthMismatch)
	}
	if len(f0) != len(t) {
		return fmt.Errorf("%w: f0 has %d frames, time axis %d", ErrLengthMismatch, len(f0), len(t))
	}
	if err := checkF0(f0, fs); err != nil {
		return err
	}
	return checkFinite("time axis", t)
}

// checkF0 accepts 0 (unvoiced) and finite values below Nyquist.
func checkF0(f0 []float64, fs int) error {
	if err := checkFinite("f0", f0); err != nil {
		return err
	}
	nyquist := float64(fs) / 2
	for i, v := range f0 {
		if v < 0 || v >= nyquist {
			return fmt.Errorf("%w: f0[%d] = %v outside [0, %v)", ErrInvalidOption, i, v, nyquist)
		}
	}
	return nil
}

func checkFinite(name string, v []float64) error {
	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("%w: %s[%d] = %v", ErrNonFinite, name, i, x)
		}
	}
	return nil
}

// positive reports whether v is a finite number above zero.
func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 1)
}

func checkMatrix(name string, m [][]float64, frames int) (int, error) {
	if len(m) != frames {
		return 0, fmt.Errorf("%w: %s has %d frames, f0 %d", ErrLengthMismatch, name, len(m), frames)
	}
	bins := len(m[0])
	for i, row := range m {
		if len(row) != bins {
			return 0, fmt.Errorf("%w: %s frame %d has %d bins, want %d", ErrLengthMismatch, name, i, len(row), bins)
		}
		if err := checkFinite(fmt.Sprintf("%s frame %d", name, i), row); err != nil {
			return 0, err
		}
	}
	return bins, nil
}

// dioFrames mirrors WORLD's GetSamplesForDIO.
func dioFrames(samples, fs int, framePeriod float64) int {
	return int(1000.0*float64(samples)/float64(fs)/framePeriod) + 1
}

func sampleAt(x []float64, i int) float64 {
	if i < 0 || i >= len(x) {
		return 0
	}
	return x[i]
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
