package vocoder

import (
	"fmt"
	"math"
	"math/cmplx"
	"math/rand"

	"gonum.org/v1/gonum/dsp/fourier"
)

// noiseSeed fixes the aperiodic excitation so synthesis is repeatable.
const noiseSeed = 20160101

// Synthesize rebuilds a waveform from an f0 contour, spectral envelope and
// aperiodicity sharing one frame grid. The result has
// int((frames-1)*framePeriod/1000*fs)+1 samples.
//
// Excitation is placed pitch-synchronously: one minimum-phase pulse per period
// shaped by the periodic share of the envelope, plus a burst of filtered
// Gaussian noise shaped by the aperiodic share. Unvoiced frames advance at
// the default period and are carried by the noise alone.
func Synthesize(f0 []float64, sp, ap [][]float64, fs int, framePeriod float64) ([]float64, error) {
	if fs <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSampleRate, fs)
	}
	if !positive(framePeriod) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFramePeriod, framePeriod)
	}
	frames := len(f0)
	if frames == 0 {
		return nil, fmt.Errorf("%w: no frames", ErrLengthMismatch)
	}
	if err := checkF0(f0, fs); err != nil {
		return nil, err
	}
	bins, err := checkMatrix("spectrogram", sp, frames)
	if err != nil {
		return nil, err
	}
	apBins, err := checkMatrix("aperiodicity", ap, frames)
	if err != nil {
		return nil, err
	}
	if apBins != bins {
		return nil, fmt.Errorf("%w: aperiodicity has %d bins, spectrogram %d", ErrLengthMismatch, apBins, bins)
	}
	n := (bins - 1) * 2
	if n < 4 || n&(n-1) != 0 {
		return nil, fmt.Errorf("%w: %d bins do not come from a power-of-two fft", ErrInvalidOption, bins)
	}

	rate := float64(fs)
	length := int(float64(frames-1)*framePeriod/1000*rate) + 1
	out := make([]float64, length)

	s := &synth{
		fft:      fourier.NewFFT(n),
		rng:      rand.New(rand.NewSource(noiseSeed)),
		periodic: make([]float64, bins),
		noisy:    make([]float64, bins),
		noise:    make([]float64, n),
	}
	for pos := 0.0; pos*rate < float64(length); {
		fpos := pos * 1000 / framePeriod
		i0 := int(fpos)
		if i0 > frames-1 {
			i0 = frames - 1
		}
		i1 := i0 + 1
		if i1 > frames-1 {
			i1 = frames - 1
		}
		frac := fpos - float64(i0)
		if frac > 1 {
			frac = 1
		}

		current := pulseF0(f0, i0, i1, frac)
		voiced := current > 0
		if !voiced {
			current = defaultF0
		}
		period := 1 / current

		for k := 0; k < bins; k++ {
			power := sp[i0][k]*(1-frac) + sp[i1][k]*frac
			a := ap[i0][k]*(1-frac) + ap[i1][k]*frac
			a = clamp(a, 0, 1)
			s.periodic[k] = power * (1 - a*a)
			s.noisy[k] = power * a * a
		}

		at := pos * rate
		index := int(math.Floor(at))
		if voiced {
			s.addPulse(out, index, at-float64(index), period*rate)
		}
		s.addNoise(out, index, int(math.Round(period*rate)))
		pos += period
	}
	return out, nil
}

type synth struct {
	fft      *fourier.FFT
	rng      *rand.Rand
	periodic []float64
	noisy    []float64
	noise    []float64
}

// pulseF0 interpolates f0 between voiced neighbours and otherwise takes the
// nearer frame.
func pulseF0(f0 []float64, i0, i1 int, frac float64) float64 {
	if f0[i0] > 0 && f0[i1] > 0 {
		return f0[i0]*(1-frac) + f0[i1]*frac
	}
	if frac < 0.5 {
		return f0[i0]
	}
	return f0[i1]
}

func (s *synth) addPulse(out []float64, index int, delay, periodSamples float64) {
	n := s.fft.Len()
	spec := minimumPhase(s.fft, s.periodic)
	for k := range spec {
		spec[k] *= cmplx.Exp(complex(0, -2*math.Pi*float64(k)*delay/float64(n)))
	}
	response := s.fft.Sequence(nil, spec)
	gain := math.Sqrt(periodSamples) / float64(n)
	for j, v := range response {
		if index+j >= len(out) {
			break
		}
		if index+j >= 0 {
			out[index+j] += v * gain
		}
	}
}

func (s *synth) addNoise(out []float64, index, count int) {
	n := s.fft.Len()
	if count > n {
		count = n
	}
	if count < 1 {
		count = 1
	}
	for j := range s.noise {
		s.noise[j] = 0
	}
	for j := 0; j < count; j++ {
		s.noise[j] = s.rng.NormFloat64()
	}
	shape := minimumPhase(s.fft, s.noisy)
	spec := s.fft.Coefficients(nil, s.noise)
	for k := range spec {
		spec[k] *= shape[k]
	}
	response := s.fft.Sequence(nil, spec)
	for j, v := range response {
		if index+j >= len(out) {
			break
		}
		if index+j >= 0 {
			out[index+j] += v / float64(n)
		}
	}
}
