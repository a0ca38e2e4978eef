package vocoder

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// D4COptions controls aperiodicity estimation. Threshold is the share of
// 100-4000 Hz power (relative to 100-7900 Hz) a frame needs to count as
// voiced; 0 disables the check. A zero FFTSize means FFTSize(fs, DefaultF0Floor).
type D4COptions struct {
	Threshold float64
	FFTSize   int
}

func DefaultD4COptions() D4COptions {
	return D4COptions{Threshold: DefaultThreshold}
}

const (
	minAperiodicity = 0.001
	maxAperiodicity = 1 - safeGuard
	// analysis window length in periods; long enough to separate harmonics
	d4cPeriods = 8
	// voiced frames below this f0 are analysed as if at it
	d4cFloorF0 = 47.0
)

// D4C estimates one aperiodicity frame (fftSize/2+1 bins, 0..1) per time
// position. Unvoiced frames, and frames whose low-band power share does not
// exceed Threshold, are fully aperiodic. Voiced frames compare the spectral
// valley between neighbouring harmonics with the harmonic peak and interpolate
// the ratio across frequency.
func D4C(x, f0, t []float64, fs int, opt D4COptions) ([][]float64, error) {
	if err := checkFrames(x, f0, t, fs); err != nil {
		return nil, err
	}
	if !(opt.Threshold >= 0 && opt.Threshold <= 1) {
		return nil, fmt.Errorf("%w: threshold %v not in [0, 1]", ErrInvalidOption, opt.Threshold)
	}
	size := opt.FFTSize
	if size == 0 {
		size = FFTSize(fs, DefaultF0Floor)
	}
	if size < 4 || size&(size-1) != 0 {
		return nil, fmt.Errorf("%w: fft size %d is not a power of two", ErrInvalidOption, size)
	}
	bins := size/2 + 1
	rate := float64(fs)

	ffts := make(map[int]*fourier.FFT)
	ap := make([][]float64, len(f0))
	for i := range f0 {
		row := make([]float64, bins)
		ap[i] = row
		if f0[i] <= 0 {
			fill(row, maxAperiodicity)
			continue
		}
		current := math.Max(f0[i], d4cFloorF0)
		length := int(math.Round(d4cPeriods * rate / current))
		n := nextPow2(length)
		if n < size {
			n = size
		}
		fft, ok := ffts[n]
		if !ok {
			fft = fourier.NewFFT(n)
			ffts[n] = fft
		}
		window := blackmanWindow(length)
		normalizeEnergy(window)
		power := powerSpectrum(fft, x, t[i]*rate, window, make([]float64, n), nil)
		df := rate / float64(n)

		if opt.Threshold > 0 && lowBandShare(power, df, rate) <= opt.Threshold {
			fill(row, maxAperiodicity)
			continue
		}
		bandAperiodicity(power, df, current, rate, size, row)
	}
	return ap, nil
}

func fill(row []float64, v float64) {
	for k := range row {
		row[k] = v
	}
}

// lowBandShare is the fraction of 100-7900 Hz power found in 100-4000 Hz.
func lowBandShare(power []float64, df, rate float64) float64 {
	nyquist := rate / 2
	top := math.Min(7900, nyquist)
	mid := math.Min(4000, nyquist)
	var low, all float64
	for k, p := range power {
		f := float64(k) * df
		if f < 100 || f > top {
			continue
		}
		all += p
		if f <= mid {
			low += p
		}
	}
	if all <= 0 {
		return 0
	}
	return low / all
}

// bandAperiodicity writes the valley/peak ratio for each harmonic gap into
// row, sampled at the output bins of an fftSize transform.
func bandAperiodicity(power []float64, df, f0, rate float64, fftSize int, row []float64) {
	nyquist := rate / 2
	var centers, values []float64
	for h := 1; float64(h)*f0 < nyquist; h++ {
		peak := bandExtreme(power, df, float64(h)*f0, f0/4, math.Max)
		valleyAt := (float64(h) + 0.5) * f0
		if valleyAt >= nyquist {
			break
		}
		valley := bandExtreme(power, df, valleyAt, f0/4, math.Min)
		ratio := minAperiodicity
		if peak > safeGuard {
			ratio = math.Sqrt(valley / peak)
		}
		centers = append(centers, valleyAt)
		values = append(values, clamp(ratio, minAperiodicity, maxAperiodicity))
	}
	if len(values) == 0 {
		fill(row, maxAperiodicity)
		return
	}
	outDF := rate / float64(fftSize)
	for k := range row {
		row[k] = interpolateBands(centers, values, float64(k)*outDF)
	}
}

func bandExtreme(power []float64, df, center, halfWidth float64, pick func(a, b float64) float64) float64 {
	lo := int(math.Floor((center - halfWidth) / df))
	hi := int(math.Ceil((center + halfWidth) / df))
	if lo < 0 {
		lo = 0
	}
	if hi > len(power)-1 {
		hi = len(power) - 1
	}
	v := power[lo]
	for k := lo + 1; k <= hi; k++ {
		v = pick(v, power[k])
	}
	return v
}

func interpolateBands(centers, values []float64, f float64) float64 {
	if f <= centers[0] {
		return values[0]
	}
	last := len(centers) - 1
	if f >= centers[last] {
		return values[last]
	}
	for j := 0; j < last; j++ {
		if f <= centers[j+1] {
			frac := (f - centers[j]) / (centers[j+1] - centers[j])
			return values[j]*(1-frac) + values[j+1]*frac
		}
	}
	return values[last]
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
