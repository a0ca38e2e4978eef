package vocoder

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// powerSpectrum windows x around center (in samples) with w and returns
// |X|^2 for bins 0..n/2.
func powerSpectrum(fft *fourier.FFT, x []float64, center float64, window []float64, buf []float64, coeff []complex128) []float64 {
	n := fft.Len()
	for i := range buf {
		buf[i] = 0
	}
	origin := int(math.Round(center)) - len(window)/2
	var mean, wsum float64
	for k, w := range window {
		mean += sampleAt(x, origin+k) * w
		wsum += w
	}
	if wsum > 0 {
		mean /= wsum
	}
	for k, w := range window {
		if k >= n {
			break
		}
		// remove the weighted DC so it does not leak into low bins
		buf[k] = (sampleAt(x, origin+k) - mean) * w
	}
	coeff = fft.Coefficients(coeff, buf)
	out := make([]float64, n/2+1)
	for k, c := range coeff {
		out[k] = real(c)*real(c) + imag(c)*imag(c)
	}
	return out
}

// cepstrum returns the real cepstrum of a half spectrum given in log units.
func cepstrum(fft *fourier.FFT, logSpec []float64) []float64 {
	n := fft.Len()
	coeff := make([]complex128, len(logSpec))
	for k, v := range logSpec {
		coeff[k] = complex(v, 0)
	}
	c := fft.Sequence(nil, coeff)
	for i := range c {
		c[i] /= float64(n)
	}
	return c
}

// minimumPhase builds the minimum-phase spectrum whose power is pow.
func minimumPhase(fft *fourier.FFT, pow []float64) []complex128 {
	n := fft.Len()
	logAmp := make([]float64, len(pow))
	for k, p := range pow {
		logAmp[k] = 0.5 * math.Log(math.Max(p, safeGuard))
	}
	c := cepstrum(fft, logAmp)
	folded := make([]float64, n)
	folded[0] = c[0]
	for k := 1; k < n/2; k++ {
		folded[k] = 2 * c[k]
	}
	folded[n/2] = c[n/2]
	spec := fft.Coefficients(nil, folded)
	for k, v := range spec {
		spec[k] = cmplx.Exp(v)
	}
	return spec
}

func hanning(length int) []float64 {
	w := make([]float64, length)
	if length == 1 {
		w[0] = 1
		return w
	}
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i+1)/float64(length+1))
	}
	return w
}

func blackmanWindow(length int) []float64 {
	w := make([]float64, length)
	half := float64(length+1) / 2
	for i := range w {
		u := (float64(i+1) - half) / half
		w[i], _ = blackman(u, half)
	}
	return w
}

// normalizeEnergy scales w to unit energy.
func normalizeEnergy(w []float64) {
	var e float64
	for _, v := range w {
		e += v * v
	}
	if e <= 0 {
		return
	}
	s := 1 / math.Sqrt(e)
	for i := range w {
		w[i] *= s
	}
}

// interpolateAt samples a half spectrum (bin spacing df) at frequency f.
func interpolateAt(spec []float64, df, f float64) float64 {
	pos := f / df
	if pos <= 0 {
		return spec[0]
	}
	i := int(pos)
	if i >= len(spec)-1 {
		return spec[len(spec)-1]
	}
	frac := pos - float64(i)
	return spec[i]*(1-frac) + spec[i+1]*frac
}
