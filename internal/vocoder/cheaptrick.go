package vocoder

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// CheapTrickOptions controls spectral envelope estimation. A zero FFTSize
// means FFTSize(fs, F0Floor).
type CheapTrickOptions struct {
	Q1      float64
	F0Floor float64
	FFTSize int
}

func DefaultCheapTrickOptions() CheapTrickOptions {
	return CheapTrickOptions{Q1: DefaultQ1, F0Floor: DefaultF0Floor}
}

func (o CheapTrickOptions) fftSize(fs int) (int, error) {
	if !positive(o.F0Floor) {
		return 0, fmt.Errorf("%w: f0 floor %v", ErrInvalidOption, o.F0Floor)
	}
	if math.IsNaN(o.Q1) || math.IsInf(o.Q1, 0) {
		return 0, fmt.Errorf("%w: q1 %v", ErrNonFinite, o.Q1)
	}
	size := o.FFTSize
	if size == 0 {
		size = FFTSize(fs, o.F0Floor)
	}
	if size < 4 || size&(size-1) != 0 {
		return 0, fmt.Errorf("%w: fft size %d is not a power of two", ErrInvalidOption, size)
	}
	return size, nil
}

// CheapTrick estimates one spectral envelope frame (fftSize/2+1 power bins)
// per time position. Each frame is the power spectrum under a three-period
// Hanning window, smoothed over one f0 in frequency and then liftered in the
// quefrency domain; q1 sets the strength of the compensation lifter.
func CheapTrick(x, f0, t []float64, fs int, opt CheapTrickOptions) ([][]float64, error) {
	if err := checkFrames(x, f0, t, fs); err != nil {
		return nil, err
	}
	n, err := opt.fftSize(fs)
	if err != nil {
		return nil, err
	}
	fft := fourier.NewFFT(n)
	buf := make([]float64, n)
	coeff := make([]complex128, n/2+1)

	sp := make([][]float64, len(f0))
	for i := range f0 {
		current := f0[i]
		if current <= opt.F0Floor {
			current = defaultF0
		}
		sp[i] = envelopeFrame(fft, x, fs, t[i], current, opt.Q1, buf, coeff)
	}
	return sp, nil
}

func envelopeFrame(fft *fourier.FFT, x []float64, fs int, t, f0, q1 float64, buf []float64, coeff []complex128) []float64 {
	n := fft.Len()
	rate := float64(fs)
	length := int(math.Round(3 * rate / f0))
	if length > n {
		length = n
	}
	window := hanning(length)
	normalizeEnergy(window)
	power := powerSpectrum(fft, x, t*rate, window, buf, coeff)

	df := rate / float64(n)
	smoothed := linearSmoothing(power, df, f0*2/3)
	for k := range smoothed {
		smoothed[k] = math.Log(smoothed[k] + safeGuard)
	}

	c := cepstrum(fft, smoothed)
	for k := 1; k <= n/2; k++ {
		q := float64(k) / rate
		arg := math.Pi * f0 * q
		lifter := math.Sin(arg) / arg
		lifter *= (1 - 2*q1) + 2*q1*math.Cos(2*math.Pi*f0*q)
		c[k] *= lifter
		if k != n-k {
			c[n-k] *= lifter
		}
	}
	spec := fft.Coefficients(nil, c)
	out := make([]float64, n/2+1)
	for k := range out {
		out[k] = math.Exp(real(spec[k]))
	}
	return out
}

// linearSmoothing averages power over a rectangular band of the given width
// centered on every bin, mirroring at DC and Nyquist.
func linearSmoothing(power []float64, df, width float64) []float64 {
	bins := len(power)
	half := width / 2 / df
	if half < 0.5 {
		out := make([]float64, bins)
		copy(out, power)
		return out
	}
	mirror := func(k int) float64 {
		for k < 0 || k >= bins {
			if k < 0 {
				k = -k
			}
			if k >= bins {
				k = 2*(bins-1) - k
			}
		}
		return power[k]
	}
	span := int(math.Floor(half))
	out := make([]float64, bins)
	for k := range out {
		var sum float64
		for j := -span; j <= span; j++ {
			sum += mirror(k + j)
		}
		out[k] = sum / float64(2*span+1)
	}
	return out
}
