package vocoder

import (
	"math"
	"math/cmplx"
)

const (
	stoneMaskHarmonics = 6
	// refinements that move f0 further than this ratio are discarded
	stoneMaskTolerance = 0.2
)

// StoneMask refines a coarse f0 contour on the same frame grid using the
// instantaneous frequency of the first harmonics. Unvoiced frames stay 0.
func StoneMask(x, f0, t []float64, fs int) ([]float64, error) {
	if err := checkFrames(x, f0, t, fs); err != nil {
		return nil, err
	}
	refined := make([]float64, len(f0))
	for i, coarse := range f0 {
		if coarse <= 0 {
			continue
		}
		refined[i] = refineFrame(x, fs, t[i], coarse)
	}
	return refined, nil
}

func refineFrame(x []float64, fs int, t, coarse float64) float64 {
	first, ok := instantaneousF0(x, fs, t, coarse, 1)
	if !ok || math.Abs(first-coarse)/coarse > stoneMaskTolerance {
		return coarse
	}
	second, ok := instantaneousF0(x, fs, t, first, stoneMaskHarmonics)
	if !ok || math.Abs(second-coarse)/coarse > stoneMaskTolerance {
		return first
	}
	return second
}

// instantaneousF0 measures the instantaneous frequency around each of the
// first harmonics with a three-period Blackman window centered at t, and
// returns the power-weighted mean of frequency/harmonic.
func instantaneousF0(x []float64, fs int, t, f0 float64, harmonics int) (float64, bool) {
	rate := float64(fs)
	half := 1.5 * rate / f0
	center := t * rate
	// samples outside x contribute nothing, so the window is cut to x
	lo := int(math.Max(math.Ceil(center-half), 0))
	hi := int(math.Min(math.Floor(center+half), float64(len(x)-1)))

	var num, den float64
	for h := 1; h <= harmonics; h++ {
		freq := float64(h) * f0
		if freq >= rate/2 {
			break
		}
		omega := 2 * math.Pi * freq / rate
		var spec, dspec complex128
		for n := lo; n <= hi; n++ {
			v := sampleAt(x, n)
			if v == 0 {
				continue
			}
			u := (float64(n) - center) / half
			w, dw := blackman(u, half)
			phase := cmplx.Exp(complex(0, -omega*(float64(n)-center)))
			spec += complex(v*w, 0) * phase
			dspec += complex(v*dw, 0) * phase
		}
		power := real(spec)*real(spec) + imag(spec)*imag(spec)
		if power < safeGuard {
			continue
		}
		inst := omega - imag(dspec*cmplx.Conj(spec))/power
		instHz := inst * rate / (2 * math.Pi)
		num += power * instHz / float64(h)
		den += power
	}
	f := num / den
	if den == 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// blackman evaluates a Blackman window over u in [-1, 1] and its derivative
// with respect to the sample index, given the half length in samples.
func blackman(u, half float64) (float64, float64) {
	if u < -1 || u > 1 {
		return 0, 0
	}
	w := 0.42 + 0.5*math.Cos(math.Pi*u) + 0.08*math.Cos(2*math.Pi*u)
	dw := (-0.5*math.Pi*math.Sin(math.Pi*u) - 0.16*math.Pi*math.Sin(2*math.Pi*u)) / half
	return w, dw
}
