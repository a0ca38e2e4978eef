package vocoder

import (
	"fmt"
	"math"
	"sort"
)

// DioOptions controls coarse f0 estimation.
type DioOptions struct {
	F0Floor          float64 // Hz
	F0Ceil           float64 // Hz
	ChannelsInOctave float64
	FramePeriod      float64 // ms
	// Speed decimates the waveform before the search, 1 (none) to 12.
	Speed int
}

func DefaultDioOptions() DioOptions {
	return DioOptions{
		F0Floor:          DefaultF0Floor,
		F0Ceil:           DefaultF0Ceil,
		ChannelsInOctave: DefaultChannelsInOctave,
		FramePeriod:      DefaultFramePeriod,
		Speed:            DefaultSpeed,
	}
}

func (o DioOptions) validate() error {
	if !positive(o.FramePeriod) {
		return fmt.Errorf("%w: %v", ErrInvalidFramePeriod, o.FramePeriod)
	}
	if !positive(o.F0Floor) || !positive(o.F0Ceil) || o.F0Ceil <= o.F0Floor {
		return fmt.Errorf("%w: f0 range [%v, %v]", ErrInvalidOption, o.F0Floor, o.F0Ceil)
	}
	if !positive(o.ChannelsInOctave) {
		return fmt.Errorf("%w: channels in octave %v", ErrInvalidOption, o.ChannelsInOctave)
	}
	if o.Speed < 1 || o.Speed > 12 {
		return fmt.Errorf("%w: speed %d not in 1..12", ErrInvalidOption, o.Speed)
	}
	return nil
}

// dioThreshold is the largest normalized difference accepted as periodic.
const dioThreshold = 0.15

// Dio estimates a coarse f0 contour and its time axis (seconds).
//
// The lag range implied by [F0Floor, F0Ceil] is split into bands of
// 1/ChannelsInOctave octave. Each band contributes its best periodicity
// candidate from the cumulative mean normalized difference of the frame; the
// shortest-period candidate under the threshold wins, which avoids reporting
// sub-octaves. Frames without a candidate are unvoiced (0). Reported values
// always lie inside [F0Floor, F0Ceil].
func Dio(x []float64, fs int, opt DioOptions) ([]float64, []float64, error) {
	if err := checkWaveform(x, fs); err != nil {
		return nil, nil, err
	}
	if err := opt.validate(); err != nil {
		return nil, nil, err
	}

	frames := dioFrames(len(x), fs, opt.FramePeriod)
	t := make([]float64, frames)
	for i := range t {
		t[i] = float64(i) * opt.FramePeriod / 1000.0
	}

	y, rate := decimate(x, fs, opt.Speed)
	minLag := int(math.Floor(rate / opt.F0Ceil))
	if minLag < 2 {
		minLag = 2
	}
	maxLag := int(math.Ceil(rate / opt.F0Floor))
	if maxLag <= minLag {
		return nil, nil, fmt.Errorf("%w: f0 range too narrow for sample rate %d", ErrInvalidOption, fs)
	}
	bands := lagBands(rate, opt, minLag, maxLag)

	width := maxLag
	diff := make([]float64, maxLag+2)
	norm := make([]float64, maxLag+2)
	f0 := make([]float64, frames)
	for i := range t {
		center := int(math.Round(t[i] * rate))
		start := center - (width+maxLag)/2
		if !differenceFunction(y, start, width, diff) {
			continue
		}
		cumulativeMeanNormalize(diff, norm)

		for _, b := range bands {
			lag, value, ok := bandMinimum(norm, b[0], b[1], minLag, maxLag)
			if !ok || value >= dioThreshold {
				continue
			}
			freq := rate / lag
			if freq >= opt.F0Floor && freq <= opt.F0Ceil {
				f0[i] = freq
			}
			break
		}
	}
	return f0, t, nil
}

// decimate averages every speed samples.
func decimate(x []float64, fs, speed int) ([]float64, float64) {
	if speed <= 1 {
		return x, float64(fs)
	}
	out := make([]float64, (len(x)+speed-1)/speed)
	for i := range out {
		var sum float64
		n := 0
		for j := i * speed; j < (i+1)*speed && j < len(x); j++ {
			sum += x[j]
			n++
		}
		out[i] = sum / float64(n)
	}
	return out, float64(fs) / float64(speed)
}

// lagBands splits [minLag, maxLag] into octave fractions, shortest lags first.
func lagBands(rate float64, opt DioOptions, minLag, maxLag int) [][2]int {
	count := int(math.Ceil(math.Log2(opt.F0Ceil/opt.F0Floor) * opt.ChannelsInOctave))
	if count < 1 {
		count = 1
	}
	bands := make([][2]int, 0, count)
	for k := 0; k < count; k++ {
		lo := opt.F0Floor * math.Pow(2, float64(k)/opt.ChannelsInOctave)
		hi := math.Min(opt.F0Floor*math.Pow(2, float64(k+1)/opt.ChannelsInOctave), opt.F0Ceil)
		shortLag := int(math.Floor(rate / hi))
		longLag := int(math.Ceil(rate / lo))
		if shortLag < minLag {
			shortLag = minLag
		}
		if longLag > maxLag {
			longLag = maxLag
		}
		if shortLag <= longLag {
			bands = append(bands, [2]int{shortLag, longLag})
		}
	}
	sort.Slice(bands, func(i, j int) bool { return bands[i][0] < bands[j][0] })
	return bands
}

// differenceFunction fills diff[tau] for tau in [0, len(diff)). It reports
// false for silent frames.
func differenceFunction(y []float64, start, width int, diff []float64) bool {
	var energy float64
	for j := 0; j < width; j++ {
		v := sampleAt(y, start+j)
		energy += v * v
	}
	if energy < safeGuard {
		return false
	}
	diff[0] = 0
	for tau := 1; tau < len(diff); tau++ {
		var sum float64
		for j := 0; j < width; j++ {
			d := sampleAt(y, start+j) - sampleAt(y, start+j+tau)
			sum += d * d
		}
		diff[tau] = sum
	}
	return true
}

func cumulativeMeanNormalize(diff, norm []float64) {
	norm[0] = 1
	var running float64
	for tau := 1; tau < len(diff); tau++ {
		running += diff[tau]
		if running <= 0 {
			norm[tau] = 1
			continue
		}
		norm[tau] = diff[tau] * float64(tau) / running
	}
}

// bandMinimum finds the deepest local minimum of norm within [lo, hi] and
// refines its position by parabolic interpolation.
func bandMinimum(norm []float64, lo, hi, minLag, maxLag int) (float64, float64, bool) {
	best := -1
	for tau := lo; tau <= hi; tau++ {
		if tau <= minLag-1 || tau >= maxLag+1 || tau-1 < 0 || tau+1 >= len(norm) {
			continue
		}
		if norm[tau] > norm[tau-1] || norm[tau] > norm[tau+1] {
			continue
		}
		if best < 0 || norm[tau] < norm[best] {
			best = tau
		}
	}
	if best < 0 {
		return 0, 0, false
	}
	a, b, c := norm[best-1], norm[best], norm[best+1]
	lag := float64(best)
	value := b
	if den := a - 2*b + c; den > 0 {
		shift := 0.5 * (a - c) / den
		if shift > -1 && shift < 1 {
			lag += shift
			value = b - 0.25*(a-c)*shift
		}
	}
	return lag, value, true
}
