package mix

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/loqalabs/florence/internal/config"
	"github.com/loqalabs/florence/internal/song"
	"github.com/loqalabs/florence/internal/wavio"
)

// Renderer merges tracks into the final, level-controlled song buffer.
type Renderer struct {
	targetRMS  float64
	maxGain    float64
	limitAt    float64
	limitRatio float64
}

func NewRenderer(cfg config.RenderConfig) *Renderer {
	return &Renderer{
		targetRMS:  cfg.TargetRMS,
		maxGain:    cfg.MaxGain,
		limitAt:    cfg.LimitAt,
		limitRatio: cfg.LimitRatio,
	}
}

// Render sums the track waves, soft-limits peaks, normalizes loudness with a
// capped gain and clips to [-1, 1]. The result is also stored on s.Wave.
func (r *Renderer) Render(s *song.Song) []float64 {
	out := Merge(s.Tracks)
	r.limit(out)
	r.normalize(out)
	for i, v := range out {
		out[i] = wavio.Clip1(v)
	}
	s.Wave = out
	return out
}

// Write renders s into dir as <name>.wav and returns the file path.
func (r *Renderer) Write(s *song.Song, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(dir, s.Name+".wav")
	if err := wavio.WriteFile(path, s.Wave, s.SampleRate); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// Merge adds the track waves sample by sample, padding to the longest.
func Merge(tracks []song.Track) []float64 {
	longest := 0
	for _, tr := range tracks {
		longest = max(longest, len(tr.Wave))
	}
	out := make([]float64, longest)
	for _, tr := range tracks {
		for i, v := range tr.Wave {
			out[i] += v
		}
	}
	return out
}

func (r *Renderer) limit(x []float64) {
	for i, v := range x {
		a := math.Abs(v)
		if a <= r.limitAt {
			continue
		}
		x[i] = math.Copysign(r.limitAt+(a-r.limitAt)/r.limitRatio, v)
	}
}

func (r *Renderer) normalize(x []float64) {
	current := rootMeanSquare(x)
	if current == 0 {
		return
	}
	gain := math.Min(r.targetRMS/current, r.maxGain)
	for i := range x {
		x[i] *= gain
	}
}

// Quality summarizes a rendered buffer.
type Quality struct {
	RMS              float64
	ZeroCrossingRate float64
	EstimatedSNR     float64 // dB, 0 when the noise floor is silent
}

// Analyze measures RMS, zero-crossing rate and a rough SNR that treats the
// 10th percentile of absolute amplitude as the noise floor.
func Analyze(x []float64) Quality {
	if len(x) == 0 {
		return Quality{}
	}
	q := Quality{RMS: rootMeanSquare(x)}

	crossings := 0
	for i := 1; i < len(x); i++ {
		if math.Signbit(x[i]) != math.Signbit(x[i-1]) {
			crossings++
		}
	}
	q.ZeroCrossingRate = float64(crossings) / float64(len(x))

	abs := make([]float64, len(x))
	for i, v := range x {
		abs[i] = math.Abs(v)
	}
	sort.Float64s(abs)
	floor := percentile(abs, 10)
	if noise := floor * floor; noise > 0 {
		q.EstimatedSNR = 20 * math.Log10(q.RMS*q.RMS/noise)
	}
	return q
}

// percentile interpolates linearly between closest ranks of sorted data.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := p / 100 * float64(len(sorted)-1)
	i := int(pos)
	if i >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := pos - float64(i)
	return sorted[i]*(1-frac) + sorted[i+1]*frac
}

func rootMeanSquare(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(x)))
}
