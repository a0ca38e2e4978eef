package speech

import (
	"context"
	"math"
	"strings"
	"time"
)

const (
	mockPitch    = 150.0
	mockDuration = 300 * time.Millisecond
)

// MockSynth produces a fixed harmonic tone for every utterance. It stands in
// for a real engine in tests and on machines without one.
type MockSynth struct {
	sampleRate int
}

func NewMockSynth(sampleRate int) *MockSynth {
	return &MockSynth{sampleRate: sampleRate}
}

func (m *MockSynth) Synthesize(ctx context.Context, req Request) (Clip, error) {
	if err := ctx.Err(); err != nil {
		return Clip{}, err
	}
	if strings.TrimSpace(req.Text) == "" {
		return silence(m.sampleRate), nil
	}
	fs := float64(m.sampleRate)
	n := int(mockDuration.Seconds() * fs)
	ramp := int(0.01 * fs)
	samples := make([]float64, n)
	for i := range samples {
		t := float64(i) / fs
		var v float64
		for h := 1; h <= 5; h++ {
			v += math.Sin(2*math.Pi*mockPitch*float64(h)*t) / float64(h)
		}
		gain := 0.3
		if i < ramp {
			gain *= float64(i) / float64(ramp)
		} else if n-1-i < ramp {
			gain *= float64(n-1-i) / float64(ramp)
		}
		samples[i] = v * gain
	}
	return Clip{Samples: samples, SampleRate: m.sampleRate}, nil
}
