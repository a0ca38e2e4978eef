// Package speech adapts text-to-speech engines to the render pipeline.
package speech

import (
	"context"
	"errors"
	"time"

	"github.com/loqalabs/florence/internal/wavio"
)

var (
	// ErrEngineNotFound means the engine executable could not be located. It
	// is a configuration error and is never retried.
	ErrEngineNotFound = errors.New("speech: engine not found")
	ErrEngineFailed   = errors.New("speech: engine failed")
	ErrUnknownEngine  = errors.New("speech: unknown engine")
)

// SilenceDuration is returned for empty text.
const SilenceDuration = 200 * time.Millisecond

// Request is one utterance to synthesize.
type Request struct {
	Text  string
	Voice string
}

// Clip is mono audio at the synthesizer's output rate.
type Clip = wavio.Clip

// Synthesizer is the contract for producing speech audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (Clip, error)
}

func silence(sampleRate int) Clip {
	n := int(SilenceDuration.Seconds() * float64(sampleRate))
	return Clip{Samples: make([]float64, n), SampleRate: sampleRate}
}
