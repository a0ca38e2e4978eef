// Package wavio reads and writes the PCM WAV files exchanged with speech
// engines and produced by renders.
package wavio

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	// BitDepth of every file this package writes.
	BitDepth = 16

	pcmFormat = 1
)

var (
	ErrInvalidWAV  = errors.New("wavio: not a wav file")
	ErrUnsupported = errors.New("wavio: unsupported wav encoding")
)

// Clip is mono audio in [-1, 1].
type Clip struct {
	Samples    []float64
	SampleRate int
}

// Duration in seconds.
func (c Clip) Duration() float64 {
	if c.SampleRate <= 0 {
		return 0
	}
	return float64(len(c.Samples)) / float64(c.SampleRate)
}

// Decode reads integer PCM of any bit depth and channel count and mixes it
// down to mono.
func Decode(r io.ReadSeeker) (Clip, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Clip{}, ErrInvalidWAV
	}
	if dec.WavAudioFormat != pcmFormat {
		return Clip{}, fmt.Errorf("%w: format tag %d", ErrUnsupported, dec.WavAudioFormat)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("read pcm: %w", err)
	}
	depth := int(dec.BitDepth)
	if depth != 8 && depth != 16 && depth != 24 && depth != 32 {
		return Clip{}, fmt.Errorf("%w: %d-bit", ErrUnsupported, depth)
	}
	channels := int(dec.NumChans)
	if buf.Format != nil && buf.Format.NumChannels > 0 {
		channels = buf.Format.NumChannels
	}
	if channels < 1 {
		channels = 1
	}

	scale := math.Exp2(float64(depth - 1))
	offset := 0
	if depth == 8 {
		// 8-bit PCM is unsigned
		offset = 128
	}
	frames := len(buf.Data) / channels
	out := make([]float64, frames)
	for i := range out {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += float64(buf.Data[i*channels+c]-offset) / scale
		}
		out[i] = sum / float64(channels)
	}
	return Clip{Samples: out, SampleRate: int(dec.SampleRate)}, nil
}

// ReadFile decodes the WAV file at path.
func ReadFile(path string) (Clip, error) {
	file, err := os.Open(path)
	if err != nil {
		return Clip{}, err
	}
	defer file.Close()
	clip, err := Decode(file)
	if err != nil {
		return Clip{}, fmt.Errorf("%s: %w", path, err)
	}
	return clip, nil
}

// Encode writes samples as 16-bit mono PCM. Values outside [-1, 1] are
// clipped.
func Encode(w io.WriteSeeker, samples []float64, sampleRate int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("%w: sample rate %d", ErrUnsupported, sampleRate)
	}
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		SourceBitDepth: BitDepth,
		Data:           make([]int, len(samples)),
	}
	for i, v := range samples {
		buffer.Data[i] = int(math.Round(Clip1(v) * math.MaxInt16))
	}

	enc := wav.NewEncoder(w, sampleRate, BitDepth, 1, pcmFormat)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// WriteFile encodes samples to path, replacing any existing file.
func WriteFile(path string, samples []float64, sampleRate int) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Encode(file, samples, sampleRate); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// Resample converts samples between rates by linear interpolation.
func Resample(samples []float64, from, to int) []float64 {
	if from == to || from <= 0 || to <= 0 || len(samples) == 0 {
		return append([]float64(nil), samples...)
	}
	n := int(math.Round(float64(len(samples)) * float64(to) / float64(from)))
	if n < 1 {
		n = 1
	}
	out := make([]float64, n)
	step := float64(from) / float64(to)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= last {
			out[i] = samples[last]
			continue
		}
		frac := pos - float64(j)
		out[i] = samples[j]*(1-frac) + samples[j+1]*frac
	}
	return out
}

// Clip1 limits v to [-1, 1].
func Clip1(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
