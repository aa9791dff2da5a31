package transcode

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnsupportedFormat is returned when a blob cannot be decoded.
	ErrUnsupportedFormat = errors.New("unsupported audio format")

	// ErrInvalidBuffer is returned when PCM input violates the buffer shape.
	ErrInvalidBuffer = errors.New("invalid pcm buffer")
)

// Buffer is decoded PCM audio: one slice of normalized samples in [-1, 1]
// per channel, all of the same length. A Buffer always has at least one
// channel and a positive sample rate.
type Buffer struct {
	sampleRate int
	channels   [][]float32
}

// NewBuffer creates a Buffer from per-channel sample slices. The slices are
// used as is, not copied.
func NewBuffer(sampleRate int, channels [][]float32) (*Buffer, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("%w: sample rate must be positive, got %d", ErrInvalidBuffer, sampleRate)
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("%w: at least one channel required", ErrInvalidBuffer)
	}
	frames := len(channels[0])
	for i, ch := range channels[1:] {
		if len(ch) != frames {
			return nil, fmt.Errorf("%w: channel %d has %d frames, channel 0 has %d", ErrInvalidBuffer, i+1, len(ch), frames)
		}
	}
	return &Buffer{sampleRate: sampleRate, channels: channels}, nil
}

// FromInterleaved creates a Buffer from interleaved signed 16-bit samples.
func FromInterleaved(samples []int16, sampleRate, numChannels int) (*Buffer, error) {
	if numChannels <= 0 {
		return nil, fmt.Errorf("%w: at least one channel required", ErrInvalidBuffer)
	}
	if len(samples)%numChannels != 0 {
		return nil, fmt.Errorf("%w: %d samples do not divide into %d channels", ErrInvalidBuffer, len(samples), numChannels)
	}
	frames := len(samples) / numChannels
	channels := make([][]float32, numChannels)
	for c := range channels {
		channels[c] = make([]float32, frames)
	}
	for i, s := range samples {
		channels[i%numChannels][i/numChannels] = float32(s) / 32768
	}
	return NewBuffer(sampleRate, channels)
}

func (b *Buffer) SampleRate() int         { return b.sampleRate }
func (b *Buffer) NumChannels() int        { return len(b.channels) }
func (b *Buffer) Frames() int             { return len(b.channels[0]) }
func (b *Buffer) Channel(i int) []float32 { return b.channels[i] }

// Duration is the playback length of the buffer
func (b *Buffer) Duration() time.Duration {
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.sampleRate)
}
