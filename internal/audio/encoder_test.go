package audio

import (
	"bytes"
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/voicecapture/internal/capture"
	"github.com/audiolibrelab/voicecapture/internal/transcode"
)

func tone(rate int, d time.Duration) []int16 {
	n := int(float64(rate) * d.Seconds())
	pcm := make([]int16, n)
	for i := range pcm {
		pcm[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}
	return pcm
}

// encodeInPieces feeds pcm in device-sized callbacks and collects chunks the
// way the flush loop does.
func encodeInPieces(t *testing.T, enc chunkEncoder, pcm []int16, piece int) [][]byte {
	t.Helper()
	var chunks [][]byte
	for len(pcm) > 0 {
		n := min(piece, len(pcm))
		require.NoError(t, enc.Write(pcm[:n]))
		pcm = pcm[n:]
		if c := enc.Take(); len(c) > 0 {
			chunks = append(chunks, c)
		}
	}
	require.NoError(t, enc.Finish())
	if c := enc.Take(); len(c) > 0 {
		chunks = append(chunks, c)
	}
	return chunks
}

func TestNegotiatesOggOpus(t *testing.T) {
	enc, err := newChunkEncoder(capture.DefaultConstraints())
	require.NoError(t, err)
	assert.Equal(t, capture.MIMEOggOpus, enc.MIMEType())

	chunks := encodeInPieces(t, enc, tone(16000, time.Second), 480)
	require.NotEmpty(t, chunks)
	blob := bytes.Join(chunks, nil)
	assert.Equal(t, []byte("OggS"), blob[:4])

	b, err := (&transcode.Decoder{}).Decode(context.Background(), blob, enc.MIMEType())
	require.NoError(t, err)
	assert.Equal(t, 16000, b.SampleRate())
	assert.InDelta(t, 1.0, b.Duration().Seconds(), 0.1)
}

func TestOggOpusPadsPartialFrame(t *testing.T) {
	enc, err := newOggOpusEncoder(16000, 1)
	require.NoError(t, err)
	header := enc.Take()
	require.NotEmpty(t, header)

	require.NoError(t, enc.Write(make([]int16, 100)))
	assert.Empty(t, enc.Take(), "no page before a full frame")

	require.NoError(t, enc.Finish())
	assert.NotEmpty(t, enc.Take())
	assert.Empty(t, enc.Take())
}

func TestFallsBackToWAV(t *testing.T) {
	tests := []struct {
		name string
		c    capture.Constraints
	}{
		{"non opus rate", capture.Constraints{SampleRate: 44100, Channels: 1, PreferredContainer: capture.MIMEOggOpus}},
		{"too many channels", capture.Constraints{SampleRate: 48000, Channels: 4, PreferredContainer: capture.MIMEOggOpus}},
		{"wav preferred", capture.Constraints{SampleRate: 16000, Channels: 1, PreferredContainer: transcode.MIMEWAV}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := newChunkEncoder(tt.c)
			require.NoError(t, err)
			assert.Equal(t, transcode.MIMEWAV, enc.MIMEType())
		})
	}
}

func TestWAVChunksDecode(t *testing.T) {
	enc, err := newChunkEncoder(capture.Constraints{SampleRate: 44100, Channels: 1, PreferredContainer: capture.MIMEOggOpus})
	require.NoError(t, err)

	pcm := tone(44100, 500*time.Millisecond)
	blob := bytes.Join(encodeInPieces(t, enc, pcm, 1024), nil)
	require.NoError(t, transcode.ValidateWAV(blob))

	b, err := (&transcode.Decoder{}).Decode(context.Background(), blob, transcode.MIMEWAV)
	require.NoError(t, err)
	assert.Equal(t, len(pcm), b.Frames())
	assert.InDelta(t, float32(pcm[100])/32768, b.Channel(0)[100], 1.0/32768)
}

func TestNewChunkEncoderRejectsInvalidFormat(t *testing.T) {
	_, err := newChunkEncoder(capture.Constraints{SampleRate: 0, Channels: 1})
	assert.Error(t, err)
}

func TestInt16sFromBytes(t *testing.T) {
	assert.Equal(t, []int16{1, -1, 0x1234}, int16sFromBytes([]byte{1, 0, 0xff, 0xff, 0x34, 0x12, 0x7f}))
}
