package audio

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
	"layeh.com/gopus"

	"github.com/audiolibrelab/voicecapture/internal/capture"
	"github.com/audiolibrelab/voicecapture/internal/transcode"
)

const (
	// Opus frames are 20 ms; RTP timestamps for Opus always tick at 48 kHz.
	opusFrameMs       = 20
	opusClockPerFrame = 48000 * opusFrameMs / 1000
	maxOpusPacket     = 4000
)

// chunkEncoder turns raw PCM into container bytes that can be handed out in
// pieces. Concatenating every Take result yields one valid file.
type chunkEncoder interface {
	MIMEType() string
	// Write encodes interleaved 16-bit PCM.
	Write(pcm []int16) error
	// Take returns the bytes produced since the previous call.
	Take() []byte
	// Finish encodes any buffered partial frame.
	Finish() error
}

// newChunkEncoder negotiates the container: Ogg/Opus when it is preferred
// and an Opus encoder accepts the constraints, streaming WAV otherwise.
func newChunkEncoder(c capture.Constraints) (chunkEncoder, error) {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return nil, fmt.Errorf("invalid capture format %d Hz / %d channels", c.SampleRate, c.Channels)
	}
	if strings.HasPrefix(c.PreferredContainer, "audio/ogg") {
		enc, err := newOggOpusEncoder(c.SampleRate, c.Channels)
		if err == nil {
			return enc, nil
		}
		slog.Warn("Opus encoder unavailable, falling back to WAV", "rate", c.SampleRate, "channels", c.Channels, "error", err)
	}
	return newWAVEncoder(c.SampleRate, c.Channels), nil
}

type oggOpusEncoder struct {
	enc       *gopus.Encoder
	ogg       *oggwriter.OggWriter
	out       bytes.Buffer
	channels  int
	frameSize int // samples per channel
	pending   []int16
	seq       uint16
	timestamp uint32
}

func newOggOpusEncoder(rate, channels int) (*oggOpusEncoder, error) {
	if !transcode.IsOpusRate(rate) {
		return nil, fmt.Errorf("%d Hz is not an Opus rate", rate)
	}
	if channels > 2 {
		return nil, fmt.Errorf("opus supports at most 2 channels, got %d", channels)
	}
	enc, err := gopus.NewEncoder(rate, channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	e := &oggOpusEncoder{
		enc:       enc,
		channels:  channels,
		frameSize: rate * opusFrameMs / 1000,
	}
	ogg, err := oggwriter.NewWith(&e.out, uint32(rate), uint16(channels))
	if err != nil {
		return nil, fmt.Errorf("create ogg writer: %w", err)
	}
	e.ogg = ogg
	return e, nil
}

func (e *oggOpusEncoder) MIMEType() string { return capture.MIMEOggOpus }

func (e *oggOpusEncoder) Write(pcm []int16) error {
	e.pending = append(e.pending, pcm...)
	step := e.frameSize * e.channels
	for len(e.pending) >= step {
		if err := e.encodeFrame(e.pending[:step]); err != nil {
			return err
		}
		e.pending = e.pending[step:]
	}
	return nil
}

func (e *oggOpusEncoder) encodeFrame(frame []int16) error {
	payload, err := e.enc.Encode(frame, e.frameSize, maxOpusPacket)
	if err != nil {
		return fmt.Errorf("opus encode: %w", err)
	}
	e.seq++
	e.timestamp += opusClockPerFrame
	return e.ogg.WriteRTP(&rtp.Packet{
		Header:  rtp.Header{Version: 2, SequenceNumber: e.seq, Timestamp: e.timestamp},
		Payload: payload,
	})
}

// Finish pads the last partial frame with silence.
func (e *oggOpusEncoder) Finish() error {
	if len(e.pending) == 0 {
		return nil
	}
	frame := make([]int16, e.frameSize*e.channels)
	copy(frame, e.pending)
	e.pending = nil
	return e.encodeFrame(frame)
}

func (e *oggOpusEncoder) Take() []byte {
	if e.out.Len() == 0 {
		return nil
	}
	b := bytes.Clone(e.out.Bytes())
	e.out.Reset()
	return b
}

// wavEncoder writes a streaming header followed by little-endian PCM.
type wavEncoder struct {
	out bytes.Buffer
}

func newWAVEncoder(rate, channels int) *wavEncoder {
	e := &wavEncoder{}
	e.out.Write(transcode.StreamingWAVHeader(rate, channels))
	return e
}

func (e *wavEncoder) MIMEType() string { return transcode.MIMEWAV }

func (e *wavEncoder) Write(pcm []int16) error {
	for _, s := range pcm {
		e.out.WriteByte(byte(s))
		e.out.WriteByte(byte(s >> 8))
	}
	return nil
}

func (e *wavEncoder) Finish() error { return nil }

func (e *wavEncoder) Take() []byte {
	if e.out.Len() == 0 {
		return nil
	}
	b := bytes.Clone(e.out.Bytes())
	e.out.Reset()
	return b
}

// int16sFromBytes converts little-endian bytes to 16-bit samples. A trailing
// odd byte is ignored.
func int16sFromBytes(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
