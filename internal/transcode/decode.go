package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/go-audio/wav"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
	"layeh.com/gopus"
)

// Format is a container format recognised from a blob's leading bytes.
type Format string

const (
	FormatOgg     Format = "ogg"
	FormatWAV     Format = "wav"
	FormatWebM    Format = "webm"
	FormatUnknown Format = "unknown"
)

// Sniff identifies the container of data from its magic bytes.
func Sniff(data []byte) Format {
	switch {
	case len(data) >= 4 && string(data[:4]) == "OggS":
		return FormatOgg
	case len(data) >= 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return FormatWAV
	case len(data) >= 4 && bytes.Equal(data[:4], []byte{0x1a, 0x45, 0xdf, 0xa3}):
		return FormatWebM
	}
	return FormatUnknown
}

// opusRates are the sample rates libopus can decode to natively.
var opusRates = map[int]bool{8000: true, 12000: true, 16000: true, 24000: true, 48000: true}

// IsOpusRate reports whether rate is a native Opus sample rate
func IsOpusRate(rate int) bool {
	return opusRates[rate]
}

// Decoder turns container blobs into PCM. Ogg/Opus and WAV are decoded in
// process; anything else goes through ffmpeg when FFmpeg is set.
type Decoder struct {
	// FFmpeg enables the subprocess fallback.
	FFmpeg bool

	// FFmpegPath overrides the ffmpeg binary looked up on PATH.
	FFmpegPath string

	// SampleRate and Channels of the PCM requested from ffmpeg. Native
	// decoders keep the stream's own layout.
	SampleRate int
	Channels   int
}

// Decode decodes data into a Buffer. mimeType is informational: the
// container is recognised from the data itself. Every decode failure wraps
// ErrUnsupportedFormat.
func (d *Decoder) Decode(ctx context.Context, data []byte, mimeType string) (*Buffer, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrUnsupportedFormat)
	}

	format := Sniff(data)
	var (
		buf *Buffer
		err error
	)
	switch format {
	case FormatOgg:
		buf, err = decodeOggOpus(data)
	case FormatWAV:
		buf, err = decodeWAV(data)
	default:
		err = fmt.Errorf("no native decoder for %s (%s)", format, mimeType)
	}
	if err == nil {
		return buf, nil
	}

	if d.FFmpeg {
		slog.Debug("Native decode failed, falling back to ffmpeg", "format", format, "mime", mimeType, "error", err)
		fbuf, ferr := d.decodeFFmpeg(ctx, data)
		if ferr == nil {
			return fbuf, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		err = errors.Join(err, ferr)
	}
	return nil, fmt.Errorf("%w: %w", ErrUnsupportedFormat, err)
}

// decodeOggOpus decodes an Ogg Opus stream. Packets may share a page or
// span several pages.
func decodeOggOpus(data []byte) (*Buffer, error) {
	r, head, err := newOggPacketReader(data)
	if err != nil {
		return nil, fmt.Errorf("read ogg header: %w", err)
	}
	channels := int(head.Channels)
	if channels < 1 || channels > 2 {
		return nil, fmt.Errorf("unsupported opus channel count %d", channels)
	}
	rate := int(head.SampleRate)
	if !IsOpusRate(rate) {
		rate = 48000
	}

	dec, err := gopus.NewDecoder(rate, channels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}

	// 120 ms is the longest Opus frame.
	maxFrame := rate * 120 / 1000
	var pcm []int16
	for packets := 0; ; {
		packet, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) && len(pcm) > 0 {
			slog.Warn("Ogg stream truncated, keeping decoded audio", "packets", packets)
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read ogg packet: %w", err)
		}
		if len(packet) == 0 || bytes.HasPrefix(packet, []byte("OpusTags")) {
			continue
		}
		out, err := dec.Decode(packet, maxFrame, false)
		if err != nil {
			return nil, fmt.Errorf("decode opus packet %d: %w", packets, err)
		}
		pcm = append(pcm, out...)
		packets++
	}

	// Pre-skip is expressed at 48 kHz.
	skip := int(head.PreSkip) * rate / 48000 * channels
	if skip >= len(pcm) {
		return nil, fmt.Errorf("ogg stream contains no audio")
	}
	return FromInterleaved(pcm[skip:], rate, channels)
}

const oggPageHeaderLen = 27

// oggPacketReader splits the pages read by oggreader into packets. oggreader
// verifies each page and returns its joined payload; the lacing values that
// delimit packets are read from the same page in data.
type oggPacketReader struct {
	pages *oggreader.OggReader
	data  []byte
	// off is the offset in data of the next page oggreader will return.
	off     int
	queue   [][]byte
	pending []byte
}

func newOggPacketReader(data []byte) (*oggPacketReader, *oggreader.OggHeader, error) {
	pages, head, err := oggreader.NewWith(bytes.NewReader(data))
	if err != nil {
		return nil, nil, err
	}
	_, off, err := oggLacing(data, 0)
	if err != nil {
		return nil, nil, err
	}
	return &oggPacketReader{pages: pages, data: data, off: off}, head, nil
}

// Next returns the next complete packet. It returns io.EOF at the end of
// the stream; a packet left unfinished by the last page is dropped.
func (r *oggPacketReader) Next() ([]byte, error) {
	for len(r.queue) == 0 {
		payload, _, err := r.pages.ParseNextPage()
		if err != nil {
			return nil, err
		}
		lacing, next, err := oggLacing(r.data, r.off)
		if err != nil {
			return nil, err
		}
		r.off = next

		// A lacing value below 255 ends a packet.
		for _, l := range lacing {
			n := int(l)
			if n > len(payload) {
				return nil, fmt.Errorf("ogg lacing exceeds page payload")
			}
			r.pending = append(r.pending, payload[:n]...)
			payload = payload[n:]
			if l < 255 {
				r.queue = append(r.queue, r.pending)
				r.pending = nil
			}
		}
	}
	packet := r.queue[0]
	r.queue = r.queue[1:]
	return packet, nil
}

// oggLacing returns the lacing values of the page at off and the offset of
// the page that follows it.
func oggLacing(data []byte, off int) ([]byte, int, error) {
	if off+oggPageHeaderLen > len(data) || string(data[off:off+4]) != "OggS" {
		return nil, 0, fmt.Errorf("no ogg page at offset %d", off)
	}
	end := off + oggPageHeaderLen + int(data[off+26])
	if end > len(data) {
		return nil, 0, io.ErrUnexpectedEOF
	}
	lacing := data[off+oggPageHeaderLen : end]
	size := 0
	for _, l := range lacing {
		size += int(l)
	}
	return lacing, end + size, nil
}

func decodeWAV(data []byte) (*Buffer, error) {
	dec := wav.NewDecoder(bytes.NewReader(repairStreamingHeader(data)))
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("invalid WAV file")
	}
	if dec.WavAudioFormat != 1 {
		return nil, fmt.Errorf("unsupported WAV encoding %d (only PCM is supported)", dec.WavAudioFormat)
	}
	ib, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("read WAV samples: %w", err)
	}

	bitDepth := int(dec.BitDepth)
	if bitDepth != 16 && bitDepth != 24 && bitDepth != 32 {
		return nil, fmt.Errorf("unsupported WAV bit depth %d", bitDepth)
	}
	numChannels := ib.Format.NumChannels
	if numChannels < 1 {
		return nil, fmt.Errorf("WAV file declares no channels")
	}

	frames := len(ib.Data) / numChannels
	if frames == 0 {
		return nil, fmt.Errorf("WAV file contains no audio")
	}
	scale := float32(int64(1) << (bitDepth - 1))
	channels := make([][]float32, numChannels)
	for c := range channels {
		channels[c] = make([]float32, frames)
	}
	for i, v := range ib.Data[:frames*numChannels] {
		channels[i%numChannels][i/numChannels] = float32(v) / scale
	}
	return NewBuffer(ib.Format.SampleRate, channels)
}
