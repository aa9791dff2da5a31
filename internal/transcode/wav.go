package transcode

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// BitDepth is the only sample width EncodeWAV produces.
const BitDepth = 16

const wavHeaderSize = 44

// wavHeader is the canonical 44-byte PCM WAV header
type wavHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // 36 + data length
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32 // SampleRate * NumChannels * 2
	BlockAlign    uint16 // NumChannels * 2
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // data length
}

// Quantize converts a normalized sample to signed 16-bit, rounding half away
// from zero and saturating at the type bounds.
func Quantize(s float32) int16 {
	v := math.Round(float64(s) * 32768)
	switch {
	case math.IsNaN(v):
		return 0
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

// EncodeWAV renders b as a 16-bit PCM WAV file: the canonical header
// followed by frame-interleaved little-endian samples. The output depends
// only on b.
func EncodeWAV(b *Buffer) []byte {
	numChannels := b.NumChannels()
	frames := b.Frames()
	dataSize := uint32(frames * numChannels * 2)

	header := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(numChannels),
		SampleRate:    uint32(b.sampleRate),
		ByteRate:      uint32(b.sampleRate * numChannels * 2),
		BlockAlign:    uint16(numChannels * 2),
		BitsPerSample: BitDepth,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	out := make([]byte, wavHeaderSize+int(dataSize))
	buf := bytes.NewBuffer(out[:0])
	// Writes into a bytes.Buffer cannot fail.
	_ = binary.Write(buf, binary.LittleEndian, header)

	pos := wavHeaderSize
	for f := 0; f < frames; f++ {
		for c := 0; c < numChannels; c++ {
			binary.LittleEndian.PutUint16(out[pos:], uint16(Quantize(b.channels[c][f])))
			pos += 2
		}
	}
	return out
}

// WAVInfo describes a PCM WAV file
type WAVInfo struct {
	SampleRate    uint32  `json:"sample_rate"`
	Channels      uint16  `json:"channels"`
	BitsPerSample uint16  `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
	DataSize      uint32  `json:"data_size_bytes"`
	Frames        uint32  `json:"frames"`
}

// ValidateWAV checks that data starts with a canonical PCM WAV header.
func ValidateWAV(data []byte) error {
	if len(data) < wavHeaderSize {
		return fmt.Errorf("WAV data too short: need at least %d bytes, got %d", wavHeaderSize, len(data))
	}
	if string(data[0:4]) != "RIFF" {
		return fmt.Errorf("invalid WAV file: missing RIFF header")
	}
	if string(data[8:12]) != "WAVE" {
		return fmt.Errorf("invalid WAV file: missing WAVE format")
	}
	if string(data[12:16]) != "fmt " {
		return fmt.Errorf("invalid WAV file: missing fmt chunk")
	}
	if string(data[36:40]) != "data" {
		return fmt.Errorf("invalid WAV file: missing data chunk")
	}
	return nil
}

// ParseWAVInfo extracts the header fields of a canonical PCM WAV file
func ParseWAVInfo(data []byte) (*WAVInfo, error) {
	if err := ValidateWAV(data); err != nil {
		return nil, err
	}
	var h wavHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &h); err != nil {
		return nil, fmt.Errorf("failed to read WAV header: %w", err)
	}
	if h.SampleRate == 0 || h.BlockAlign == 0 {
		return nil, fmt.Errorf("invalid WAV header: sample rate %d, block align %d", h.SampleRate, h.BlockAlign)
	}
	frames := h.Subchunk2Size / uint32(h.BlockAlign)
	return &WAVInfo{
		SampleRate:    h.SampleRate,
		Channels:      h.NumChannels,
		BitsPerSample: h.BitsPerSample,
		Duration:      float64(frames) / float64(h.SampleRate),
		DataSize:      h.Subchunk2Size,
		Frames:        frames,
	}, nil
}

// StreamingWAVHeader returns a canonical header whose size fields are left
// at their maximum, for WAV data written before its length is known.
// repairStreamingHeader fixes the sizes once the whole file is available.
func StreamingWAVHeader(sampleRate, numChannels int) []byte {
	h := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     math.MaxUint32,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(numChannels),
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * numChannels * 2),
		BlockAlign:    uint16(numChannels * 2),
		BitsPerSample: BitDepth,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: math.MaxUint32,
	}
	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize))
	_ = binary.Write(buf, binary.LittleEndian, h)
	return buf.Bytes()
}

// repairStreamingHeader returns data with the RIFF and data chunk sizes of a
// canonical header set to match the actual length. Other files are returned
// unchanged.
func repairStreamingHeader(data []byte) []byte {
	if ValidateWAV(data) != nil {
		return data
	}
	dataLen := uint32(len(data) - wavHeaderSize)
	if binary.LittleEndian.Uint32(data[40:44]) == dataLen && binary.LittleEndian.Uint32(data[4:8]) == 36+dataLen {
		return data
	}
	fixed := bytes.Clone(data)
	binary.LittleEndian.PutUint32(fixed[4:8], 36+dataLen)
	binary.LittleEndian.PutUint32(fixed[40:44], dataLen)
	return fixed
}
