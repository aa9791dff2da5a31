package transcode

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
)

const (
	defaultRate     = 16000
	defaultChannels = 1
)

// decodeFFmpeg pipes data through ffmpeg and reads back signed 16-bit
// little-endian PCM.
func (d *Decoder) decodeFFmpeg(ctx context.Context, data []byte) (*Buffer, error) {
	path := d.FFmpegPath
	if path == "" {
		path = "ffmpeg"
	}
	if _, err := exec.LookPath(path); err != nil {
		return nil, fmt.Errorf("ffmpeg not available: %w", err)
	}

	rate := d.SampleRate
	if rate <= 0 {
		rate = defaultRate
	}
	channels := d.Channels
	if channels <= 0 {
		channels = defaultChannels
	}

	cmd := exec.CommandContext(ctx, path,
		"-hide_banner",
		"-loglevel", "error",
		"-i", "pipe:0",
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ac", strconv.Itoa(channels),
		"-ar", strconv.Itoa(rate),
		"pipe:1",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(data)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	slog.Debug("Running FFmpeg for decoding", "command", strings.Join(cmd.Args, " "), "input_bytes", len(data))

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("FFmpeg decoding failed: %w\nOutput: %s", err, strings.TrimSpace(stderr.String()))
	}

	pcm := bytesToInt16s(stdout.Bytes())
	if len(pcm) < channels {
		return nil, fmt.Errorf("FFmpeg produced no audio")
	}
	return FromInterleaved(pcm[:len(pcm)/channels*channels], rate, channels)
}

// bytesToInt16s converts little-endian bytes to PCM samples. A trailing odd
// byte is ignored.
func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
