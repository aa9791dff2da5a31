package audio

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/voicecapture/internal/capture"
	"github.com/audiolibrelab/voicecapture/internal/transcode"
)

func TestBuildArgs(t *testing.T) {
	t.Setenv("FFMPEG_LOGLEVEL", "")
	d := &FFmpegDevice{}
	args := d.buildArgs(capture.DefaultConstraints(), capture.MIMEOggOpus)
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "-loglevel error")
	assert.Contains(t, joined, "-f pulse -i default")
	assert.Contains(t, joined, "-ac 1 -ar 16000")
	assert.Contains(t, joined, "-af afftdn")
	assert.Contains(t, joined, "-c:a libopus")
	assert.Contains(t, joined, "-f ogg")
	assert.Equal(t, "pipe:1", args[len(args)-1])
}

func TestBuildArgsWAVWithoutNoiseSuppression(t *testing.T) {
	t.Setenv("FFMPEG_LOGLEVEL", "debug")
	d := &FFmpegDevice{InputFormat: "alsa", Source: "hw:1"}
	c := capture.Constraints{SampleRate: 44100, Channels: 2}
	args := d.buildArgs(c, transcode.MIMEWAV)
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "-loglevel debug")
	assert.Contains(t, joined, "-f alsa -i hw:1")
	assert.Contains(t, joined, "-c:a pcm_s16le -f wav")
	assert.False(t, slices.Contains(args, "afftdn"))
}

func TestCleanExit(t *testing.T) {
	assert.True(t, cleanExit(nil))
	assert.False(t, cleanExit(errors.New("boom")))
}

func TestAcquireWithoutFFmpeg(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	_, err := (&FFmpegDevice{}).Acquire(context.Background(), capture.DefaultConstraints())
	assert.ErrorIs(t, err, capture.ErrDeviceUnavailable)
}

// fakeFFmpeg writes a script that prints payload and exits on SIGINT.
func fakeFFmpeg(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not executable on windows")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

type recorder struct {
	mu      sync.Mutex
	data    []byte
	stopped bool
	err     error
}

func (r *recorder) callbacks() capture.Callbacks {
	return capture.Callbacks{
		OnData: func(b []byte) {
			r.mu.Lock()
			r.data = append(r.data, b...)
			r.mu.Unlock()
		},
		OnStop: func() {
			r.mu.Lock()
			r.stopped = true
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.err = err
			r.mu.Unlock()
		},
	}
}

func (r *recorder) snapshot() (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.data), r.stopped, r.err
}

func TestFFmpegStreamStopDrainsOutput(t *testing.T) {
	path := fakeFFmpeg(t, "trap 'printf tail; exit 0' INT\nprintf head\nwhile :; do sleep 0.05; done\n")
	s, err := (&FFmpegDevice{Path: path}).Acquire(context.Background(), capture.DefaultConstraints())
	require.NoError(t, err)
	defer s.Release()
	assert.Equal(t, capture.MIMEOggOpus, s.MIMEType())

	var rec recorder
	require.NoError(t, s.Start(20*time.Millisecond, rec.callbacks()))
	require.Eventually(t, func() bool {
		data, _, _ := rec.snapshot()
		return data == "head"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop())
	require.Eventually(t, func() bool {
		_, stopped, _ := rec.snapshot()
		return stopped
	}, 2*time.Second, 10*time.Millisecond)

	data, _, err := rec.snapshot()
	assert.Equal(t, "headtail", data)
	assert.NoError(t, err)
}

func TestFFmpegStreamUnexpectedExit(t *testing.T) {
	path := fakeFFmpeg(t, "printf partial\necho 'device lost' >&2\nexit 1\n")
	s, err := (&FFmpegDevice{Path: path}).Acquire(context.Background(), capture.DefaultConstraints())
	require.NoError(t, err)
	defer s.Release()

	var rec recorder
	require.NoError(t, s.Start(20*time.Millisecond, rec.callbacks()))
	require.Eventually(t, func() bool {
		_, _, err := rec.snapshot()
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)

	data, stopped, err := rec.snapshot()
	assert.Equal(t, "partial", data)
	assert.False(t, stopped)
	assert.ErrorIs(t, err, capture.ErrDeviceUnavailable)
}

func TestFFmpegStreamReleaseIsIdempotent(t *testing.T) {
	path := fakeFFmpeg(t, "while :; do sleep 0.05; done\n")
	s, err := (&FFmpegDevice{Path: path}).Acquire(context.Background(), capture.DefaultConstraints())
	require.NoError(t, err)

	require.NoError(t, s.Release())
	require.NoError(t, s.Release())
	assert.Error(t, s.Start(time.Second, capture.Callbacks{}))
}

func TestStderrLogSplitsLines(t *testing.T) {
	var l stderrLog
	_, _ = l.Write([]byte("first li"))
	_, _ = l.Write([]byte("ne\nsecond\n"))
	assert.Equal(t, "first line\nsecond\n", l.String())
	assert.Empty(t, l.partial)
}
