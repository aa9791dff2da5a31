package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/audiolibrelab/voicecapture/internal/capture"
	"github.com/audiolibrelab/voicecapture/internal/transcode"
)

const defaultInputFormat = "pulse"

// FFmpegDevice captures through an ffmpeg subprocess that writes the
// container to stdout.
type FFmpegDevice struct {
	// Path to the ffmpeg binary; looked up on PATH when empty.
	Path        string
	InputFormat string
	Source      string
}

// Acquire starts ffmpeg on the configured source. Bytes produced before
// Start are kept and emitted with the first chunk.
func (d *FFmpegDevice) Acquire(ctx context.Context, c capture.Constraints) (capture.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := d.Path
	if path == "" {
		p, err := exec.LookPath("ffmpeg")
		if err != nil {
			return nil, fmt.Errorf("%w: ffmpeg not found: %v", capture.ErrDeviceUnavailable, err)
		}
		path = p
	}
	if c.EchoCancellation {
		slog.Debug("Echo cancellation is not supported by the ffmpeg backend, ignoring")
	}

	mime := transcode.MIMEWAV
	if strings.HasPrefix(c.PreferredContainer, "audio/ogg") && transcode.IsOpusRate(c.SampleRate) && c.Channels <= 2 {
		mime = capture.MIMEOggOpus
	}
	args := d.buildArgs(c, mime)
	slog.Info("Starting capture FFmpeg", "command", path+" "+strings.Join(args, " "))

	cmd := exec.Command(path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	s := &ffmpegStream{
		cmd:    cmd,
		mime:   mime,
		exited: make(chan struct{}),
		done:   make(chan struct{}),
	}
	cmd.Stderr = &s.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: failed to start FFmpeg: %v", capture.ErrDeviceUnavailable, err)
	}
	go s.wait(stdout)
	return s, nil
}

func (d *FFmpegDevice) buildArgs(c capture.Constraints, mime string) []string {
	loglevel := os.Getenv("FFMPEG_LOGLEVEL")
	if loglevel == "" {
		loglevel = "error"
	}
	inputFormat := d.InputFormat
	if inputFormat == "" {
		inputFormat = defaultInputFormat
	}
	source := d.Source
	if source == "" {
		source = "default"
	}

	args := []string{
		"-hide_banner",
		"-loglevel", loglevel,
		"-f", inputFormat,
		"-i", source,
		"-ac", strconv.Itoa(c.Channels),
		"-ar", strconv.Itoa(c.SampleRate),
	}
	if c.NoiseSuppression {
		args = append(args, "-af", "afftdn")
	}
	if mime == capture.MIMEOggOpus {
		args = append(args,
			"-c:a", "libopus",
			"-application", "voip",
			"-frame_duration", "20",
			"-flush_packets", "1",
			"-f", "ogg",
		)
	} else {
		args = append(args, "-c:a", "pcm_s16le", "-f", "wav")
	}
	return append(args, "pipe:1")
}

// ffmpegStream buffers stdout and hands it out as chunks.
type ffmpegStream struct {
	cmd  *exec.Cmd
	mime string

	mu  sync.Mutex
	buf bytes.Buffer

	stderr   stderrLog
	exitErr  error
	stopping atomic.Bool

	startOnce sync.Once
	stopOnce  sync.Once
	relOnce   sync.Once
	exited    chan struct{}
	done      chan struct{}
}

// wait drains stdout until ffmpeg exits, then reaps the process.
func (s *ffmpegStream) wait(stdout io.Reader) {
	chunk := make([]byte, 4096)
	for {
		n, err := stdout.Read(chunk)
		if n > 0 {
			s.mu.Lock()
			s.buf.Write(chunk[:n])
			s.mu.Unlock()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("FFmpeg stdout read failed", "error", err)
			}
			break
		}
	}
	s.exitErr = s.cmd.Wait()
	close(s.exited)
}

func (s *ffmpegStream) MIMEType() string { return s.mime }

func (s *ffmpegStream) Start(interval time.Duration, cb capture.Callbacks) error {
	select {
	case <-s.done:
		return errors.New("stream released")
	default:
	}
	err := errors.New("stream already started")
	s.startOnce.Do(func() {
		err = nil
		go s.loop(interval, cb)
	})
	return err
}

func (s *ffmpegStream) take() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf.Len() == 0 {
		return nil
	}
	b := bytes.Clone(s.buf.Bytes())
	s.buf.Reset()
	return b
}

func (s *ffmpegStream) loop(interval time.Duration, cb capture.Callbacks) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return

		case <-ticker.C:
			if chunk := s.take(); len(chunk) > 0 {
				cb.OnData(chunk)
			}

		case <-s.exited:
			if chunk := s.take(); len(chunk) > 0 {
				cb.OnData(chunk)
			}
			if s.stopping.Load() {
				if cleanExit(s.exitErr) {
					slog.Debug("FFmpeg exited normally after interrupt signal")
				} else {
					slog.Debug("FFmpeg exited with error after stop request", "error", s.exitErr, "stderr", s.stderr.String())
				}
				cb.OnStop()
				return
			}
			err := fmt.Errorf("%w: FFmpeg exited unexpectedly", capture.ErrDeviceUnavailable)
			if s.exitErr != nil {
				err = fmt.Errorf("%w: FFmpeg process failed: %v", capture.ErrDeviceUnavailable, s.exitErr)
			}
			slog.Error("FFmpeg capture failed", "error", err, "stderr", s.stderr.String())
			cb.OnError(err)
			return
		}
	}
}

// cleanExit reports whether err is how ffmpeg ends after an interrupt.
func cleanExit(err error) bool {
	if err == nil {
		return true
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	// Exit code 255 means the process was interrupted gracefully
	if exitErr.ExitCode() == 255 {
		return true
	}
	if exitErr.ProcessState != nil {
		state := exitErr.ProcessState.String()
		return state == "signal: interrupt" || state == "signal: killed"
	}
	return false
}

// Stop asks ffmpeg to finish the container. Completion is reported by the
// loop once stdout is drained.
func (s *ffmpegStream) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.stopping.Store(true)
		select {
		case <-s.exited:
			return
		default:
		}
		slog.Debug("Sending SIGINT to FFmpeg process")
		if serr := s.cmd.Process.Signal(os.Interrupt); serr != nil {
			slog.Debug("Failed to send interrupt to FFmpeg, falling back to SIGKILL", "error", serr)
			if kerr := s.cmd.Process.Kill(); kerr != nil {
				err = fmt.Errorf("failed to stop FFmpeg: %w", kerr)
			}
		}
	})
	return err
}

// Release kills a still running process. It does not wait for it to exit.
func (s *ffmpegStream) Release() error {
	s.relOnce.Do(func() {
		s.stopping.Store(true)
		close(s.done)
		select {
		case <-s.exited:
		default:
			if s.cmd.Process != nil {
				_ = s.cmd.Process.Kill()
			}
		}
		slog.Debug("FFmpeg capture released")
	})
	return nil
}

// stderrLog keeps ffmpeg diagnostics and logs them line by line at debug.
type stderrLog struct {
	mu      sync.Mutex
	buf     strings.Builder
	partial []byte
}

func (l *stderrLog) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.Write(p)
	l.partial = append(l.partial, p...)
	for {
		i := bytes.IndexByte(l.partial, '\n')
		if i < 0 {
			break
		}
		slog.Debug("FFmpeg output", "stream", "stderr", "line", strings.TrimRight(string(l.partial[:i]), "\r"))
		l.partial = l.partial[i+1:]
	}
	return len(p), nil
}

func (l *stderrLog) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}

func listPulseSources() ([]Source, error) {
	output, err := exec.Command("pactl", "list", "short", "sources").Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list pulse sources: %w", err)
	}
	sources := parsePulseSources(string(output))

	if out, err := exec.Command("pactl", "get-default-source").Output(); err == nil {
		def := strings.TrimSpace(string(out))
		for i := range sources {
			sources[i].Default = sources[i].Name == def
		}
	}
	return sources, nil
}

// parsePulseSources parses `pactl list short sources` output:
// index, name, driver, sample spec, state separated by tabs.
func parsePulseSources(output string) []Source {
	var sources []Source
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			continue
		}
		src := Source{Name: fields[1]}
		if len(fields) >= 4 {
			src.Description = fields[3]
		}
		src.Monitor = strings.HasSuffix(src.Name, ".monitor")
		sources = append(sources, src)
	}
	return sources
}
