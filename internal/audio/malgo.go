package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/audiolibrelab/voicecapture/internal/capture"
)

// MalgoDevice captures in-process through miniaudio.
type MalgoDevice struct {
	// Source is a device name as listed by ListSources; empty selects the
	// system default.
	Source string
}

// Acquire opens an S16 capture device matching c. The device is initialised
// but not started.
func (d *MalgoDevice) Acquire(ctx context.Context, c capture.Constraints) (capture.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.EchoCancellation {
		slog.Debug("Echo cancellation is not supported by the malgo backend, ignoring")
	}
	if c.NoiseSuppression {
		slog.Debug("Noise suppression is not supported by the malgo backend, ignoring")
	}

	enc, err := newChunkEncoder(c)
	if err != nil {
		return nil, err
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: init audio context: %v", capture.ErrDeviceUnavailable, err)
	}

	deviceCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceCfg.Capture.Format = malgo.FormatS16
	deviceCfg.Capture.Channels = uint32(c.Channels)
	deviceCfg.SampleRate = uint32(c.SampleRate)

	if d.Source != "" && d.Source != "default" {
		id, err := findMalgoDevice(mctx, d.Source)
		if err != nil {
			_ = mctx.Uninit()
			mctx.Free()
			return nil, err
		}
		deviceCfg.Capture.DeviceID = id.Pointer()
	}

	s := &malgoStream{
		mctx:    mctx,
		enc:     enc,
		stopReq: make(chan struct{}),
		failed:  make(chan error, 1),
		done:    make(chan struct{}),
	}
	device, err := malgo.InitDevice(mctx.Context, deviceCfg, malgo.DeviceCallbacks{
		Data: s.onData,
		Stop: s.onDeviceStop,
	})
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("%w: init capture device: %v", capture.ErrDeviceUnavailable, err)
	}
	s.device = device

	slog.Debug("malgo capture device initialised", "source", d.Source, "rate", c.SampleRate, "channels", c.Channels, "container", enc.MIMEType())
	return s, nil
}

func findMalgoDevice(mctx *malgo.AllocatedContext, name string) (malgo.DeviceID, error) {
	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return malgo.DeviceID{}, fmt.Errorf("%w: enumerate capture devices: %v", capture.ErrDeviceUnavailable, err)
	}
	var matches []malgo.DeviceInfo
	for _, info := range infos {
		if info.Name() == name {
			matches = append(matches, info)
		}
	}
	switch len(matches) {
	case 0:
		return malgo.DeviceID{}, fmt.Errorf("%w: source not found: %s", capture.ErrDeviceUnavailable, name)
	case 1:
		return matches[0].ID, nil
	default:
		slog.Warn("Several capture devices share a name, using the first", "source", name, "count", len(matches))
		return matches[0].ID, nil
	}
}

func listMalgoSources() ([]Source, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to init audio context: %w", err)
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to list capture devices: %w", err)
	}
	sources := make([]Source, 0, len(infos))
	for _, info := range infos {
		sources = append(sources, Source{
			Name:    info.Name(),
			Default: info.IsDefault != 0,
		})
	}
	return sources, nil
}

// malgoStream encodes device callbacks into container chunks. A single loop
// goroutine owns the capture callbacks so they are never concurrent.
type malgoStream struct {
	mctx *malgo.AllocatedContext

	devMu    sync.Mutex
	device   *malgo.Device
	released bool

	encMu     sync.Mutex
	enc       chunkEncoder
	capturing bool
	encErr    error

	stopping atomic.Bool
	started  atomic.Bool
	stopOnce sync.Once
	stopReq  chan struct{}
	failed   chan error

	relOnce sync.Once
	done    chan struct{}
}

func (s *malgoStream) MIMEType() string { return s.enc.MIMEType() }

func (s *malgoStream) Start(interval time.Duration, cb capture.Callbacks) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("stream already started")
	}

	s.encMu.Lock()
	s.capturing = true
	s.encMu.Unlock()

	s.devMu.Lock()
	if s.released {
		s.devMu.Unlock()
		return errors.New("stream released")
	}
	err := s.device.Start()
	s.devMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to start capture device: %w", err)
	}

	go s.loop(interval, cb)
	return nil
}

func (s *malgoStream) loop(interval time.Duration, cb capture.Callbacks) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return

		case <-ticker.C:
			if chunk, err := s.take(false); err != nil {
				s.fail(cb, err)
				return
			} else if len(chunk) > 0 {
				cb.OnData(chunk)
			}

		case <-s.stopReq:
			s.devMu.Lock()
			if !s.released {
				if err := s.device.Stop(); err != nil {
					slog.Debug("Failed to stop capture device", "error", err)
				}
			}
			s.devMu.Unlock()

			chunk, err := s.take(true)
			if len(chunk) > 0 {
				cb.OnData(chunk)
			}
			if err != nil {
				cb.OnError(err)
				return
			}
			cb.OnStop()
			return

		case err := <-s.failed:
			s.fail(cb, err)
			return
		}
	}
}

// fail flushes whatever was encoded before reporting err.
func (s *malgoStream) fail(cb capture.Callbacks, err error) {
	s.encMu.Lock()
	s.capturing = false
	chunk := s.enc.Take()
	s.encMu.Unlock()
	if len(chunk) > 0 {
		cb.OnData(chunk)
	}
	slog.Error("malgo capture failed", "error", err)
	cb.OnError(err)
}

// take drains the encoder. With final set capture ends and the partial
// frame is flushed first.
func (s *malgoStream) take(final bool) ([]byte, error) {
	s.encMu.Lock()
	defer s.encMu.Unlock()
	if final {
		s.capturing = false
		if err := s.enc.Finish(); err != nil && s.encErr == nil {
			s.encErr = err
		}
	}
	return s.enc.Take(), s.encErr
}

func (s *malgoStream) onData(_, input []byte, _ uint32) {
	s.encMu.Lock()
	defer s.encMu.Unlock()
	if !s.capturing || s.encErr != nil {
		return
	}
	if err := s.enc.Write(int16sFromBytes(input)); err != nil {
		s.encErr = err
		select {
		case s.failed <- err:
		default:
		}
	}
}

// onDeviceStop fires when miniaudio stops the device, either on request or
// because the device went away.
func (s *malgoStream) onDeviceStop() {
	if s.stopping.Load() {
		return
	}
	select {
	case s.failed <- fmt.Errorf("%w: capture device stopped unexpectedly", capture.ErrDeviceUnavailable):
	default:
	}
}

func (s *malgoStream) Stop() error {
	s.stopOnce.Do(func() {
		s.stopping.Store(true)
		close(s.stopReq)
	})
	return nil
}

// Release never waits for the loop, which may be blocked in a callback that
// holds the controller.
func (s *malgoStream) Release() error {
	var err error
	s.relOnce.Do(func() {
		s.stopping.Store(true)
		close(s.done)

		s.devMu.Lock()
		s.released = true
		s.device.Uninit()
		s.devMu.Unlock()

		if uerr := s.mctx.Uninit(); uerr != nil {
			err = fmt.Errorf("failed to uninit audio context: %w", uerr)
		}
		s.mctx.Free()
		slog.Debug("malgo capture device released")
	})
	return err
}
