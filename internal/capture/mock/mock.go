// Package mock provides test doubles for the capture package interfaces.
//
// Use Device to control acquisition outcomes and Stream to drive the chunk,
// stop and error callbacks of an acquired stream from a test.
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/audiolibrelab/voicecapture/internal/capture"
)

// Device is a mock implementation of capture.Device.
type Device struct {
	mu sync.Mutex

	// AcquireErr, if non-nil, is returned as the error from Acquire.
	AcquireErr error

	// AcquireDelay holds Acquire back as a slow permission grant would.
	AcquireDelay time.Duration

	// MIME is the type reported by acquired streams.
	MIME string

	// StartErr, if non-nil, is returned from Stream.Start.
	StartErr error

	// ConfirmStop makes Stream.Stop deliver Tail and then confirm the stop.
	// When false, streams never confirm and the controller times out.
	ConfirmStop bool

	// Tail is the final chunk flushed between a stop request and its
	// confirmation. Empty means no flush.
	Tail []byte

	// Streams records every stream handed out by Acquire in order.
	Streams []*Stream

	// AcquireCalls is the number of times Acquire was called.
	AcquireCalls int

	// Constraints is the last value passed to Acquire.
	Constraints capture.Constraints
}

// Acquire records the call and returns a new Stream or AcquireErr.
func (d *Device) Acquire(ctx context.Context, c capture.Constraints) (capture.Stream, error) {
	d.mu.Lock()
	delay := d.AcquireDelay
	d.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.AcquireCalls++
	d.Constraints = c
	if d.AcquireErr != nil {
		return nil, d.AcquireErr
	}
	s := &Stream{
		mime:        d.MIME,
		startErr:    d.StartErr,
		confirmStop: d.ConfirmStop,
		tail:        d.Tail,
	}
	d.Streams = append(d.Streams, s)
	return s, nil
}

// Last returns the most recently acquired stream, or nil.
func (d *Device) Last() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Streams) == 0 {
		return nil
	}
	return d.Streams[len(d.Streams)-1]
}

// Stream is a mock implementation of capture.Stream.
type Stream struct {
	mu          sync.Mutex
	mime        string
	startErr    error
	confirmStop bool
	tail        []byte
	cb          capture.Callbacks
	started     bool

	// Interval is the chunk interval passed to Start.
	Interval time.Duration

	StopCalls    int
	ReleaseCalls int
}

// MIMEType returns the configured MIME type.
func (s *Stream) MIMEType() string {
	return s.mime
}

// Start records the callbacks and returns the configured error.
func (s *Stream) Start(interval time.Duration, cb capture.Callbacks) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.Interval = interval
	s.cb = cb
	s.started = true
	return nil
}

// Stop records the call. When the device was configured to confirm stops,
// the tail chunk and the confirmation are delivered from a new goroutine.
func (s *Stream) Stop() error {
	s.mu.Lock()
	s.StopCalls++
	cb, confirm, tail := s.cb, s.confirmStop, s.tail
	s.mu.Unlock()
	if !confirm {
		return nil
	}
	go func() {
		if len(tail) > 0 && cb.OnData != nil {
			cb.OnData(tail)
		}
		if cb.OnStop != nil {
			cb.OnStop()
		}
	}()
	return nil
}

// Release records the call.
func (s *Stream) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ReleaseCalls++
	return nil
}

// Emit delivers a chunk through the data callback.
func (s *Stream) Emit(chunk []byte) {
	s.mu.Lock()
	cb := s.cb
	s.mu.Unlock()
	if cb.OnData != nil {
		cb.OnData(chunk)
	}
}

// ConfirmStop delivers a stop confirmation through the stop callback.
func (s *Stream) ConfirmStop() {
	s.mu.Lock()
	cb := s.cb
	s.mu.Unlock()
	if cb.OnStop != nil {
		cb.OnStop()
	}
}

// Fail delivers err through the error callback.
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	cb := s.cb
	s.mu.Unlock()
	if cb.OnError != nil {
		cb.OnError(err)
	}
}

// Released reports how many times Release was called.
func (s *Stream) Released() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ReleaseCalls
}

// Stops reports how many times Stop was called.
func (s *Stream) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.StopCalls
}

// Started reports whether Start succeeded.
func (s *Stream) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// ErrDenied is a convenient acquisition failure.
var ErrDenied = errors.New("permission denied")
