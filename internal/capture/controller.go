package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is a point-in-time snapshot of a controller's recording session.
type Session struct {
	ID                 string    `json:"id,omitempty"`
	Kind               Kind      `json:"kind"`
	State              State     `json:"state"`
	StartedAt          time.Time `json:"started_at,omitzero"`
	ElapsedSeconds     int       `json:"elapsed_seconds"`
	MaxDurationSeconds int       `json:"max_duration_seconds,omitempty"`
	RemainingSeconds   int       `json:"remaining_seconds,omitempty"`
	ChunkCount         int       `json:"chunk_count"`
	Bytes              int       `json:"bytes"`
	MIMEType           string    `json:"mime_type,omitempty"`
	Partial            bool      `json:"partial"`
	Error              string    `json:"error,omitempty"`

	// Err is the failure reason while State is FAILED.
	Err error `json:"-"`
}

// Recording is the assembled output of a session that reached READY.
type Recording struct {
	SessionID string
	Kind      Kind
	Data      []byte
	MIMEType  string
	Partial   bool
	Duration  time.Duration
}

// Controller drives one capture surface through the session state machine.
// Every state change goes through Transition; the controller only maps the
// resulting effects onto device, timer and buffer actions.
//
// Calls into the device stream and into subscribers are made without the
// controller lock held.
type Controller struct {
	dev         Device
	policy      Policy
	constraints Constraints

	mu        sync.Mutex
	id        string
	state     State
	startedAt time.Time
	ticks     int
	chunks    [][]byte
	size      int
	mime      string
	result    *Recording
	partial   bool
	err       error

	// gen identifies the current session. Callbacks and timers carry the
	// generation they were created for and are dropped once it changes.
	gen           uint64
	stream        Stream
	release       func()
	timer         *sessionTimer
	stopTimer     *time.Timer
	cancelAcquire context.CancelFunc
	closed        bool

	changed chan struct{}
	subs    map[int]func(Session)
	nextSub int

	// seq numbers dispatched snapshots; notifyMu serialises delivery and
	// notified is the newest sequence delivered so far.
	seq      uint64
	notifyMu sync.Mutex
	notified uint64
}

// reserver is implemented by devices that can be claimed before the
// session state changes, so that a refused claim mutates nothing.
type reserver interface {
	reserve() (Device, bool)
}

// NewController creates an idle controller for the given device and policy
func NewController(dev Device, policy Policy, constraints Constraints) *Controller {
	return &Controller{
		dev:         dev,
		policy:      policy,
		constraints: constraints,
		state:       StateIdle,
		changed:     make(chan struct{}),
		subs:        make(map[int]func(Session)),
	}
}

// Policy returns the duration policy of the controller
func (c *Controller) Policy() Policy {
	return c.policy
}

// Start begins a new session. It blocks until the device has been acquired
// or refused. Starting while a session is acquiring, recording or stopping
// returns ErrSessionAlreadyActive and leaves that session untouched, as does
// starting while another controller holds a shared Exclusive device.
// Otherwise starting from READY or FAILED discards the previous result.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrDisposed
	}
	if c.state.Active() {
		c.mu.Unlock()
		return ErrSessionAlreadyActive
	}
	dev := c.dev
	if r, ok := c.dev.(reserver); ok {
		if dev, ok = r.reserve(); !ok {
			c.mu.Unlock()
			slog.Debug("Capture device is held by another session", "kind", c.policy.Kind)
			return ErrSessionAlreadyActive
		}
	}
	c.gen++
	gen := c.gen
	actx, cancel := context.WithCancel(ctx)
	c.cancelAcquire = cancel
	actions, _ := c.dispatchLocked(EventStart, nil, nil)
	c.mu.Unlock()
	run(actions)
	defer cancel()

	slog.Debug("Acquiring capture device", "kind", c.policy.Kind, "sample_rate", c.constraints.SampleRate, "channels", c.constraints.Channels)
	stream, err := dev.Acquire(actx, c.constraints)

	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		if stream != nil {
			if rerr := stream.Release(); rerr != nil {
				slog.Warn("Failed to release stream acquired after close", "error", rerr)
			}
		}
		return ErrDisposed
	}
	c.cancelAcquire = nil

	if err != nil {
		if !errors.Is(err, ErrDeviceUnavailable) && !errors.Is(err, ErrSessionAlreadyActive) {
			err = fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
		actions, _ = c.dispatchLocked(EventAcquireFailed, nil, err)
		c.mu.Unlock()
		run(actions)
		return err
	}

	c.stream = stream
	c.mime = stream.MIMEType()
	c.release = func() {
		if rerr := stream.Release(); rerr != nil {
			slog.Warn("Failed to release capture device", "kind", c.policy.Kind, "error", rerr)
		}
	}
	actions, _ = c.dispatchLocked(EventAcquired, nil, nil)
	c.mu.Unlock()
	run(actions)
	return nil
}

// Stop requests the current recording to stop. It is a no-op unless the
// session is RECORDING. The session settles asynchronously; use Wait to
// observe the outcome.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrDisposed
	}
	if c.state != StateRecording {
		c.mu.Unlock()
		return nil
	}
	actions, _ := c.dispatchLocked(EventStop, nil, nil)
	c.mu.Unlock()
	run(actions)
	return nil
}

// Discard drops a READY or FAILED session and returns to IDLE.
func (c *Controller) Discard() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrDisposed
	}
	if c.state.Active() {
		c.mu.Unlock()
		return ErrSessionAlreadyActive
	}
	actions, _ := c.dispatchLocked(EventDiscard, nil, nil)
	c.mu.Unlock()
	run(actions)
	return nil
}

// Close cancels all timers, releases the device if held and drops any
// buffered audio. Events arriving afterwards are ignored.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	actions, _ := c.dispatchLocked(EventDispose, nil, nil)
	c.closed = true
	c.gen++
	if c.cancelAcquire != nil {
		c.cancelAcquire()
		c.cancelAcquire = nil
	}
	c.mu.Unlock()
	run(actions)

	c.mu.Lock()
	c.subs = nil
	c.mu.Unlock()
	return nil
}

// Session returns a snapshot of the current session
func (c *Controller) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Recording returns the assembled recording of a READY session.
func (c *Controller) Recording() (*Recording, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady || c.result == nil {
		return nil, ErrNotReady
	}
	rec := *c.result
	return &rec, nil
}

// Wait blocks until the session is no longer acquiring, recording or
// stopping, and returns its snapshot.
func (c *Controller) Wait(ctx context.Context) (Session, error) {
	for {
		c.mu.Lock()
		if !c.state.Active() {
			s := c.snapshotLocked()
			c.mu.Unlock()
			return s, nil
		}
		ch := c.changed
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return c.Session(), ctx.Err()
		case <-ch:
		}
	}
}

// Subscribe registers fn to be called with a snapshot after every applied
// event. Snapshots never arrive out of dispatch order; one overtaken by a
// newer snapshot is skipped. fn runs without the controller
// lock but must not change the controller's state itself. The returned
// function removes the subscription.
func (c *Controller) Subscribe(fn func(Session)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs == nil {
		return func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

// handle applies an asynchronous event raised for session generation gen.
func (c *Controller) handle(gen uint64, ev Event, data []byte, err error) {
	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		slog.Debug("Dropping stale capture event", "kind", c.policy.Kind, "event", ev)
		return
	}
	actions, ok := c.dispatchLocked(ev, data, err)
	if ok && ev == EventTick && c.state == StateRecording && c.policy.Bounded() && c.ticks >= c.policy.maxTicks() {
		slog.Info("Maximum recording duration reached", "kind", c.policy.Kind, "max_duration", c.policy.MaxDuration)
		more, _ := c.dispatchLocked(EventAutoStop, nil, nil)
		actions = append(actions, more...)
	}
	c.mu.Unlock()
	run(actions)
}

// dispatchLocked feeds ev to Transition and applies the resulting effects.
// It returns the actions that must run after the lock is released.
func (c *Controller) dispatchLocked(ev Event, data []byte, cause error) ([]func(), bool) {
	prev := c.state
	next, effects, ok := Transition(prev, ev, len(c.chunks) > 0)
	if !ok {
		slog.Debug("Ignoring capture event", "kind", c.policy.Kind, "state", prev, "event", ev)
		return nil, false
	}

	gen := c.gen
	var actions []func()
	c.partial = c.partial || (next == StateReady && (ev == EventStopTimeout || ev == EventStreamFailed))

	for _, e := range effects {
		switch e {
		case EffectClearResult:
			c.result = nil
			c.partial = false
			c.err = nil
		case EffectClearChunks:
			c.chunks = nil
			c.size = 0
			c.ticks = 0
		case EffectAcquire:
			c.id = uuid.NewString()
			c.startedAt = time.Time{}
			c.mime = ""
		case EffectStartTimers:
			c.startedAt = time.Now()
			c.timer = startSessionTimer(tickInterval, func() {
				c.handle(gen, EventTick, nil, nil)
			})
		case EffectStartStream:
			stream := c.stream
			actions = append(actions, func() { c.startStream(gen, stream) })
		case EffectAppendChunk:
			if len(data) > 0 {
				c.chunks = append(c.chunks, data)
				c.size += len(data)
			}
		case EffectAdvanceClock:
			c.ticks++
		case EffectCancelTimers:
			if c.timer != nil {
				c.timer.stop()
				c.timer = nil
			}
		case EffectArmStopTimeout:
			c.stopTimer = time.AfterFunc(c.policy.StopTimeout, func() {
				c.handle(gen, EventStopTimeout, nil, nil)
			})
		case EffectCancelStopTimeout:
			if c.stopTimer != nil {
				c.stopTimer.Stop()
				c.stopTimer = nil
			}
		case EffectRequestStop:
			stream := c.stream
			actions = append(actions, func() {
				if err := stream.Stop(); err != nil {
					c.handle(gen, EventStreamFailed, nil, fmt.Errorf("stop stream: %w", err))
				}
			})
		case EffectAssemble:
			c.result = c.assembleLocked()
		case EffectRelease:
			if c.release != nil {
				actions = append(actions, c.release)
				c.release = nil
			}
			c.stream = nil
		}
	}

	c.state = next
	if next == StateFailed {
		c.err = failureReason(ev, cause)
	}

	switch {
	case next == StateReady && prev != StateReady:
		slog.Info("Recording ready", "kind", c.policy.Kind, "session", c.id, "bytes", c.size, "chunks", len(c.chunks), "partial", c.partial)
	case next == StateFailed:
		slog.Warn("Recording failed", "kind", c.policy.Kind, "session", c.id, "error", c.err)
	case next != prev:
		slog.Debug("Capture state changed", "kind", c.policy.Kind, "from", prev, "to", next, "event", ev)
	}

	close(c.changed)
	c.changed = make(chan struct{})

	c.seq++
	if len(c.subs) > 0 {
		seq := c.seq
		snap := c.snapshotLocked()
		subs := make([]func(Session), 0, len(c.subs))
		for _, fn := range c.subs {
			subs = append(subs, fn)
		}
		// Subscribers hear about the state before the device is touched. A
		// snapshot overtaken by a newer one on another goroutine is dropped.
		notify := func() {
			c.notifyMu.Lock()
			defer c.notifyMu.Unlock()
			if seq <= c.notified {
				return
			}
			c.notified = seq
			for _, fn := range subs {
				fn(snap)
			}
		}
		actions = append([]func(){notify}, actions...)
	}
	return actions, true
}

// startStream starts a freshly acquired stream with callbacks bound to gen.
func (c *Controller) startStream(gen uint64, stream Stream) {
	cb := Callbacks{
		OnData: func(chunk []byte) {
			c.handle(gen, EventData, bytes.Clone(chunk), nil)
		},
		OnStop: func() {
			c.handle(gen, EventStopConfirmed, nil, nil)
		},
		OnError: func(err error) {
			c.handle(gen, EventStreamFailed, nil, err)
		},
	}
	if err := stream.Start(c.policy.ChunkInterval, cb); err != nil {
		c.handle(gen, EventStreamFailed, nil, fmt.Errorf("start stream: %w", err))
	}
}

func (c *Controller) assembleLocked() *Recording {
	mime := c.mime
	if mime == "" {
		mime = DefaultMIMEType
	}
	return &Recording{
		SessionID: c.id,
		Kind:      c.policy.Kind,
		Data:      bytes.Join(c.chunks, nil),
		MIMEType:  mime,
		Partial:   c.partial,
		Duration:  time.Since(c.startedAt),
	}
}

func (c *Controller) snapshotLocked() Session {
	s := Session{
		ID:             c.id,
		Kind:           c.policy.Kind,
		State:          c.state,
		StartedAt:      c.startedAt,
		ElapsedSeconds: c.ticks,
		ChunkCount:     len(c.chunks),
		Bytes:          c.size,
		MIMEType:       c.mime,
		Partial:        c.partial,
		Err:            c.err,
	}
	if c.policy.Bounded() {
		s.MaxDurationSeconds = c.policy.maxTicks()
		s.RemainingSeconds = max(s.MaxDurationSeconds-c.ticks, 0)
	}
	if c.err != nil {
		s.Error = c.err.Error()
	}
	return s
}

func failureReason(ev Event, cause error) error {
	switch {
	case cause != nil:
		return cause
	case ev == EventStopTimeout:
		return ErrStopTimeout
	default:
		return ErrEmptyRecording
	}
}

func run(actions []func()) {
	for _, a := range actions {
		a()
	}
}

// sessionTimer drives the elapsed-time counter of one session.
type sessionTimer struct {
	ticker *time.Ticker
	done   chan struct{}
}

func startSessionTimer(d time.Duration, fn func()) *sessionTimer {
	t := &sessionTimer{
		ticker: time.NewTicker(d),
		done:   make(chan struct{}),
	}
	go func() {
		for {
			select {
			case <-t.done:
				return
			case <-t.ticker.C:
				fn()
			}
		}
	}()
	return t
}

// stop halts the timer. It does not wait for an in-flight tick, which is
// discarded by the state machine once the session has moved on.
func (t *sessionTimer) stop() {
	t.ticker.Stop()
	close(t.done)
}
