package capture

// State represents the lifecycle state of a recording session
type State string

const (
	StateIdle      State = "IDLE"
	StateAcquiring State = "ACQUIRING"
	StateRecording State = "RECORDING"
	StateStopping  State = "STOPPING"
	StateReady     State = "READY"
	StateFailed    State = "FAILED"
)

// Active reports whether a session in this state owns, or is about to own,
// the capture device.
func (s State) Active() bool {
	return s == StateAcquiring || s == StateRecording || s == StateStopping
}

// Terminal reports whether the session has reached a final outcome.
func (s State) Terminal() bool {
	return s == StateReady || s == StateFailed
}

// Event is an input to the session state machine
type Event string

const (
	EventStart         Event = "start"
	EventAcquired      Event = "acquired"
	EventAcquireFailed Event = "acquire_failed"
	EventData          Event = "data"
	EventTick          Event = "tick"
	EventStop          Event = "stop"
	EventAutoStop      Event = "auto_stop"
	EventStopConfirmed Event = "stop_confirmed"
	EventStopTimeout   Event = "stop_timeout"
	EventStreamFailed  Event = "stream_failed"
	EventDiscard       Event = "discard"
	EventDispose       Event = "dispose"
)

// Effect is a side effect requested by a transition. The controller maps
// each effect onto a concrete action, in the order they are returned.
type Effect int

const (
	EffectClearResult Effect = iota + 1
	EffectClearChunks
	EffectAcquire
	EffectStartStream
	EffectStartTimers
	EffectAppendChunk
	EffectAdvanceClock
	EffectCancelTimers
	EffectArmStopTimeout
	EffectCancelStopTimeout
	EffectRequestStop
	EffectAssemble
	EffectRelease
)

var effectNames = map[Effect]string{
	EffectClearResult:       "clear_result",
	EffectClearChunks:       "clear_chunks",
	EffectAcquire:           "acquire",
	EffectStartStream:       "start_stream",
	EffectStartTimers:       "start_timers",
	EffectAppendChunk:       "append_chunk",
	EffectAdvanceClock:      "advance_clock",
	EffectCancelTimers:      "cancel_timers",
	EffectArmStopTimeout:    "arm_stop_timeout",
	EffectCancelStopTimeout: "cancel_stop_timeout",
	EffectRequestStop:       "request_stop",
	EffectAssemble:          "assemble",
	EffectRelease:           "release",
}

func (e Effect) String() string {
	if name, ok := effectNames[e]; ok {
		return name
	}
	return "unknown"
}

// Transition is the pure transition function of the session state machine.
// hasChunks reports whether at least one chunk has been captured in the
// current session. ok is false when the event has no meaning in state s; the
// caller must then leave the session untouched.
//
// Timers are always cancelled before the device is released, and the device
// is released on every path out of RECORDING and STOPPING.
func Transition(s State, ev Event, hasChunks bool) (next State, effects []Effect, ok bool) {
	if ev == EventDispose {
		return StateIdle, []Effect{
			EffectCancelTimers,
			EffectCancelStopTimeout,
			EffectRelease,
			EffectClearChunks,
			EffectClearResult,
		}, true
	}

	switch s {
	case StateIdle, StateReady, StateFailed:
		switch ev {
		case EventStart:
			return StateAcquiring, []Effect{EffectClearResult, EffectClearChunks, EffectAcquire}, true
		case EventDiscard:
			if s == StateIdle {
				return s, nil, false
			}
			return StateIdle, []Effect{EffectClearResult, EffectClearChunks}, true
		}

	case StateAcquiring:
		switch ev {
		case EventAcquired:
			return StateRecording, []Effect{EffectStartTimers, EffectStartStream}, true
		case EventAcquireFailed:
			// No handle was obtained, so there is nothing to release.
			return StateFailed, nil, true
		}

	case StateRecording:
		switch ev {
		case EventData:
			return s, []Effect{EffectAppendChunk}, true
		case EventTick:
			return s, []Effect{EffectAdvanceClock}, true
		case EventStop, EventAutoStop:
			return StateStopping, []Effect{EffectCancelTimers, EffectArmStopTimeout, EffectRequestStop}, true
		case EventStopConfirmed, EventStreamFailed:
			// The stream ended without being asked to.
			if hasChunks {
				return StateReady, []Effect{EffectCancelTimers, EffectAssemble, EffectRelease}, true
			}
			return StateFailed, []Effect{EffectCancelTimers, EffectRelease}, true
		}

	case StateStopping:
		switch ev {
		case EventData:
			// The final flush of a stream arrives between the stop request
			// and its confirmation.
			return s, []Effect{EffectAppendChunk}, true
		case EventStopConfirmed, EventStreamFailed:
			if hasChunks {
				return StateReady, []Effect{EffectCancelStopTimeout, EffectAssemble, EffectRelease}, true
			}
			return StateFailed, []Effect{EffectCancelStopTimeout, EffectRelease}, true
		case EventStopTimeout:
			if hasChunks {
				return StateReady, []Effect{EffectCancelStopTimeout, EffectRelease, EffectAssemble}, true
			}
			return StateFailed, []Effect{EffectCancelStopTimeout, EffectRelease}, true
		}
	}

	return s, nil, false
}
