package capture

import "errors"

var (
	// ErrDeviceUnavailable is returned when microphone access is denied or
	// no capture device exists.
	ErrDeviceUnavailable = errors.New("capture device unavailable")

	// ErrSessionAlreadyActive is returned when a session is started, or a
	// recording discarded, while another session still owns the device.
	ErrSessionAlreadyActive = errors.New("capture session already active")

	// ErrNotReady is returned when a recording is requested outside READY.
	ErrNotReady = errors.New("no recording ready")

	// ErrStopTimeout is the failure reason when a stream never confirmed a
	// stop and nothing had been captured.
	ErrStopTimeout = errors.New("capture stream did not confirm stop")

	// ErrEmptyRecording is the failure reason when a stream stopped without
	// producing any audio.
	ErrEmptyRecording = errors.New("no audio captured")

	// ErrDisposed is returned by operations on a closed controller.
	ErrDisposed = errors.New("capture controller closed")
)
