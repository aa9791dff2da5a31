package capture

import (
	"context"
	"time"
)

// Device grants access to a capture device. Acquire blocks until access is
// granted or refused; a refusal should wrap ErrDeviceUnavailable.
type Device interface {
	Acquire(ctx context.Context, c Constraints) (Stream, error)
}

// Callbacks receive the output of a running stream. OnData is called with
// chunks in capture order. OnStop confirms a stop and is called after the
// last OnData of the stream. OnError reports a failure that ends the stream.
// Implementations must not call them concurrently with each other.
type Callbacks struct {
	OnData  func(chunk []byte)
	OnStop  func()
	OnError func(err error)
}

// Stream is an acquired device handle producing container-format chunks.
type Stream interface {
	// MIMEType is the negotiated container type of the chunks.
	MIMEType() string

	// Start begins emitting chunks roughly every interval.
	Start(interval time.Duration, cb Callbacks) error

	// Stop requests the stream to stop. Completion is signalled through
	// Callbacks.OnStop, possibly after Stop has returned.
	Stop() error

	// Release frees the device. Releasing twice is a no-op.
	Release() error
}
