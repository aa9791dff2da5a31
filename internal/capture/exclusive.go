package capture

import (
	"context"
	"sync"
)

// Exclusive wraps a device so that at most one stream is held at a time
// across every controller sharing it. A second acquisition fails with
// ErrSessionAlreadyActive until the first stream is released.
func Exclusive(dev Device) Device {
	return &exclusiveDevice{dev: dev}
}

type exclusiveDevice struct {
	dev Device

	mu   sync.Mutex
	busy bool
}

func (d *exclusiveDevice) Acquire(ctx context.Context, c Constraints) (Stream, error) {
	if _, ok := d.reserve(); !ok {
		return nil, ErrSessionAlreadyActive
	}
	return d.acquireReserved(ctx, c)
}

// reserve claims the device without acquiring it. The returned device
// performs the single acquisition the claim allows; a failed acquisition
// gives the claim back.
func (d *exclusiveDevice) reserve() (Device, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.busy {
		return nil, false
	}
	d.busy = true
	return reservedDevice{d}, true
}

func (d *exclusiveDevice) acquireReserved(ctx context.Context, c Constraints) (Stream, error) {
	s, err := d.dev.Acquire(ctx, c)
	if err != nil {
		d.free()
		return nil, err
	}
	return &exclusiveStream{Stream: s, free: d.free}, nil
}

func (d *exclusiveDevice) free() {
	d.mu.Lock()
	d.busy = false
	d.mu.Unlock()
}

type reservedDevice struct {
	d *exclusiveDevice
}

func (r reservedDevice) Acquire(ctx context.Context, c Constraints) (Stream, error) {
	return r.d.acquireReserved(ctx, c)
}

type exclusiveStream struct {
	Stream
	once sync.Once
	free func()
}

func (s *exclusiveStream) Release() error {
	var err error
	s.once.Do(func() {
		err = s.Stream.Release()
		s.free()
	})
	return err
}
