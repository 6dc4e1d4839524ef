package mvc

import (
	"fmt"
	"sync/atomic"
)

// Device is a hardware context shared by several decoders. The creator
// holds the first reference; every decoder retains one more for its
// lifetime. The closer runs when the last reference is released.
type Device struct {
	name   string
	handle uintptr
	closer func() error
	refs   atomic.Int32
}

// NewDevice wraps a native context handle. closer may be nil.
func NewDevice(name string, handle uintptr, closer func() error) *Device {
	d := &Device{name: name, handle: handle, closer: closer}
	d.refs.Store(1)
	return d
}

// Name returns the device name given at creation.
func (d *Device) Name() string { return d.name }

// Handle returns the native context handle.
func (d *Device) Handle() uintptr { return d.handle }

// Refs returns the number of live references.
func (d *Device) Refs() int { return int(d.refs.Load()) }

// Retain adds a reference. It fails once the device has been closed.
func (d *Device) Retain() error {
	for {
		n := d.refs.Load()
		if n <= 0 {
			return fmt.Errorf("%w: %s", ErrDeviceReleased, d.name)
		}
		if d.refs.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

// Release drops a reference and closes the device when it was the last.
func (d *Device) Release() error {
	for {
		n := d.refs.Load()
		if n <= 0 {
			return fmt.Errorf("%w: %s", ErrDeviceReleased, d.name)
		}
		if !d.refs.CompareAndSwap(n, n-1) {
			continue
		}
		if n == 1 && d.closer != nil {
			return d.closer()
		}
		return nil
	}
}
