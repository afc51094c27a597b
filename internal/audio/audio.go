package audio

import (
	"errors"
	"fmt"
)

// ErrStopped is returned by Source.ReadInto, and wrapped by Source.Start,
// once the source has been stopped. It marks the end of capture, not a
// device failure.
var ErrStopped = errors.New("audio: source stopped")

// ErrUnsupportedFormat is wrapped by drivers that cannot capture a given format.
var ErrUnsupportedFormat = errors.New("audio: unsupported format")

// Driver opens capture sources on a platform audio backend
type Driver interface {
	// MinBufferSize reports the smallest buffer, in bytes, that captures
	// the format without glitches on this backend.
	MinBufferSize(f Format) (int, error)
	// Open acquires the capture device. The returned Source owns the
	// hardware until Release is called.
	Open(f Format, bufferBytes int) (Source, error)
	ListDevices() ([]AudioDevice, error)
	Close() error
}

// DeviceSelector is implemented by drivers that can switch input devices
// between sessions.
type DeviceSelector interface {
	SelectDevice(id string)
}

// Source is an opened capture device.
//
// Stop must be safe to call concurrently with a blocked ReadInto and must
// unblock it within one device period. Stop and Release are idempotent, and
// Release is safe to call without a prior Start or Stop.
type Source interface {
	Start() error
	// ReadInto blocks until at least one byte is available and never
	// returns more than len(buf) bytes. It returns ErrStopped once the
	// source is stopped and a *DeviceError on hardware failure.
	ReadInto(buf []byte) (int, error)
	Stop() error
	Release() error
}

// AudioDevice represents an audio input device
type AudioDevice struct {
	ID      string
	Name    string
	Default bool
}

// DeviceError reports a hardware failure. It is fatal to a capture session.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("audio device %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// NewDeviceError wraps err as a *DeviceError unless it already is one.
func NewDeviceError(op string, err error) error {
	var de *DeviceError
	if errors.As(err, &de) {
		return err
	}
	return &DeviceError{Op: op, Err: err}
}
