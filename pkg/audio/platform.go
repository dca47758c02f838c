package audio

import (
	"context"
	"errors"
	"fmt"
)

// ErrStreamClosed is returned by stream operations after Close.
var ErrStreamClosed = errors.New("audio: stream closed")

// ErrNoDevice is wrapped by [PermissionError] when the host has no usable
// input or output device.
var ErrNoDevice = errors.New("audio: no device available")

// PermissionError reports that an audio device could not be acquired because
// access was denied or no device exists. Callers present it differently from
// generic connection failures: the user can fix it and retry.
type PermissionError struct {
	// Device names the device kind, "input" or "output".
	Device string

	// Err is the backend error.
	Err error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("audio: %s device unavailable: %v", e.Device, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// InputConfig describes the capture stream a caller wants.
type InputConfig struct {
	// Format is the requested capture format. Backends may open the device at
	// a different rate and report it from [InputStream.Format].
	Format Format

	// FramesPerBuffer is the device block size in sample frames.
	FramesPerBuffer int

	// Processing toggles, honoured when the backend supports them.
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// OutputConfig describes the playback stream a caller wants.
type OutputConfig struct {
	// Format is the requested playback format. Backends may open the device at
	// a different rate and report it from [OutputStream.Format].
	Format Format

	// FramesPerBuffer is the device block size in sample frames.
	FramesPerBuffer int
}

// InputStream is an open capture device. Exactly one goroutine may call Read.
type InputStream interface {
	// Read blocks until len(buf) interleaved samples have been captured.
	// It returns [ErrStreamClosed] once the stream is closed.
	Read(buf []float32) error

	// Format returns the format samples are delivered in.
	Format() Format

	// Stop makes a pending or later Read return [ErrStreamClosed]. The
	// device stays allocated. Idempotent.
	Stop() error

	// Close stops capture and releases the device. It must not run while a
	// Read is in flight: call Stop, wait for the reader, then Close.
	// Idempotent.
	Close() error
}

// OutputStream is an open playback device. Exactly one goroutine may call
// Write.
type OutputStream interface {
	// Write blocks until the device has accepted buf, which paces the caller
	// to the device clock. It returns [ErrStreamClosed] once the stream is
	// closed.
	Write(buf []float32) error

	// Format returns the format the device plays.
	Format() Format

	// Stop makes a pending or later Write return [ErrStreamClosed]. The
	// device stays allocated. Idempotent.
	Stop() error

	// Close stops playback and releases the device. It must not run while a
	// Write is in flight. Idempotent.
	Close() error
}

// Platform is the entry point for an audio backend (PortAudio, mocks, …).
//
// Implementations must be safe for concurrent use. Device acquisition failures
// caused by missing permission or hardware must be reported as
// [*PermissionError].
type Platform interface {
	// OpenInput acquires the capture device.
	OpenInput(ctx context.Context, cfg InputConfig) (InputStream, error)

	// OpenOutput acquires the playback device.
	OpenOutput(ctx context.Context, cfg OutputConfig) (OutputStream, error)
}
