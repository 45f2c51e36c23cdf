// Package capture owns the microphone handle for a recording session and
// turns the chunks it delivers into a single artifact.
package capture

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPermissionDenied is returned when the device refuses access.
	ErrPermissionDenied = errors.New("microphone access denied")
	// ErrDeviceUnavailable is returned when no device can be opened, or the
	// device is already held by another stream.
	ErrDeviceUnavailable = errors.New("microphone unavailable")
	// ErrFinalized is returned when an engine is finalized twice.
	ErrFinalized = errors.New("capture already finalized")
)

// ReleaseError reports a failed attempt to stop a stream's tracks.
type ReleaseError struct {
	StreamID string
	Err      error
}

func (e *ReleaseError) Error() string {
	return fmt.Sprintf("release stream %s: %v", e.StreamID, e.Err)
}

func (e *ReleaseError) Unwrap() error { return e.Err }

// Constraints describe the stream requested from a device.
type Constraints struct {
	SampleRate    int
	Channels      int
	ChunkInterval time.Duration
}

// Track is one media track of an acquired stream.
type Track struct {
	ID    string
	Kind  string
	Label string
}

// Device grants exclusive streams.
type Device interface {
	Acquire(ctx context.Context, c Constraints) (Stream, error)
}

// Stream is an open device handle. Chunks are delivered on Chunks at the
// interval requested in Constraints until Close stops every track.
type Stream interface {
	ID() string
	Tracks() []Track
	Chunks() <-chan []byte
	Close() error
}

// DefaultMimeType names the container of raw 16-bit PCM chunks.
func DefaultMimeType(sampleRate, channels int) string {
	return fmt.Sprintf("audio/L16;rate=%d;channels=%d", sampleRate, channels)
}
