// Package transcribe supervises a continuous speech recognizer for the
// duration of a recording.
package transcribe

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnavailable is reported when the platform has no speech recognition.
// It never fails a recording; it only disables the live transcript.
var ErrUnavailable = errors.New("speech recognition unavailable")

// RecognitionError wraps an error reported by the recognizer. It is transient:
// the stream logs it and keeps listening or restarts.
type RecognitionError struct {
	Code string
	Err  error
}

func (e *RecognitionError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("recognition error: %v", e.Err)
	}
	return fmt.Sprintf("recognition error (%s): %v", e.Code, e.Err)
}

func (e *RecognitionError) Unwrap() error { return e.Err }

type EventKind int

const (
	EventStart EventKind = iota
	EventResult
	EventError
	EventEnd
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventResult:
		return "result"
	case EventError:
		return "error"
	case EventEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Event is one recognizer callback.
type Event struct {
	Kind       EventKind
	Text       string
	Final      bool
	Confidence *float64
	Code       string
	Err        error
}

// AudioSource hands out taps on the audio being captured.
type AudioSource interface {
	Subscribe(buffer int) (<-chan []byte, func())
}

type Options struct {
	Locale  string
	Interim bool
}

// Recognizer is a continuous recognition engine. The returned channel is
// closed after the listener ends; an end can happen at any time (silence,
// platform limits, a closed audio tap) and cancelling ctx forces one.
type Recognizer interface {
	Listen(ctx context.Context, audio AudioSource, opts Options) (<-chan Event, error)
}
