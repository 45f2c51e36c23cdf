// Package session coordinates one recording: device capture, the live
// transcript and the elapsed-time clock move through a single state machine.
package session

import (
	"errors"
	"time"

	"github.com/loqalabs/lecturecap/internal/capture"
	"github.com/loqalabs/lecturecap/internal/transcribe"
)

type State int

const (
	StateIdle State = iota
	StateRecording
	StatePaused
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

var (
	// ErrPermissionDenied wraps any device refusal or unavailability at start.
	ErrPermissionDenied = errors.New("microphone access denied")
	// ErrDeviceBusy is returned by Start while a device handle is being
	// acquired or a previous one is still open.
	ErrDeviceBusy   = errors.New("recording device busy")
	ErrNotCompleted = errors.New("session not completed")
	ErrHandedOff    = errors.New("session already handed off")
	ErrClosed       = errors.New("session controller closed")
	// ErrStartAborted is returned by a Start that was discarded while the
	// device was still being acquired.
	ErrStartAborted = errors.New("start aborted by discard")

	// ErrRecognitionUnavailable marks a node without speech recognition.
	ErrRecognitionUnavailable = transcribe.ErrUnavailable
)

// Segment is one finalized span of recognized speech.
type Segment struct {
	Text             string   `json:"text"`
	TimestampSeconds int      `json:"timestamp_seconds"`
	Confidence       *float64 `json:"confidence,omitempty"`
}

// Snapshot is a consistent copy of the session at one instant.
type Snapshot struct {
	ID                     string
	State                  State
	StartedAt              time.Time
	ElapsedSeconds         int
	ChunkCount             int
	ChunkBytes             int
	Segments               []Segment
	Interim                string
	Listening              bool
	TranscriptionSupported bool
	Title                  string
	Description            string
	JobID                  string
}

// Payload is what a completed session hands to the upload collaborator.
type Payload struct {
	SessionID      string
	Artifact       capture.Artifact
	Segments       []Segment
	Transcript     string
	ElapsedSeconds int
	Title          string
	Description    string
}

type UpdateKind string

const (
	UpdateState     UpdateKind = "state"
	UpdateTick      UpdateKind = "tick"
	UpdateSegment   UpdateKind = "segment"
	UpdateInterim   UpdateKind = "interim"
	UpdateListening UpdateKind = "listening"
	UpdateMetadata  UpdateKind = "metadata"
	UpdateError     UpdateKind = "error"
)

// Update is a controller notification for the host.
type Update struct {
	Kind     UpdateKind
	Detail   string
	Snapshot Snapshot
}

// TranscriptObserver receives transcript text as it is produced. Calls are
// made outside the controller lock.
type TranscriptObserver interface {
	Interim(sessionID, text string, elapsed int)
	Final(sessionID, text string, elapsed int, confidence *float64)
}
