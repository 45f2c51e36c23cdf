package protocol

import "time"

// AudioFrame represents PCM audio streamed by a classroom microphone bridge.
type AudioFrame struct {
	DeviceID   string `json:"device_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
}

// Transcript is a live transcript line broadcast while recording.
type Transcript struct {
	SessionID        string    `json:"session_id"`
	Text             string    `json:"text"`
	Partial          bool      `json:"partial"`
	TimestampSeconds int       `json:"timestamp_seconds"`
	Timestamp        time.Time `json:"timestamp"`
	Confidence       *float64  `json:"confidence,omitempty"`
}

// Control commands accepted on the node control subject.
const (
	CommandStart    = "start"
	CommandPause    = "pause"
	CommandResume   = "resume"
	CommandStop     = "stop"
	CommandDiscard  = "discard"
	CommandStatus   = "status"
	CommandMetadata = "metadata"
	CommandUpload   = "upload"
)

// ControlRequest drives the node's session controller.
type ControlRequest struct {
	Command     string  `json:"command"`
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	ClassID     string  `json:"class_id,omitempty"`
}

// ControlReply answers a ControlRequest.
type ControlReply struct {
	OK      bool            `json:"ok"`
	Changed bool            `json:"changed"`
	Error   string          `json:"error,omitempty"`
	JobID   string          `json:"job_id,omitempty"`
	Session SessionSnapshot `json:"session"`
}

// SessionSnapshot is the wire view of a recording session.
type SessionSnapshot struct {
	ID                     string    `json:"id,omitempty"`
	State                  string    `json:"state"`
	StartedAt              time.Time `json:"started_at,omitempty"`
	ElapsedSeconds         int       `json:"elapsed_seconds"`
	Elapsed                string    `json:"elapsed"`
	ChunkCount             int       `json:"chunk_count"`
	ChunkBytes             int       `json:"chunk_bytes"`
	Segments               int       `json:"segments"`
	Interim                string    `json:"interim,omitempty"`
	Listening              bool      `json:"listening"`
	TranscriptionSupported bool      `json:"transcription_supported"`
	Title                  string    `json:"title,omitempty"`
	Description            string    `json:"description,omitempty"`
	JobID                  string    `json:"job_id,omitempty"`
}

// SessionUpdate is published whenever the controller notifies a change.
type SessionUpdate struct {
	NodeID    string          `json:"node_id"`
	Kind      string          `json:"kind"`
	Detail    string          `json:"detail,omitempty"`
	Session   SessionSnapshot `json:"session"`
	Timestamp time.Time       `json:"timestamp"`
}

// TranscriptSegment is one finalized transcript span in an upload request.
type TranscriptSegment struct {
	Text             string   `json:"text"`
	TimestampSeconds int      `json:"timestamp_seconds"`
	Confidence       *float64 `json:"confidence,omitempty"`
}

// UploadRequest is sent to the upload collaborator.
type UploadRequest struct {
	Title              string              `json:"title"`
	Description        string              `json:"description"`
	MimeType           string              `json:"mime_type"`
	Artifact           []byte              `json:"artifact,omitempty"`
	ArtifactRef        *ArtifactRef        `json:"artifact_ref,omitempty"`
	Duration           int                 `json:"duration"`
	Transcript         string              `json:"transcript"`
	TranscriptSegments []TranscriptSegment `json:"transcript_segments"`
	ClassID            string              `json:"class_id"`
}

// ArtifactRef points at an artifact staged in a JetStream object store
// because it did not fit in one message. The collaborator deletes the
// object once it has persisted it.
type ArtifactRef struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Digest string `json:"digest,omitempty"`
}

// UploadReply carries the collaborator's job identifier.
type UploadReply struct {
	JobID string `json:"job_id"`
	Error string `json:"error,omitempty"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectControlPrefix     = "lecturecap.control"
	SubjectSessionPrefix     = "lecturecap.session"
)

func AudioFrameSubject(deviceID string) string {
	return SubjectAudioFramePrefix + "." + deviceID
}

func ControlSubject(nodeID string) string {
	return SubjectControlPrefix + "." + nodeID
}

func SessionUpdateSubject(nodeID string) string {
	return SubjectSessionPrefix + "." + nodeID + ".update"
}
