package handoff

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/loqalabs/lecturecap/internal/capture"
)

// SpoolUploader drops each upload into a directory for an offline sync
// agent: <job>.wav (or <job>.raw for non-PCM artifacts) next to <job>.json.
type SpoolUploader struct {
	dir string
	log *slog.Logger
}

type spoolManifest struct {
	JobID              string          `json:"job_id"`
	Title              string          `json:"title"`
	Description        string          `json:"description"`
	ClassID            string          `json:"class_id"`
	Duration           int             `json:"duration"`
	MimeType           string          `json:"mime_type"`
	AudioFile          string          `json:"audio_file"`
	Transcript         string          `json:"transcript"`
	TranscriptSegments json.RawMessage `json:"transcript_segments"`
}

func NewSpoolUploader(dir string, logger *slog.Logger) (*SpoolUploader, error) {
	if dir == "" {
		return nil, fmt.Errorf("spool directory not configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SpoolUploader{dir: dir, log: logger.With(slog.String("component", "handoff"))}, nil
}

func (u *SpoolUploader) Upload(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	jobID := uuid.NewString()

	audioName, err := u.writeAudio(jobID, req.Artifact)
	if err != nil {
		return "", err
	}

	wire := toWire(req)
	segments, err := json.Marshal(wire.TranscriptSegments)
	if err != nil {
		return "", fmt.Errorf("marshal transcript segments: %w", err)
	}
	manifest := spoolManifest{
		JobID:              jobID,
		Title:              req.Title,
		Description:        req.Description,
		ClassID:            req.ClassID,
		Duration:           req.Duration,
		MimeType:           req.Artifact.MimeType,
		AudioFile:          audioName,
		Transcript:         req.Transcript,
		TranscriptSegments: segments,
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(u.dir, jobID+".json"), data); err != nil {
		return "", err
	}

	u.log.Info("recording spooled", slog.String("job_id", jobID), slog.String("audio", audioName), slog.Int("bytes", req.Artifact.Size()))
	return jobID, nil
}

func (u *SpoolUploader) writeAudio(jobID string, artifact capture.Artifact) (string, error) {
	rate, channels, ok := pcmFormat(artifact.MimeType)
	if !ok {
		name := jobID + ".raw"
		return name, writeFileAtomic(filepath.Join(u.dir, name), artifact.Data)
	}

	name := jobID + ".wav"
	tmp, err := os.CreateTemp(u.dir, ".spool-*.wav")
	if err != nil {
		return "", fmt.Errorf("create spool file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := capture.WritePCMAsWAV(tmp, artifact.Data, rate, channels); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close spool file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(u.dir, name)); err != nil {
		return "", fmt.Errorf("publish spool file: %w", err)
	}
	return name, nil
}

// pcmFormat extracts rate and channels from an audio/L16 media type.
func pcmFormat(mimeType string) (int, int, bool) {
	mediaType, params, err := mime.ParseMediaType(mimeType)
	if err != nil || !strings.EqualFold(mediaType, "audio/l16") {
		return 0, 0, false
	}
	rate, err := strconv.Atoi(params["rate"])
	if err != nil || rate <= 0 {
		return 0, 0, false
	}
	channels := 1
	if v, ok := params["channels"]; ok {
		channels, err = strconv.Atoi(v)
		if err != nil || channels <= 0 {
			return 0, 0, false
		}
	}
	return rate, channels, true
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish %s: %w", filepath.Base(path), err)
	}
	return nil
}
