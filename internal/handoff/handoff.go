// Package handoff passes a completed recording to the upload collaborator.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/lecturecap/internal/bus"
	"github.com/loqalabs/lecturecap/internal/capture"
	"github.com/loqalabs/lecturecap/internal/config"
	"github.com/loqalabs/lecturecap/internal/protocol"
	"github.com/loqalabs/lecturecap/internal/session"
)

// ErrDisabled is returned by New when no upload collaborator is configured.
var ErrDisabled = errors.New("upload handoff disabled")

// Request is everything the collaborator needs to persist and transcribe a
// lecture. The transcript is the node's best-effort preview.
type Request struct {
	Title       string
	Description string
	Artifact    capture.Artifact
	Duration    int
	Transcript  string
	Segments    []session.Segment
	ClassID     string
}

// Uploader hands a request to the collaborator and returns its job id.
type Uploader interface {
	Upload(ctx context.Context, req Request) (string, error)
}

func NewRequest(p session.Payload, classID string) Request {
	return Request{
		Title:       p.Title,
		Description: p.Description,
		Artifact:    p.Artifact,
		Duration:    p.ElapsedSeconds,
		Transcript:  p.Transcript,
		Segments:    p.Segments,
		ClassID:     classID,
	}
}

// New builds the uploader selected by cfg.Mode.
func New(cfg config.HandoffConfig, busClient *bus.Client, logger *slog.Logger) (Uploader, error) {
	switch cfg.Mode {
	case "", "none":
		return nil, ErrDisabled
	case "bus":
		if busClient == nil {
			return nil, errors.New("bus handoff requires a bus connection")
		}
		return NewBusUploader(busClient, cfg.Subject, cfg.Bucket, time.Duration(cfg.TimeoutMS)*time.Millisecond), nil
	case "spool":
		return NewSpoolUploader(cfg.SpoolDir, logger)
	default:
		return nil, fmt.Errorf("unknown handoff mode %q", cfg.Mode)
	}
}

func toWire(req Request) protocol.UploadRequest {
	segments := make([]protocol.TranscriptSegment, 0, len(req.Segments))
	for _, seg := range req.Segments {
		segments = append(segments, protocol.TranscriptSegment{
			Text:             seg.Text,
			TimestampSeconds: seg.TimestampSeconds,
			Confidence:       seg.Confidence,
		})
	}
	return protocol.UploadRequest{
		Title:              req.Title,
		Description:        req.Description,
		MimeType:           req.Artifact.MimeType,
		Artifact:           req.Artifact.Data,
		Duration:           req.Duration,
		Transcript:         req.Transcript,
		TranscriptSegments: segments,
		ClassID:            req.ClassID,
	}
}
