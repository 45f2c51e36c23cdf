// Package control exposes the node's session controller on the bus.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/lecturecap/internal/bus"
	"github.com/loqalabs/lecturecap/internal/clock"
	"github.com/loqalabs/lecturecap/internal/config"
	"github.com/loqalabs/lecturecap/internal/eventstore"
	"github.com/loqalabs/lecturecap/internal/handoff"
	"github.com/loqalabs/lecturecap/internal/protocol"
	"github.com/loqalabs/lecturecap/internal/session"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	startTimeout  = 10 * time.Second
	uploadTimeout = 60 * time.Second
)

// ErrUploadDisabled is returned by the upload command when no collaborator
// is configured.
var ErrUploadDisabled = errors.New("upload collaborator not configured")

type Service struct {
	nodeID   string
	cfg      config.HandoffConfig
	bus      *bus.Client
	ctrl     *session.Controller
	uploader handoff.Uploader
	journal  *eventstore.Store
	tracer   trace.Tracer
	now      func() time.Time
	sub      *nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	uploadMu sync.Mutex
	logger   *slog.Logger
}

func NewService(parent context.Context, nodeID string, cfg config.HandoffConfig, busClient *bus.Client, ctrl *session.Controller, uploader handoff.Uploader, journal *eventstore.Store, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		nodeID:   nodeID,
		cfg:      cfg,
		bus:      busClient,
		ctrl:     ctrl,
		uploader: uploader,
		journal:  journal,
		tracer:   otel.Tracer("github.com/loqalabs/lecturecap/control"),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.With(slog.String("component", "control"), slog.String("node_id", nodeID)),
	}
}

func (s *Service) Start() error {
	subject := protocol.ControlSubject(s.nodeID)
	sub, err := s.bus.Conn().Subscribe(subject, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe control subject: %w", err)
	}
	s.sub = sub

	s.wg.Add(1)
	go s.forwardUpdates()

	s.logger.Info("control plane listening", slog.String("subject", subject))
	return nil
}

// Close stops serving commands and waits for in-flight uploads. The
// controller itself is closed by its owner.
func (s *Service) Close() {
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return s.sub != nil && s.sub.IsValid() }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.ControlRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode control request", slogError(err))
		s.respond(msg, protocol.ControlReply{Error: "invalid request"})
		return
	}

	if req.Command == protocol.CommandUpload {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.respond(msg, s.Execute(s.ctx, req))
		}()
		return
	}
	s.respond(msg, s.Execute(s.ctx, req))
}

// Execute applies one control request to the controller.
func (s *Service) Execute(ctx context.Context, req protocol.ControlRequest) protocol.ControlReply {
	ctx, span := s.tracer.Start(ctx, "control."+req.Command, trace.WithAttributes(attribute.String("node.id", s.nodeID)))
	defer span.End()

	reply := protocol.ControlReply{}
	var err error
	switch req.Command {
	case protocol.CommandStart:
		startCtx, cancel := context.WithTimeout(ctx, startTimeout)
		reply.Changed, err = s.ctrl.Start(startCtx)
		cancel()
		if reply.Changed {
			s.record(ctx, eventstore.TypeStarted)
		}
	case protocol.CommandPause:
		if reply.Changed = s.ctrl.Pause(); reply.Changed {
			s.record(ctx, eventstore.TypePaused)
		}
	case protocol.CommandResume:
		if reply.Changed = s.ctrl.Resume(); reply.Changed {
			s.record(ctx, eventstore.TypeResumed)
		}
	case protocol.CommandStop:
		if reply.Changed = s.ctrl.Stop(); reply.Changed {
			s.record(ctx, eventstore.TypeCompleted)
			if s.cfg.AutoUpload && s.uploader != nil {
				s.wg.Add(1)
				go func() {
					defer s.wg.Done()
					if _, err := s.Upload(s.ctx, req.ClassID); err != nil {
						s.logger.Warn("auto upload failed", slogError(err))
					}
				}()
			}
		}
	case protocol.CommandDiscard:
		snap := s.ctrl.Snapshot()
		if reply.Changed = s.ctrl.Discard(); reply.Changed && snap.ID != "" {
			s.recordSnapshot(ctx, snap, eventstore.TypeDiscarded)
		}
	case protocol.CommandStatus:
	case protocol.CommandMetadata:
		err = s.applyMetadata(req)
		reply.Changed = err == nil && (req.Title != nil || req.Description != nil)
	case protocol.CommandUpload:
		reply.JobID, err = s.Upload(ctx, req.ClassID)
		reply.Changed = err == nil
	default:
		err = fmt.Errorf("unknown command %q", req.Command)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		reply.Error = err.Error()
		s.logger.Warn("control command failed", slog.String("command", req.Command), slogError(err))
	}
	reply.OK = err == nil
	reply.Session = ToWire(s.ctrl.Snapshot())
	return reply
}

// Upload hands the completed session to the collaborator once.
func (s *Service) Upload(ctx context.Context, classID string) (string, error) {
	if s.uploader == nil {
		return "", ErrUploadDisabled
	}
	s.uploadMu.Lock()
	defer s.uploadMu.Unlock()

	payload, err := s.ctrl.Handoff()
	if err != nil {
		return "", err
	}
	if classID == "" {
		classID = s.cfg.ClassID
	}

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()
	jobID, err := s.uploader.Upload(ctx, handoff.NewRequest(payload, classID))
	if err != nil {
		return "", fmt.Errorf("upload session %s: %w", payload.SessionID, err)
	}
	if err := s.ctrl.MarkHandedOff(payload.SessionID, jobID); err != nil {
		return jobID, err
	}
	s.record(ctx, eventstore.TypeHandoff)
	return jobID, nil
}

func (s *Service) applyMetadata(req protocol.ControlRequest) error {
	if req.Title != nil {
		if err := s.ctrl.SetTitle(*req.Title); err != nil {
			return err
		}
	}
	if req.Description != nil {
		if err := s.ctrl.SetDescription(*req.Description); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) record(ctx context.Context, eventType string) {
	snap := s.ctrl.Snapshot()
	if snap.ID == "" {
		return
	}
	s.recordSnapshot(ctx, snap, eventType)
}

type journalPayload struct {
	State          string `json:"state"`
	ElapsedSeconds int    `json:"elapsed_seconds"`
	ChunkCount     int    `json:"chunk_count"`
	ChunkBytes     int    `json:"chunk_bytes"`
	Segments       int    `json:"segments"`
	JobID          string `json:"job_id,omitempty"`
}

func (s *Service) recordSnapshot(ctx context.Context, snap session.Snapshot, eventType string) {
	if s.journal == nil {
		return
	}
	payload := journalPayload{
		State:          snap.State.String(),
		ElapsedSeconds: snap.ElapsedSeconds,
		ChunkCount:     snap.ChunkCount,
		ChunkBytes:     snap.ChunkBytes,
		Segments:       len(snap.Segments),
		JobID:          snap.JobID,
	}
	if err := s.journal.Record(ctx, snap.ID, s.nodeID, snap.Title, eventType, payload); err != nil {
		s.logger.Warn("journal write failed", slog.String("type", eventType), slogError(err))
	}
}

func (s *Service) forwardUpdates() {
	defer s.wg.Done()
	subject := protocol.SessionUpdateSubject(s.nodeID)
	for {
		select {
		case <-s.ctx.Done():
			return
		case update, ok := <-s.ctrl.Updates():
			if !ok {
				return
			}
			msg := protocol.SessionUpdate{
				NodeID:    s.nodeID,
				Kind:      string(update.Kind),
				Detail:    update.Detail,
				Session:   ToWire(update.Snapshot),
				Timestamp: s.now().UTC(),
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Warn("failed to marshal session update", slogError(err))
				continue
			}
			if err := s.bus.Conn().Publish(subject, data); err != nil {
				s.logger.Warn("failed to publish session update", slogError(err))
			}
		}
	}
}

func (s *Service) respond(msg *nats.Msg, reply protocol.ControlReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("failed to marshal control reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send control reply", slogError(err))
	}
}

// ToWire converts a controller snapshot to its bus representation.
func ToWire(snap session.Snapshot) protocol.SessionSnapshot {
	return protocol.SessionSnapshot{
		ID:                     snap.ID,
		State:                  snap.State.String(),
		StartedAt:              snap.StartedAt,
		ElapsedSeconds:         snap.ElapsedSeconds,
		Elapsed:                clock.Format(snap.ElapsedSeconds),
		ChunkCount:             snap.ChunkCount,
		ChunkBytes:             snap.ChunkBytes,
		Segments:               len(snap.Segments),
		Interim:                snap.Interim,
		Listening:              snap.Listening,
		TranscriptionSupported: snap.TranscriptionSupported,
		Title:                  snap.Title,
		Description:            snap.Description,
		JobID:                  snap.JobID,
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
