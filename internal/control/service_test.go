package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/lecturecap/internal/bus"
	"github.com/loqalabs/lecturecap/internal/capture"
	"github.com/loqalabs/lecturecap/internal/clock"
	"github.com/loqalabs/lecturecap/internal/config"
	"github.com/loqalabs/lecturecap/internal/eventstore"
	"github.com/loqalabs/lecturecap/internal/handoff"
	"github.com/loqalabs/lecturecap/internal/natsserver"
	"github.com/loqalabs/lecturecap/internal/protocol"
	"github.com/loqalabs/lecturecap/internal/session"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeUploader struct {
	mu       sync.Mutex
	requests []handoff.Request
	err      error
}

func (u *fakeUploader) Upload(_ context.Context, req handoff.Request) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return "", u.err
	}
	u.requests = append(u.requests, req)
	return "job-1", nil
}

func (u *fakeUploader) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.requests)
}

type harness struct {
	client   *bus.Client
	svc      *Service
	ctrl     *session.Controller
	journal  *eventstore.Store
	uploader *fakeUploader
	device   *capture.ToneDevice
}

func newHarness(t *testing.T, autoUpload bool) *harness {
	t.Helper()
	busCfg := config.BusConfig{Embedded: true, Port: -1, ConnectTimeout: 2000}
	srv, err := natsserver.Start(busCfg, newLogger())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	busCfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), busCfg, "control-test", newLogger())
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)

	journal, err := eventstore.Open(context.Background(), config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "journal.db"),
		RetentionMode: "session",
	}, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = journal.Close() })

	src := clock.NewManual(time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC))
	device := capture.NewToneDevice(capture.ToneOptions{Hz: 440, Source: src})
	ctrl := session.NewController(session.Options{
		Device:      device,
		Constraints: capture.Constraints{SampleRate: 16000, Channels: 1, ChunkInterval: 100 * time.Millisecond},
		Source:      src,
		Logger:      newLogger(),
	})
	t.Cleanup(ctrl.Close)

	uploader := &fakeUploader{}
	svc := NewService(context.Background(), "room-101", config.HandoffConfig{ClassID: "default-class", AutoUpload: autoUpload}, client, ctrl, uploader, journal, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start control: %v", err)
	}
	t.Cleanup(svc.Close)
	return &harness{client: client, svc: svc, ctrl: ctrl, journal: journal, uploader: uploader, device: device}
}

func (h *harness) send(t *testing.T, req protocol.ControlRequest) protocol.ControlReply {
	t.Helper()
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	msg, err := h.client.Conn().Request(protocol.ControlSubject("room-101"), data, 2*time.Second)
	if err != nil {
		t.Fatalf("request %s: %v", req.Command, err)
	}
	var reply protocol.ControlReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return reply
}

func TestControlLifecycleOverBus(t *testing.T) {
	h := newHarness(t, false)

	updates := make(chan protocol.SessionUpdate, 64)
	sub, err := h.client.Conn().Subscribe(protocol.SessionUpdateSubject("room-101"), func(msg *nats.Msg) {
		var u protocol.SessionUpdate
		if err := json.Unmarshal(msg.Data, &u); err == nil {
			updates <- u
		}
	})
	if err != nil {
		t.Fatalf("subscribe updates: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	if err := h.client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	reply := h.send(t, protocol.ControlRequest{Command: protocol.CommandStart})
	if !reply.OK || !reply.Changed || reply.Session.State != "recording" {
		t.Fatalf("unexpected start reply %+v", reply)
	}
	if !h.device.Held() {
		t.Fatal("device must be held while recording")
	}

	select {
	case u := <-updates:
		if u.NodeID != "room-101" || u.Session.State != "recording" {
			t.Fatalf("unexpected update %+v", u)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no session update published")
	}

	if reply := h.send(t, protocol.ControlRequest{Command: protocol.CommandResume}); !reply.OK || reply.Changed {
		t.Fatalf("resume while recording must be a no-op, got %+v", reply)
	}
	title := "Linear Algebra"
	if reply := h.send(t, protocol.ControlRequest{Command: protocol.CommandMetadata, Title: &title}); !reply.Changed || reply.Session.Title != title {
		t.Fatalf("unexpected metadata reply %+v", reply)
	}
	if reply := h.send(t, protocol.ControlRequest{Command: protocol.CommandPause}); reply.Session.State != "paused" {
		t.Fatalf("unexpected pause reply %+v", reply)
	}
	if reply := h.send(t, protocol.ControlRequest{Command: protocol.CommandStop}); reply.Session.State != "completed" || reply.Session.Elapsed != "00:00" {
		t.Fatalf("unexpected stop reply %+v", reply)
	}
	if h.device.Held() {
		t.Fatal("device must be released after stop")
	}

	reply = h.send(t, protocol.ControlRequest{Command: protocol.CommandUpload, ClassID: "class-9"})
	if !reply.OK || reply.JobID != "job-1" || reply.Session.JobID != "job-1" {
		t.Fatalf("unexpected upload reply %+v", reply)
	}
	if h.uploader.requests[0].ClassID != "class-9" || h.uploader.requests[0].Title != title {
		t.Fatalf("unexpected upload request %+v", h.uploader.requests[0].Title)
	}
	if reply := h.send(t, protocol.ControlRequest{Command: protocol.CommandUpload}); reply.OK {
		t.Fatal("second upload must be refused")
	}

	events, err := h.journal.ListSessionEvents(context.Background(), reply.Session.ID, 10)
	if err != nil {
		t.Fatalf("list journal: %v", err)
	}
	want := []string{eventstore.TypeStarted, eventstore.TypePaused, eventstore.TypeCompleted, eventstore.TypeHandoff}
	if len(events) != len(want) {
		t.Fatalf("expected %d journal events, got %d", len(want), len(events))
	}
	for i, evt := range events {
		if evt.Type != want[i] {
			t.Fatalf("journal event %d: expected %s, got %s", i, want[i], evt.Type)
		}
	}
}

func TestControlRejectsUnknownCommand(t *testing.T) {
	h := newHarness(t, false)
	reply := h.send(t, protocol.ControlRequest{Command: "rewind"})
	if reply.OK || reply.Error == "" {
		t.Fatalf("expected an error reply, got %+v", reply)
	}
	if reply.Session.State != "idle" {
		t.Fatalf("unexpected state %s", reply.Session.State)
	}
}

func TestUploadBeforeStopFails(t *testing.T) {
	h := newHarness(t, false)
	h.send(t, protocol.ControlRequest{Command: protocol.CommandStart})
	if _, err := h.svc.Upload(context.Background(), ""); !errors.Is(err, session.ErrNotCompleted) {
		t.Fatalf("expected not completed, got %v", err)
	}
}

func TestAutoUploadAfterStop(t *testing.T) {
	h := newHarness(t, true)
	h.send(t, protocol.ControlRequest{Command: protocol.CommandStart})
	h.send(t, protocol.ControlRequest{Command: protocol.CommandStop})

	deadline := time.Now().Add(2 * time.Second)
	for h.ctrl.Snapshot().JobID == "" {
		if time.Now().After(deadline) {
			t.Fatal("auto upload did not hand the session off")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if h.uploader.count() != 1 || h.uploader.requests[0].ClassID != "default-class" {
		t.Fatalf("unexpected uploads %d", h.uploader.count())
	}
}

func TestDiscardIsJournaled(t *testing.T) {
	h := newHarness(t, false)
	reply := h.send(t, protocol.ControlRequest{Command: protocol.CommandStart})
	id := reply.Session.ID
	if reply := h.send(t, protocol.ControlRequest{Command: protocol.CommandDiscard}); !reply.Changed || reply.Session.State != "idle" {
		t.Fatalf("unexpected discard reply %+v", reply)
	}
	if h.device.Held() {
		t.Fatal("device must be released after discard")
	}
	events, err := h.journal.ListSessionEvents(context.Background(), id, 10)
	if err != nil {
		t.Fatalf("list journal: %v", err)
	}
	if len(events) != 2 || events[1].Type != eventstore.TypeDiscarded {
		t.Fatalf("unexpected journal %+v", events)
	}
}
