package eventstore

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/lecturecap/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(dir, "journal.db"), RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.Record(ctx, "s1", "node", "title", TypeStarted, nil); err != nil {
		t.Fatalf("record on ephemeral store: %v", err)
	}
	if _, err := os.Stat(cfg.Path); !os.IsNotExist(err) {
		t.Fatalf("ephemeral journal must not create a file, stat err=%v", err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "journal.db"), RetentionMode: "session"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	sessionID := "session-123"
	if err := es.AppendSession(context.Background(), sessionID, "classroom-1", ""); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(context.Background(), Event{SessionID: sessionID, Type: TypeStarted, Payload: []byte("hello")}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	events, err := es.ListSessionEvents(context.Background(), sessionID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if string(events[0].Payload) != "hello" {
		t.Fatalf("unexpected payload: %s", events[0].Payload)
	}
}

func TestRecordLifecycle(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "journal.db"), RetentionMode: "persistent"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	ctx := context.Background()
	types := []string{TypeStarted, TypePaused, TypeResumed, TypeCompleted}
	for i, typ := range types {
		if err := es.Record(ctx, "lecture-1", "classroom-1", "Algebra", typ, map[string]int{"elapsed_seconds": i}); err != nil {
			t.Fatalf("record %s: %v", typ, err)
		}
	}

	events, err := es.ListSessionEvents(ctx, "lecture-1", 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != len(types) {
		t.Fatalf("expected %d events, got %d", len(types), len(events))
	}
	for i, evt := range events {
		if evt.Type != types[i] {
			t.Fatalf("event %d: expected %s, got %s", i, types[i], evt.Type)
		}
		var payload map[string]int
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload["elapsed_seconds"] != i {
			t.Fatalf("event %d: unexpected payload %v", i, payload)
		}
	}

	sessions, err := es.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Title != "Algebra" || sessions[0].NodeID != "classroom-1" {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "journal.db"), RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(context.Background(), "old-session", "classroom-1", ""); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(context.Background(), Event{SessionID: "old-session", Type: TypeCompleted}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(context.Background(), "new-session", "classroom-1", ""); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(context.Background(), "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
}
