package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/lecturecap/internal/config"
	_ "modernc.org/sqlite"
)

// Journal event types recorded for each session.
const (
	TypeStarted   = "session.started"
	TypePaused    = "session.paused"
	TypeResumed   = "session.resumed"
	TypeCompleted = "session.completed"
	TypeDiscarded = "session.discarded"
	TypeHandoff   = "session.handoff"
)

// Event is one journal entry.
type Event struct {
	ID        int64
	SessionID string
	NodeID    string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Session is the journal header row for a recording.
type Session struct {
	SessionID string
	NodeID    string
	Title     string
	CreatedAt time.Time
}

// Store is the SQLite-backed session journal. In ephemeral mode every
// method is a no-op and no file is created.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("journal vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("journal prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    node_id TEXT,
    title TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    node_id TEXT,
    event_type TEXT,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) enabled() bool {
	return s != nil && s.cfg.RetentionMode != "ephemeral" && s.db != nil
}

// AppendSession ensures a session row exists and refreshes its title.
func (s *Store) AppendSession(ctx context.Context, sessionID, nodeID, title string) error {
	if !s.enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, node_id, title, created_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET node_id=excluded.node_id, title=excluded.title`,
		sessionID, nodeID, title, s.clock().UTC())
	return err
}

// AppendEvent writes an event into the journal.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if !s.enabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, node_id, event_type, payload, created_at)
		 VALUES(?, ?, ?, ?, ?)`,
		evt.SessionID, evt.NodeID, evt.Type, evt.Payload, evt.CreatedAt)
	return err
}

// Record ensures the session row and appends an event whose payload is v
// encoded as JSON.
func (s *Store) Record(ctx context.Context, sessionID, nodeID, title, eventType string, v any) error {
	if !s.enabled() {
		return nil
	}
	var payload []byte
	if v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode journal payload: %w", err)
		}
		payload = data
	}
	if err := s.AppendSession(ctx, sessionID, nodeID, title); err != nil {
		return fmt.Errorf("append session: %w", err)
	}
	if err := s.AppendEvent(ctx, Event{SessionID: sessionID, NodeID: nodeID, Type: eventType, Payload: payload}); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListSessionEvents retrieves up to limit events for a session ordered ascending by time.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, node_id, event_type, payload, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.NodeID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListSessions returns the most recent sessions first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, node_id, title, created_at FROM sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var created string
		if err := rows.Scan(&sess.SessionID, &sess.NodeID, &sess.Title, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			sess.CreatedAt = ts
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.enabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return tx.Commit()
	}
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure reports an inconsistent ephemeral store.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral journal should not have database connection")
	}
	return nil
}
