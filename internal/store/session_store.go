// Package store persists sessions and their progress history in SQLite.
// Writes happen only at state-transition boundaries, so a crash loses at
// most the work of the in-flight transition.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"cascade/internal/logging"
)

// ErrNotFound is returned when a session ID has no record.
var ErrNotFound = errors.New("session not found")

// SessionRecord is the persisted form of a session. Payload carries the full
// session document as JSON; the columns exist for inspection queries.
type SessionRecord struct {
	ID             string
	State          string
	TerminalReason string
	Payload        json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SnapshotRecord is one append-only progress snapshot.
type SnapshotRecord struct {
	SessionID string
	Seq       int64
	Payload   json.RawMessage
	TakenAt   time.Time
}

// SessionStore is a SQLite-backed session repository.
type SessionStore struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
}

// NewSessionStore opens (or creates) the database at path.
func NewSessionStore(path string) (*SessionStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SessionStore{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SessionStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		terminal_reason TEXT DEFAULT '',
		payload TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state);

	CREATE TABLE IF NOT EXISTS snapshots (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		taken_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_session ON snapshots(session_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// SaveSession inserts or replaces a session record. CreatedAt is preserved
// for existing rows.
func (s *SessionStore) SaveSession(rec SessionRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("session record requires an ID")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, state, terminal_reason, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			terminal_reason = excluded.terminal_reason,
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		rec.ID, rec.State, rec.TerminalReason, string(rec.Payload), now, now)
	if err != nil {
		logging.StoreError("failed to save session %s: %v", rec.ID, err)
		return fmt.Errorf("failed to save session: %w", err)
	}
	logging.StoreDebug("saved session %s state=%s", rec.ID, rec.State)
	return nil
}

// LoadSession fetches one session by ID.
func (s *SessionStore) LoadSession(id string) (*SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec SessionRecord
	var payload string
	err := s.db.QueryRow(`
		SELECT id, state, terminal_reason, payload, created_at, updated_at
		FROM sessions WHERE id = ?`, id).
		Scan(&rec.ID, &rec.State, &rec.TerminalReason, &payload,
			&rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	rec.Payload = json.RawMessage(payload)
	return &rec, nil
}

// ListSessions returns the most recently updated sessions, newest first.
func (s *SessionStore) ListSessions(limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, state, terminal_reason, payload, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var payload string
		if err := rows.Scan(&rec.ID, &rec.State, &rec.TerminalReason, &payload,
			&rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		rec.Payload = json.RawMessage(payload)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AppendSnapshot records one progress snapshot. Snapshots are never updated
// or deleted.
func (s *SessionStore) AppendSnapshot(sessionID string, payload json.RawMessage) error {
	if sessionID == "" {
		return fmt.Errorf("snapshot requires a session ID")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO snapshots (session_id, payload, taken_at) VALUES (?, ?, ?)`,
		sessionID, string(payload), time.Now().UTC())
	if err != nil {
		logging.StoreError("failed to append snapshot for %s: %v", sessionID, err)
		return fmt.Errorf("failed to append snapshot: %w", err)
	}
	return nil
}

// LoadHistory returns a session's snapshots in append order.
func (s *SessionStore) LoadHistory(sessionID string) ([]SnapshotRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT seq, session_id, payload, taken_at
		FROM snapshots WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()

	var out []SnapshotRecord
	for rows.Next() {
		var rec SnapshotRecord
		var payload string
		if err := rows.Scan(&rec.Seq, &rec.SessionID, &payload, &rec.TakenAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		rec.Payload = json.RawMessage(payload)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (s *SessionStore) Close() error {
	return s.db.Close()
}
