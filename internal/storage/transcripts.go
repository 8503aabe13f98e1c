// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jeranaias/gemlet/internal/history"
	"github.com/jeranaias/gemlet/internal/util"
)

// PreviewWidth is the display width of a session preview.
const PreviewWidth = 50

// ErrSessionNotFound is returned when a transcript doesn't exist.
// Use errors.Is(err, ErrSessionNotFound) to check for this error.
var ErrSessionNotFound = errors.New("transcript not found")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	model      TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS exchanges (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id     TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	user_text      TEXT NOT NULL,
	assistant_text TEXT NOT NULL,
	created_at     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_exchanges_session ON exchanges(session_id, id);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
`

// =============================================================================
// TYPES
// =============================================================================

// SessionSummary describes one stored transcript for listing.
type SessionSummary struct {
	ID            string    `json:"id"`
	Model         string    `json:"model"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	ExchangeCount int       `json:"exchange_count"`
	Preview       string    `json:"preview"` // first user text, width-truncated
}

// Store is a SQLite-backed transcript store. It is safe for concurrent use.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// =============================================================================
// OPEN / CLOSE
// =============================================================================

// Open opens or creates the transcript database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("storage: empty database path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db, path: path, now: time.Now}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// =============================================================================
// WRITES
// =============================================================================

// StartSession registers a transcript. Starting an existing ID is a no-op.
func (s *Store) StartSession(ctx context.Context, id, model string) error {
	now := s.now().UnixNano()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, model, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		id, model, now, now)
	if err != nil {
		return fmt.Errorf("start session %s: %w", id, err)
	}
	return nil
}

// Append adds a finished exchange to a transcript.
func (s *Store) Append(ctx context.Context, sessionID string, ex history.Exchange) error {
	ts := ex.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, ts.UnixNano(), sessionID)
	if err != nil {
		return fmt.Errorf("append to %s: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("append to %s: %w", sessionID, ErrSessionNotFound)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO exchanges (session_id, user_text, assistant_text, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, ex.UserText, ex.AssistantText, ts.UnixNano())
	if err != nil {
		return fmt.Errorf("append to %s: %w", sessionID, err)
	}
	return tx.Commit()
}

// DeleteSession removes a transcript and its exchanges.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// =============================================================================
// READS
// =============================================================================

const summaryQuery = `
SELECT s.id, s.model, s.created_at, s.updated_at,
       (SELECT COUNT(*) FROM exchanges e WHERE e.session_id = s.id),
       COALESCE((SELECT e.user_text FROM exchanges e WHERE e.session_id = s.id ORDER BY e.id LIMIT 1), '')
FROM sessions s`

// ListSessions returns transcripts, most recently updated first. A limit
// of 0 or less returns all of them.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, summaryQuery+` ORDER BY s.updated_at DESC, s.id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return scanSummaries(rows)
}

// Search returns transcripts whose exchanges contain query, case-insensitively.
func (s *Store) Search(ctx context.Context, query string) ([]SessionSummary, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return s.ListSessions(ctx, 0)
	}
	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"
	rows, err := s.db.QueryContext(ctx, summaryQuery+`
WHERE EXISTS (
	SELECT 1 FROM exchanges e WHERE e.session_id = s.id
	AND (LOWER(e.user_text) LIKE ? ESCAPE '\' OR LOWER(e.assistant_text) LIKE ? ESCAPE '\')
)
ORDER BY s.updated_at DESC, s.id`, pattern, pattern)
	if err != nil {
		return nil, fmt.Errorf("search sessions: %w", err)
	}
	return scanSummaries(rows)
}

// Session returns the summary of one transcript.
func (s *Store) Session(ctx context.Context, id string) (*SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, summaryQuery+` WHERE s.id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	list, err := scanSummaries(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrSessionNotFound
	}
	return &list[0], nil
}

// Exchanges returns every exchange in a transcript in the order recorded.
func (s *Store) Exchanges(ctx context.Context, sessionID string) ([]history.Exchange, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = ?`, sessionID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	if exists == 0 {
		return nil, ErrSessionNotFound
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT user_text, assistant_text, created_at FROM exchanges WHERE session_id = ? ORDER BY id`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("read exchanges of %s: %w", sessionID, err)
	}
	defer rows.Close()

	out := []history.Exchange{}
	for rows.Next() {
		var ex history.Exchange
		var ts int64
		if err := rows.Scan(&ex.UserText, &ex.AssistantText, &ts); err != nil {
			return nil, err
		}
		ex.Timestamp = time.Unix(0, ts)
		out = append(out, ex)
	}
	return out, rows.Err()
}

func scanSummaries(rows *sql.Rows) ([]SessionSummary, error) {
	defer rows.Close()

	out := []SessionSummary{}
	for rows.Next() {
		var sum SessionSummary
		var created, updated int64
		var first string
		if err := rows.Scan(&sum.ID, &sum.Model, &created, &updated, &sum.ExchangeCount, &first); err != nil {
			return nil, err
		}
		sum.CreatedAt = time.Unix(0, created)
		sum.UpdatedAt = time.Unix(0, updated)
		if first == "" {
			sum.Preview = "New conversation"
		} else {
			sum.Preview = util.Preview(first, PreviewWidth)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
