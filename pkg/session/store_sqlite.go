package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps one row per session in a SQLite database. All public
// methods are safe for concurrent use (SQLite serializes writes).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath. The schema is
// created automatically on first use. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// :memory: databases are per-connection.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`PRAGMA busy_timeout = 5000`,
		`CREATE TABLE IF NOT EXISTS session_history (
			session_id TEXT PRIMARY KEY,
			messages   TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the stored history for sessionID, or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, sessionID string) ([]Message, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT messages FROM session_history WHERE session_id = ?`,
		sessionID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", sessionID, err)
	}

	var msgs []Message
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", sessionID, err)
	}
	if msgs == nil {
		msgs = []Message{}
	}
	return msgs, nil
}

// Put upserts the history for sessionID and refreshes updated_at.
func (s *SQLiteStore) Put(ctx context.Context, sessionID string, msgs []Message) error {
	if msgs == nil {
		msgs = []Message{}
	}
	raw, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("encode %s: %w", sessionID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO session_history (session_id, messages, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (session_id) DO UPDATE
		 SET messages = excluded.messages, updated_at = excluded.updated_at`,
		sessionID, string(raw), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("put %s: %w", sessionID, err)
	}
	return nil
}

// Delete removes the row for sessionID. No error is returned if the
// session does not exist.
func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM session_history WHERE session_id = ?`,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("delete %s: %w", sessionID, err)
	}
	return nil
}
