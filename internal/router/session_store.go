package router

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SessionStore mirrors sessions into a SQLite-backed index so LRU eviction
// order and session metadata survive a process restart, grounded on the
// reference project's sqlite persistence layer.
type SessionStore struct {
	db *sql.DB
}

// OpenSessionStore opens (creating if absent) the sqlite database at path
// and ensures the sessions table exists.
func OpenSessionStore(path string) (*SessionStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			session_key   TEXT PRIMARY KEY,
			channel       TEXT NOT NULL,
			chat_id       TEXT,
			thread_id     TEXT,
			created_at    TIMESTAMP NOT NULL,
			last_activity TIMESTAMP NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0,
			user          TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_last_activity ON sessions(last_activity);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sessions table: %w", err)
	}
	return &SessionStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SessionStore) Close() error { return s.db.Close() }

// Upsert inserts or updates a session row.
func (s *SessionStore) Upsert(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_key, channel, chat_id, thread_id, created_at, last_activity, message_count, user)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET
			chat_id = excluded.chat_id,
			thread_id = excluded.thread_id,
			last_activity = excluded.last_activity,
			message_count = excluded.message_count,
			user = excluded.user;
	`, sess.SessionKey, sess.Channel, sess.ChatID, sess.ThreadID, sess.CreatedAt, sess.LastActivity, sess.MessageCount, sess.User)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// Delete removes a session row.
func (s *SessionStore) Delete(ctx context.Context, sessionKey string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_key = ?`, sessionKey)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// LoadAll returns every persisted session, used to rebuild the in-memory
// table on startup.
func (s *SessionStore) LoadAll(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_key, channel, chat_id, thread_id, created_at, last_activity, message_count, user
		FROM sessions;
	`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var chatID, threadID, user sql.NullString
		if err := rows.Scan(&sess.SessionKey, &sess.Channel, &chatID, &threadID, &sess.CreatedAt, &sess.LastActivity, &sess.MessageCount, &user); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.ChatID = chatID.String
		sess.ThreadID = threadID.String
		sess.User = user.String
		out = append(out, sess)
	}
	return out, rows.Err()
}

// PruneOlderThan deletes sessions whose last_activity predates cutoff and
// returns their keys.
func (s *SessionStore) PruneOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_key FROM sessions WHERE last_activity < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query expired sessions: %w", err)
	}
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return nil, err
		}
		keys = append(keys, k)
	}
	rows.Close()
	if len(keys) == 0 {
		return nil, nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE last_activity < ?`, cutoff); err != nil {
		return nil, fmt.Errorf("delete expired sessions: %w", err)
	}
	return keys, nil
}
