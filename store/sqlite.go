package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/m4xw311/acp2/content"
)

// SQLiteStore implements Store on top of modernc.org/sqlite, the pure-Go
// driver that needs no cgo toolchain to deploy.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (creating if necessary) the database at path and runs
// migrations. path may be ":memory:" for tests, in which case a shared
// cache is used so every pooled connection sees the same in-memory data.
func NewSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			agent_name TEXT NOT NULL,
			south_session_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			created_at DATETIME NOT NULL,
			last_active_at DATETIME NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
		`CREATE TABLE IF NOT EXISTS messages (
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			sequence INTEGER NOT NULL,
			role TEXT NOT NULL,
			content_json TEXT NOT NULL,
			south_blocks_json TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			PRIMARY KEY (session_id, sequence)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, agent_name, south_session_id, status, created_at, last_active_at, message_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.AgentName, sess.SouthSessionID, sess.Status, sess.CreatedAt, sess.LastActiveAt, sess.MessageCount)
	return err
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (Session, error) {
	var sess Session
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_name, south_session_id, status, created_at, last_active_at, message_count
		 FROM sessions WHERE id = ?`, id)
	if err := row.Scan(&sess.ID, &sess.AgentName, &sess.SouthSessionID, &sess.Status,
		&sess.CreatedAt, &sess.LastActiveAt, &sess.MessageCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter, page Pagination) ([]Session, error) {
	query := `SELECT id, agent_name, south_session_id, status, created_at, last_active_at, message_count FROM sessions`

	var where []string
	var args []any
	if filter.AgentName != "" {
		where = append(where, "agent_name = ?")
		args = append(args, filter.AgentName)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY last_active_at DESC"
	if page.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, page.Limit)
		if page.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, page.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.AgentName, &sess.SouthSessionID, &sess.Status,
			&sess.CreatedAt, &sess.LastActiveAt, &sess.MessageCount); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateSouthSessionID(ctx context.Context, id, southSessionID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET south_session_id = ? WHERE id = ?`, southSessionID, id)
	return checkRowsAffected(res, err)
}

func (s *SQLiteStore) SetStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = ? WHERE id = ?`, status, id)
	return checkRowsAffected(res, err)
}

func (s *SQLiteStore) Touch(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_active_at = ? WHERE id = ?`, at, id)
	return checkRowsAffected(res, err)
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return checkRowsAffected(res, err)
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID, role string, blocks content.Blocks, southBlocks json.RawMessage) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT message_count FROM sessions WHERE id = ?`, sessionID).Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	sequence := count + 1

	contentJSON, err := json.Marshal(blocks)
	if err != nil {
		return 0, err
	}
	if southBlocks == nil {
		southBlocks = json.RawMessage("null")
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (session_id, sequence, role, content_json, south_blocks_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, sequence, role, string(contentJSON), string(southBlocks), time.Now()); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET message_count = ? WHERE id = ?`, sequence, sessionID); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return sequence, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, sinceSequence, limit int) ([]Message, error) {
	query := `SELECT session_id, sequence, role, content_json, south_blocks_json, created_at FROM messages WHERE session_id = ?`
	args := []any{sessionID}
	if sinceSequence > 0 {
		query += " AND sequence > ?"
		args = append(args, sinceSequence)
	}
	query += " ORDER BY sequence ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var contentJSON, southJSON string
		if err := rows.Scan(&m.SessionID, &m.Sequence, &m.Role, &contentJSON, &southJSON, &m.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(contentJSON), &m.Content); err != nil {
			return nil, fmt.Errorf("decoding stored content for %s#%d: %w", sessionID, m.Sequence, err)
		}
		m.SouthBlocks = json.RawMessage(southJSON)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func checkRowsAffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
