package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/m4xw311/acp2/content"
)

// PostgresStore implements Store on github.com/jackc/pgx/v5, for
// deployments that already run Postgres and would rather not add a second
// storage engine alongside it.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres opens dsn (a postgres:// connection string) and runs
// migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			agent_name TEXT NOT NULL,
			south_session_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			created_at TIMESTAMPTZ NOT NULL,
			last_active_at TIMESTAMPTZ NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
		`CREATE TABLE IF NOT EXISTS messages (
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			sequence INTEGER NOT NULL,
			role TEXT NOT NULL,
			content_json TEXT NOT NULL,
			south_blocks_json TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
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

func (s *PostgresStore) CreateSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, agent_name, south_session_id, status, created_at, last_active_at, message_count)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sess.ID, sess.AgentName, sess.SouthSessionID, sess.Status, sess.CreatedAt, sess.LastActiveAt, sess.MessageCount)
	return err
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (Session, error) {
	var sess Session
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_name, south_session_id, status, created_at, last_active_at, message_count
		 FROM sessions WHERE id = $1`, id)
	if err := row.Scan(&sess.ID, &sess.AgentName, &sess.SouthSessionID, &sess.Status,
		&sess.CreatedAt, &sess.LastActiveAt, &sess.MessageCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	return sess, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, filter SessionFilter, page Pagination) ([]Session, error) {
	query := `SELECT id, agent_name, south_session_id, status, created_at, last_active_at, message_count FROM sessions`

	var where []string
	var args []any
	if filter.AgentName != "" {
		args = append(args, filter.AgentName)
		where = append(where, fmt.Sprintf("agent_name = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY last_active_at DESC"
	if page.Limit > 0 {
		args = append(args, page.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
		if page.Offset > 0 {
			args = append(args, page.Offset)
			query += fmt.Sprintf(" OFFSET $%d", len(args))
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

func (s *PostgresStore) UpdateSouthSessionID(ctx context.Context, id, southSessionID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET south_session_id = $1 WHERE id = $2`, southSessionID, id)
	return checkRowsAffected(res, err)
}

func (s *PostgresStore) SetStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = $1 WHERE id = $2`, status, id)
	return checkRowsAffected(res, err)
}

func (s *PostgresStore) Touch(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_active_at = $1 WHERE id = $2`, at, id)
	return checkRowsAffected(res, err)
}

func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	return checkRowsAffected(res, err)
}

func (s *PostgresStore) AppendMessage(ctx context.Context, sessionID, role string, blocks content.Blocks, southBlocks json.RawMessage) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT message_count FROM sessions WHERE id = $1 FOR UPDATE`, sessionID).Scan(&count); err != nil {
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
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		sessionID, sequence, role, string(contentJSON), string(southBlocks), time.Now()); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET message_count = $1 WHERE id = $2`, sequence, sessionID); err != nil {
		return 0, err
	}

	return sequence, tx.Commit()
}

func (s *PostgresStore) ListMessages(ctx context.Context, sessionID string, sinceSequence, limit int) ([]Message, error) {
	query := `SELECT session_id, sequence, role, content_json, south_blocks_json, created_at FROM messages WHERE session_id = $1`
	args := []any{sessionID}
	if sinceSequence > 0 {
		args = append(args, sinceSequence)
		query += fmt.Sprintf(" AND sequence > $%d", len(args))
	}
	query += " ORDER BY sequence ASC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
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

func (s *PostgresStore) Close() error { return s.db.Close() }
