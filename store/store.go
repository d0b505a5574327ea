// Package store implements the Session Store: durable sessions and
// messages tables that survive process restarts and let a session be
// re-bound to a freshly spawned Agent Process. Two backends are provided:
// SQLite (the default) and Postgres (selected via a postgres:// DSN).
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/m4xw311/acp2/content"
)

// Session status values, per spec.md §3.
const (
	StatusActive     = "active"
	StatusIdle       = "idle"
	StatusTerminated = "terminated"
)

// Session is the persisted row for one north-side session.
type Session struct {
	ID             string    `json:"id"`
	AgentName      string    `json:"agent_name"`
	SouthSessionID string    `json:"south_session_id,omitempty"` // empty until the first session/new succeeds
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	LastActiveAt   time.Time `json:"last_active_at"`
	MessageCount   int       `json:"message_count"`
}

// Message is one persisted turn in a session's history, keeping both the
// typed content blocks and their exact south-side wire shape: for a user
// turn, the prompt array sent in session/prompt; for an agent turn, the
// session/update content payloads received during that prompt.
type Message struct {
	SessionID   string          `json:"session_id"`
	Sequence    int             `json:"sequence"`
	Role        string          `json:"role"` // "user" or "agent"
	Content     content.Blocks  `json:"content"`
	SouthBlocks json.RawMessage `json:"south_blocks,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// SessionFilter narrows ListSessions to sessions matching every non-empty
// field; an empty field imposes no constraint on that dimension, per
// spec.md §4.4's `list_sessions(filter {agent_name?, status?}, pagination)`.
type SessionFilter struct {
	AgentName string
	Status    string
}

// Pagination bounds a list operation's result set. Limit <= 0 means "no
// limit"; Offset <= 0 means "from the start". Offset is applied only
// together with a positive Limit: with Limit <= 0 every matching row is
// returned from the start, whatever Offset is.
type Pagination struct {
	Limit  int
	Offset int
}

// Store is the persistence contract the rest of the bridge depends on.
// Concurrent AppendMessage calls for the same session_id must be
// serialized so that Sequence stays dense and strictly increasing (see
// runmanager's per-session run lock, which arranges this for runs).
type Store interface {
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	ListSessions(ctx context.Context, filter SessionFilter, page Pagination) ([]Session, error)
	UpdateSouthSessionID(ctx context.Context, id, southSessionID string) error
	SetStatus(ctx context.Context, id, status string) error
	Touch(ctx context.Context, id string, at time.Time) error
	DeleteSession(ctx context.Context, id string) error

	AppendMessage(ctx context.Context, sessionID, role string, blocks content.Blocks, southBlocks json.RawMessage) (sequence int, err error)
	// ListMessages returns sessionID's messages in ascending sequence
	// order. sinceSequence <= 0 returns from the beginning; limit <= 0
	// returns every matching message, per spec.md §4.4's
	// `list_messages(session_id, since_sequence?, limit?)`.
	ListMessages(ctx context.Context, sessionID string, sinceSequence, limit int) ([]Message, error)

	Close() error
}

// ErrNotFound is returned by GetSession/DeleteSession when the id is
// unknown. Callers translate it to apperr.KindNotFound.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "not found" }
