// ABOUTME: Store interfaces and data types for chat session persistence
// ABOUTME: Defines Session, Message and the append-only contracts the engine depends on

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrSessionNotFound is returned when appending to or touching an unknown session
var ErrSessionNotFound = errors.New("session not found")

// Role identifies who authored a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Session is a logical conversation scoped to a context and owned by a principal.
type Session struct {
	ID           string
	PrincipalID  string
	ContextType  string
	ContextID    string // empty when the conversation is not tied to an entity
	StartedAt    time.Time
	LastActiveAt time.Time
}

// Message is a persisted chat message. Messages belong to exactly one session.
type Message struct {
	ID        string
	SessionID string
	Role      Role
	Content   string
	CreatedAt time.Time
}

// SessionStore persists session metadata.
type SessionStore interface {
	// FindLatestSession returns the most recently active session for the
	// context, or ErrNotFound.
	FindLatestSession(ctx context.Context, principalID, contextType, contextID string) (*Session, error)
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	// ListSessions returns the principal's sessions, most recently active first.
	ListSessions(ctx context.Context, principalID string, limit int) ([]*Session, error)
}

// MessageStore is the append-only message log. A failed call must not
// partially apply: a failed append never shows up in ListMessages.
type MessageStore interface {
	AppendMessage(ctx context.Context, sessionID string, role Role, content string) (*Message, error)
	// ListMessages returns the session's messages ascending by creation time.
	ListMessages(ctx context.Context, sessionID string) ([]*Message, error)
	TouchSession(ctx context.Context, sessionID string, ts time.Time) error
}

// Store combines session and message persistence.
type Store interface {
	SessionStore
	MessageStore

	// Close releases any resources held by the store
	Close() error
}
