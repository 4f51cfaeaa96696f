// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject per-operation failures

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Op names a Store operation for failure injection and call counting.
type Op string

const (
	OpFindLatestSession Op = "FindLatestSession"
	OpCreateSession     Op = "CreateSession"
	OpGetSession        Op = "GetSession"
	OpListSessions      Op = "ListSessions"
	OpAppendMessage     Op = "AppendMessage"
	OpListMessages      Op = "ListMessages"
	OpTouchSession      Op = "TouchSession"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session   // keyed by session ID
	order    []string              // session IDs in creation order
	messages map[string][]*Message // keyed by session ID
	failures map[Op]error
	calls    map[Op]int
	now      func() time.Time
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		sessions: make(map[string]*Session),
		messages: make(map[string][]*Message),
		failures: make(map[Op]error),
		calls:    make(map[Op]int),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// FailOn makes every subsequent call of op return err. Pass nil to clear.
func (m *MockStore) FailOn(op Op, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// Calls returns how many times op was invoked, failed calls included.
func (m *MockStore) Calls(op Op) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[op]
}

// SessionCount returns the number of stored sessions.
func (m *MockStore) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// SetClock overrides the time source used for message timestamps.
func (m *MockStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// enter records a call and returns the injected failure, if any. Must be
// called with mu held for writing.
func (m *MockStore) enter(op Op) error {
	m.calls[op]++
	if err := m.failures[op]; err != nil {
		return fmt.Errorf("mock %s: %w", op, err)
	}
	return nil
}

// FindLatestSession returns the most recently active session for the context.
func (m *MockStore) FindLatestSession(ctx context.Context, principalID, contextType, contextID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpFindLatestSession); err != nil {
		return nil, err
	}

	var latest *Session
	for _, id := range m.order {
		s := m.sessions[id]
		if s.PrincipalID != principalID || s.ContextType != contextType || s.ContextID != contextID {
			continue
		}
		// Later creations win ties, matching the SQLite rowid tie-break.
		if latest == nil || !s.LastActiveAt.Before(latest.LastActiveAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}

	result := *latest
	return &result, nil
}

// CreateSession stores a new session.
func (m *MockStore) CreateSession(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpCreateSession); err != nil {
		return err
	}

	if _, exists := m.sessions[session.ID]; exists {
		return fmt.Errorf("session %s already exists", session.ID)
	}

	// Make a copy to avoid external modification
	s := *session
	m.sessions[s.ID] = &s
	m.order = append(m.order, s.ID)
	return nil
}

// GetSession retrieves a session by ID.
func (m *MockStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpGetSession); err != nil {
		return nil, err
	}

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *s
	return &result, nil
}

// ListSessions returns a principal's sessions, most recently active first.
func (m *MockStore) ListSessions(ctx context.Context, principalID string, limit int) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpListSessions); err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = 50
	}

	var sessions []*Session
	for i := len(m.order) - 1; i >= 0; i-- {
		s := m.sessions[m.order[i]]
		if s.PrincipalID != principalID {
			continue
		}
		sessionCopy := *s
		sessions = append(sessions, &sessionCopy)
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].LastActiveAt.After(sessions[j].LastActiveAt)
	})

	if len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

// AppendMessage stores a message at the end of the session's log.
func (m *MockStore) AppendMessage(ctx context.Context, sessionID string, role Role, content string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpAppendMessage); err != nil {
		return nil, err
	}

	if !role.Valid() {
		return nil, fmt.Errorf("invalid role %q", role)
	}
	if _, ok := m.sessions[sessionID]; !ok {
		return nil, ErrSessionNotFound
	}

	createdAt := m.now()
	if log := m.messages[sessionID]; len(log) > 0 && createdAt.Before(log[len(log)-1].CreatedAt) {
		createdAt = log[len(log)-1].CreatedAt
	}
	msg := &Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: createdAt,
	}
	m.messages[sessionID] = append(m.messages[sessionID], msg)

	result := *msg
	return &result, nil
}

// ListMessages returns copies of the session's messages in insertion order.
func (m *MockStore) ListMessages(ctx context.Context, sessionID string) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpListMessages); err != nil {
		return nil, err
	}

	msgs := m.messages[sessionID]
	result := make([]*Message, len(msgs))
	for i, msg := range msgs {
		msgCopy := *msg
		result[i] = &msgCopy
	}
	return result, nil
}

// TouchSession updates the session's LastActiveAt.
func (m *MockStore) TouchSession(ctx context.Context, sessionID string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpTouchSession); err != nil {
		return err
	}

	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	s.LastActiveAt = ts
	return nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Store.
var _ Store = (*MockStore)(nil)

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)
