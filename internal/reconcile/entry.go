// ABOUTME: Visible message entries: persisted messages and the transient variants around them
// ABOUTME: Placeholder, failed and unsynced entries are identified by a Handle, not a store ID

package reconcile

import (
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/store"
)

// State tags which variant an Entry is.
type State int

const (
	// StatePersisted entries mirror a stored message.
	StatePersisted State = iota
	// StatePlaceholder is an assistant reply still being streamed.
	StatePlaceholder
	// StateFailed holds the partial content of an aborted stream.
	StateFailed
	// StateUnsynced holds a complete reply whose persistence failed.
	StateUnsynced
)

func (s State) String() string {
	switch s {
	case StatePersisted:
		return "persisted"
	case StatePlaceholder:
		return "placeholder"
	case StateFailed:
		return "failed"
	case StateUnsynced:
		return "unsynced"
	default:
		return "unknown"
	}
}

// Handle is the transient identity of a non-persisted entry.
type Handle string

const handlePrefix = "pending-"

func newHandle() Handle {
	return Handle(handlePrefix + uuid.New().String())
}

// Entry is one message in the visible sequence.
type Entry struct {
	// ID is the store ID for persisted entries and the Handle otherwise.
	ID        string
	SessionID string
	Role      store.Role
	Content   string
	CreatedAt time.Time
	State     State
	// Err is the failure cause for failed and unsynced entries.
	Err error
}

// IsPlaceholder reports whether the entry is still being streamed.
func (e Entry) IsPlaceholder() bool {
	return e.State == StatePlaceholder
}

// Local reports whether the entry exists only in memory.
func (e Entry) Local() bool {
	return e.State != StatePersisted
}

// Handle returns the transient identity of a local entry, or "" for persisted ones.
func (e Entry) Handle() Handle {
	if !e.Local() {
		return ""
	}
	return Handle(e.ID)
}

func fromMessage(m *store.Message) Entry {
	return Entry{
		ID:        m.ID,
		SessionID: m.SessionID,
		Role:      m.Role,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
		State:     StatePersisted,
	}
}
