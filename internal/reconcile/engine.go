// ABOUTME: Reconciliation engine owning the visible, ordered message sequence of a conversation
// ABOUTME: Merges streamed deltas into a placeholder and swaps it for the persisted reply

package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/2389/coven-chat/internal/store"
)

var (
	// ErrPlaceholderOpen indicates a placeholder already exists.
	ErrPlaceholderOpen = errors.New("placeholder already open")

	// ErrUnknownHandle indicates the handle does not name an entry in the required state.
	ErrUnknownHandle = errors.New("unknown handle")
)

// Engine holds the authoritative in-memory sequence for one conversation.
// It is the only mutator of that sequence; it is safe for concurrent use.
type Engine struct {
	mu          sync.RWMutex
	entries     []Entry
	placeholder Handle
	now         func() time.Time
	feed        *feed
	logger      *slog.Logger
}

// New creates an empty Engine. Pass nil logger for default.
func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "reconcile")
	return &Engine{
		now:    func() time.Time { return time.Now().UTC() },
		feed:   newFeed(logger),
		logger: logger,
	}
}

// Seed replaces the sequence with the persisted history of sessionID.
// Local entries of the same session that the history does not contain
// (failed and unsynced replies) are kept after the entry they followed,
// so nothing previously visible disappears on reload.
// Fails with ErrPlaceholderOpen while a reply is streaming.
func (e *Engine) Seed(sessionID string, messages []*store.Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.placeholder != "" {
		return ErrPlaceholderOpen
	}

	// Anchor each local entry to the persisted entry preceding it.
	type local struct {
		anchor string
		entry  Entry
	}
	var locals []local
	anchor := ""
	for _, entry := range e.entries {
		if !entry.Local() {
			anchor = entry.ID
			continue
		}
		if entry.SessionID == sessionID {
			locals = append(locals, local{anchor: anchor, entry: entry})
		}
	}

	seeded := make(map[string]bool, len(messages))
	for _, m := range messages {
		seeded[m.ID] = true
	}
	placeAfter := func(next []Entry, anchor string) []Entry {
		for _, l := range locals {
			if l.anchor == anchor {
				next = append(next, l.entry)
			}
		}
		return next
	}

	next := make([]Entry, 0, len(messages)+len(locals))
	next = placeAfter(next, "")
	for _, m := range messages {
		next = append(next, fromMessage(m))
		next = placeAfter(next, m.ID)
	}
	// Entries whose anchor is gone from the history go last.
	for _, l := range locals {
		if l.anchor != "" && !seeded[l.anchor] {
			next = append(next, l.entry)
		}
	}

	e.entries = next
	e.logger.Debug("seeded", "session_id", sessionID, "messages", len(messages), "entries", len(next))
	e.feed.publish(Change{Kind: ChangeSeeded, Index: -1})
	return nil
}

// AppendUser appends a persisted message and returns its index.
func (e *Engine) AppendUser(m *store.Message) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry := fromMessage(m)
	e.entries = append(e.entries, entry)
	idx := len(e.entries) - 1
	e.feed.publish(Change{Kind: ChangeAppended, Index: idx, Entry: entry})
	return idx
}

// OpenPlaceholder appends an empty assistant placeholder for sessionID.
func (e *Engine) OpenPlaceholder(sessionID string) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.placeholder != "" {
		return "", ErrPlaceholderOpen
	}

	h := newHandle()
	entry := Entry{
		ID:        string(h),
		SessionID: sessionID,
		Role:      store.RoleAssistant,
		CreatedAt: e.now(),
		State:     StatePlaceholder,
	}
	e.entries = append(e.entries, entry)
	e.placeholder = h

	idx := len(e.entries) - 1
	e.feed.publish(Change{Kind: ChangeAppended, Index: idx, Entry: entry})
	return h, nil
}

// ApplyDelta appends fragment to the placeholder's content.
func (e *Engine) ApplyDelta(h Handle, fragment string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx, err := e.placeholderIndex(h)
	if err != nil {
		return err
	}
	if fragment == "" {
		return nil
	}

	e.entries[idx].Content += fragment
	e.feed.publish(Change{Kind: ChangeDelta, Index: idx, Entry: e.entries[idx], Fragment: fragment})
	return nil
}

// Finalize replaces the placeholder with its persisted counterpart at the same position.
func (e *Engine) Finalize(h Handle, m *store.Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx, err := e.placeholderIndex(h)
	if err != nil {
		return err
	}

	e.entries[idx] = fromMessage(m)
	e.placeholder = ""
	e.feed.publish(Change{Kind: ChangeFinalized, Index: idx, Entry: e.entries[idx]})
	return nil
}

// Abort turns the placeholder into a failed entry that keeps the content
// received so far.
func (e *Engine) Abort(h Handle, cause error) (Entry, error) {
	return e.close(h, StateFailed, ChangeAborted, cause)
}

// MarkUnsynced turns the placeholder into an unsynced entry: the reply is
// complete but not yet stored.
func (e *Engine) MarkUnsynced(h Handle, cause error) (Entry, error) {
	return e.close(h, StateUnsynced, ChangeUnsynced, cause)
}

func (e *Engine) close(h Handle, state State, kind ChangeKind, cause error) (Entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx, err := e.placeholderIndex(h)
	if err != nil {
		return Entry{}, err
	}

	e.entries[idx].State = state
	e.entries[idx].Err = cause
	e.placeholder = ""

	e.logger.Debug("placeholder closed",
		"handle", string(h),
		"state", state.String(),
		"content_len", len(e.entries[idx].Content))
	e.feed.publish(Change{Kind: kind, Index: idx, Entry: e.entries[idx]})
	return e.entries[idx], nil
}

// Resolve replaces an unsynced entry with its persisted counterpart.
func (e *Engine) Resolve(h Handle, m *store.Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx := e.indexOf(h)
	if idx < 0 || e.entries[idx].State != StateUnsynced {
		return ErrUnknownHandle
	}

	e.entries[idx] = fromMessage(m)
	e.feed.publish(Change{Kind: ChangeResolved, Index: idx, Entry: e.entries[idx]})
	return nil
}

// Snapshot returns a copy of the visible sequence.
func (e *Engine) Snapshot() []Entry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.entries)
}

// Placeholder returns the open placeholder, if any.
func (e *Engine) Placeholder() (Entry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.placeholder == "" {
		return Entry{}, false
	}
	return e.entries[e.indexOf(e.placeholder)], true
}

// Unsynced returns the entries awaiting persistence, in sequence order.
func (e *Engine) Unsynced() []Entry {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []Entry
	for _, entry := range e.entries {
		if entry.State == StateUnsynced {
			out = append(out, entry)
		}
	}
	return out
}

// Len returns the number of visible entries.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.entries)
}

// Subscribe returns a channel of changes, closed when ctx ends or the engine closes.
func (e *Engine) Subscribe(ctx context.Context) <-chan Change {
	return e.feed.subscribe(ctx)
}

// Close closes all subscriber channels.
func (e *Engine) Close() {
	e.feed.close()
}

func (e *Engine) placeholderIndex(h Handle) (int, error) {
	if h == "" || h != e.placeholder {
		return -1, ErrUnknownHandle
	}
	idx := e.indexOf(h)
	if idx < 0 {
		return -1, ErrUnknownHandle
	}
	return idx, nil
}

func (e *Engine) indexOf(h Handle) int {
	return slices.IndexFunc(e.entries, func(entry Entry) bool {
		return entry.Local() && entry.ID == string(h)
	})
}
