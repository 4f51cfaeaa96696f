// ABOUTME: In-memory fan-out of engine changes to subscribers
// ABOUTME: Non-blocking publish; slow subscribers lose changes and should re-read a Snapshot

package reconcile

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// ChangeKind names the mutation that produced a Change.
type ChangeKind int

const (
	ChangeSeeded ChangeKind = iota
	ChangeAppended
	ChangeDelta
	ChangeFinalized
	ChangeAborted
	ChangeUnsynced
	ChangeResolved
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeSeeded:
		return "seeded"
	case ChangeAppended:
		return "appended"
	case ChangeDelta:
		return "delta"
	case ChangeFinalized:
		return "finalized"
	case ChangeAborted:
		return "aborted"
	case ChangeUnsynced:
		return "unsynced"
	case ChangeResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// Change describes one mutation of the visible sequence.
type Change struct {
	Kind ChangeKind
	// Index of the affected entry, -1 for ChangeSeeded.
	Index int
	// Entry is the affected entry after the mutation.
	Entry Entry
	// Fragment is the appended text for ChangeDelta.
	Fragment string
}

type feed struct {
	mu          sync.RWMutex
	subscribers map[string]chan Change
	done        chan struct{}
	closed      bool
	logger      *slog.Logger
}

func newFeed(logger *slog.Logger) *feed {
	return &feed{
		subscribers: make(map[string]chan Change),
		done:        make(chan struct{}),
		logger:      logger,
	}
}

// subscribe registers a subscriber, removed when ctx is cancelled or the feed closes.
func (f *feed) subscribe(ctx context.Context) <-chan Change {
	subID := uuid.New().String()
	ch := make(chan Change, subscriberBufferSize)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(ch)
		return ch
	}
	f.subscribers[subID] = ch
	f.mu.Unlock()

	f.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		select {
		case <-ctx.Done():
			f.unsubscribe(subID)
		case <-f.done:
		}
	}()

	return ch
}

func (f *feed) publish(c Change) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for subID, ch := range f.subscribers {
		select {
		case ch <- c:
		default:
			f.logger.Debug("dropped change for slow subscriber",
				"sub_id", subID,
				"kind", c.Kind.String())
		}
	}
}

func (f *feed) unsubscribe(subID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch, ok := f.subscribers[subID]
	if !ok {
		return
	}
	delete(f.subscribers, subID)
	close(ch)

	f.logger.Debug("subscriber removed", "sub_id", subID)
}

func (f *feed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	close(f.done)
	for subID, ch := range f.subscribers {
		close(ch)
		delete(f.subscribers, subID)
	}
}
