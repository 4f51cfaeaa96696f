// ABOUTME: Per-key ownership gate ensuring at most one in-flight operation per key
// ABOUTME: Acquiring yields an explicit Token that must be released by its holder

package flight

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBusy indicates another operation already holds the key.
var ErrBusy = errors.New("operation already in flight")

// Token is proof of ownership of a key. Pass it to every step that requires
// the key to be held; release it exactly once when the operation ends.
type Token struct {
	gate     *Gate
	key      string
	id       uint64
	acquired time.Time
	once     sync.Once
}

// Key returns the key this token holds.
func (t *Token) Key() string {
	return t.key
}

// Held reports whether the token still owns its key.
func (t *Token) Held() bool {
	if t == nil {
		return false
	}
	return t.gate.holds(t)
}

// Release gives up ownership. Safe to call more than once.
func (t *Token) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() { t.gate.release(t) })
}

// Gate hands out at most one Token per key at a time.
type Gate struct {
	mu     sync.Mutex
	held   map[string]*Token
	nextID uint64
	logger *slog.Logger
}

// NewGate creates a Gate. Pass nil logger for default.
func NewGate(logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		held:   make(map[string]*Token),
		logger: logger.With("component", "flight"),
	}
}

// TryAcquire takes ownership of key, failing with ErrBusy when it is held.
func (g *Gate) TryAcquire(key string) (*Token, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cur, ok := g.held[key]; ok {
		g.logger.Debug("key busy", "key", key, "held_for", time.Since(cur.acquired))
		return nil, ErrBusy
	}

	g.nextID++
	t := &Token{gate: g, key: key, id: g.nextID, acquired: time.Now()}
	g.held[key] = t
	return t, nil
}

// Busy reports whether key is currently held.
func (g *Gate) Busy(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.held[key]
	return ok
}

// Len returns the number of held keys.
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.held)
}

func (g *Gate) holds(t *Token) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held[t.key] == t
}

func (g *Gate) release(t *Token) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.held[t.key] != t {
		return
	}
	delete(g.held, t.key)
}
