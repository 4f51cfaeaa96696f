// ABOUTME: Thread-safe sliding window of recently seen keys with TTL and size bound
// ABOUTME: Used to suppress repeated notifications within a short interval

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

const (
	DefaultTTL     = 30 * time.Second
	DefaultMaxSize = 1024
)

// Options configures a Window. Zero values take defaults.
type Options struct {
	TTL     time.Duration
	MaxSize int
	// SweepEvery is the background expiry interval. Defaults to TTL;
	// negative disables the background sweeper.
	SweepEvery time.Duration
	// Now is the clock, defaulting to time.Now.
	Now func() time.Time
}

type seenKey struct {
	key  string
	at   time.Time
	elem *list.Element
}

// Window remembers keys for TTL after they were last observed, holding at
// most MaxSize keys. Keys are kept in observation order so both eviction and
// expiry start from the oldest.
type Window struct {
	mu      sync.Mutex
	keys    map[string]*seenKey
	order   *list.List // *seenKey, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a Window and starts its sweeper unless disabled.
func New(opts Options) *Window {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.SweepEvery == 0 {
		opts.SweepEvery = opts.TTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	w := &Window{
		keys:    make(map[string]*seenKey),
		order:   list.New(),
		ttl:     opts.TTL,
		maxSize: opts.MaxSize,
		now:     opts.Now,
		done:    make(chan struct{}),
	}
	if opts.SweepEvery > 0 {
		go w.sweepLoop(opts.SweepEvery)
	}
	return w
}

// Seen reports whether key was observed within the TTL.
func (w *Window) Seen(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.liveLocked(key)
}

// Observe records key and reports whether it was already live, i.e. a duplicate.
// Checking and recording happen atomically.
func (w *Window) Observe(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	dup := w.liveLocked(key)
	w.touchLocked(key)
	return dup
}

// Forget removes key so its next observation is not a duplicate.
func (w *Window) Forget(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if k, ok := w.keys[key]; ok {
		w.removeLocked(k)
	}
}

// Len returns the number of remembered keys, expired ones included until swept.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.keys)
}

// Sweep drops expired keys and returns how many were removed.
func (w *Window) Sweep() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	removed := 0
	for front := w.order.Front(); front != nil; front = w.order.Front() {
		k := front.Value.(*seenKey)
		if now.Sub(k.at) < w.ttl {
			break
		}
		w.removeLocked(k)
		removed++
	}
	return removed
}

// Close stops the sweeper. Safe to call more than once.
func (w *Window) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		close(w.done)
		w.closed = true
	}
}

func (w *Window) liveLocked(key string) bool {
	k, ok := w.keys[key]
	return ok && w.now().Sub(k.at) < w.ttl
}

func (w *Window) touchLocked(key string) {
	now := w.now()
	if k, ok := w.keys[key]; ok {
		k.at = now
		w.order.MoveToBack(k.elem)
		return
	}

	if len(w.keys) >= w.maxSize {
		if front := w.order.Front(); front != nil {
			w.removeLocked(front.Value.(*seenKey))
		}
	}

	k := &seenKey{key: key, at: now}
	k.elem = w.order.PushBack(k)
	w.keys[key] = k
}

func (w *Window) removeLocked(k *seenKey) {
	w.order.Remove(k.elem)
	delete(w.keys, k.key)
}

func (w *Window) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.Sweep()
		case <-w.done:
			return
		}
	}
}
