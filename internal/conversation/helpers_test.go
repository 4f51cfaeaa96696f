// ABOUTME: Test fixtures for the conversation package
// ABOUTME: Fake assistant streams, a flaky store wrapper and a service harness

package conversation

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/assistant"
	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/notify"
	"github.com/2389/coven-chat/internal/reconcile"
	"github.com/2389/coven-chat/internal/session"
	"github.com/2389/coven-chat/internal/sse"
	"github.com/2389/coven-chat/internal/store"
)

var (
	alice      = auth.Static{Principal: "alice", Credential: "tok-alice"}
	global     = session.Context{Type: session.ContextGlobal}
	errReset   = errors.New("connection reset by peer")
	errStorage = errors.New("disk I/O error")
)

// frames renders an event stream carrying parts, then the terminator.
func frames(t *testing.T, parts ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, p := range parts {
		require.NoError(t, sse.WriteDelta(&buf, p))
	}
	require.NoError(t, sse.WriteDone(&buf))
	return buf.Bytes()
}

// brokenBody yields data then fails instead of reaching EOF.
type brokenBody struct {
	r   *bytes.Reader
	err error
}

func (b *brokenBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if errors.Is(err, io.EOF) {
		return n, b.err
	}
	return n, err
}

func (b *brokenBody) Close() error { return nil }

// fakeStreamer records requests and answers with open.
type fakeStreamer struct {
	mu       sync.Mutex
	requests []assistant.Request
	open     func(req assistant.Request) (io.ReadCloser, error)
}

func replying(body []byte) *fakeStreamer {
	return &fakeStreamer{open: func(assistant.Request) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}}
}

func (f *fakeStreamer) Stream(_ context.Context, req assistant.Request) (io.ReadCloser, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.open(req)
}

func (f *fakeStreamer) Requests() []assistant.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]assistant.Request(nil), f.requests...)
}

// flakyStore fails assistant appends while failReplies is set.
type flakyStore struct {
	store.Store
	failReplies atomic.Bool
}

func (f *flakyStore) AppendMessage(ctx context.Context, sessionID string, role store.Role, content string) (*store.Message, error) {
	if role == store.RoleAssistant && f.failReplies.Load() {
		return nil, errStorage
	}
	return f.Store.AppendMessage(ctx, sessionID, role, content)
}

type harness struct {
	store    store.Store
	streamer *fakeStreamer
	notes    *notify.Recorder
	svc      *Service

	mu          sync.Mutex
	transitions []State
}

func newHarness(t *testing.T, st store.Store, identity auth.IdentityProvider, streamer *fakeStreamer) *harness {
	t.Helper()
	h := &harness{store: st, streamer: streamer, notes: &notify.Recorder{}}
	h.svc = New(Deps{
		Resolver: session.New(st, identity, nil),
		Messages: st,
		Streamer: streamer,
		Notifier: h.notes,
		OnTransition: func(_ session.Context, _, to State) {
			h.mu.Lock()
			h.transitions = append(h.transitions, to)
			h.mu.Unlock()
		},
	})
	t.Cleanup(h.svc.Close)
	return h
}

func (h *harness) Transitions() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]State(nil), h.transitions...)
}

func newSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func countPlaceholders(entries []reconcile.Entry) int {
	n := 0
	for _, e := range entries {
		if e.IsPlaceholder() {
			n++
		}
	}
	return n
}
