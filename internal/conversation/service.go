// ABOUTME: Conversation service wiring session resolution, storage and the assistant stream
// ABOUTME: Hands out one Conversation per context and gates operations per context key

package conversation

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-chat/internal/assistant"
	"github.com/2389/coven-chat/internal/flight"
	"github.com/2389/coven-chat/internal/notify"
	"github.com/2389/coven-chat/internal/reconcile"
	"github.com/2389/coven-chat/internal/session"
	"github.com/2389/coven-chat/internal/store"
)

// DefaultPersistTimeout bounds storage calls made after the stream, which run
// detached from the caller's context.
const DefaultPersistTimeout = 5 * time.Second

// SessionResolver defines what the service needs from session resolution.
type SessionResolver interface {
	Resolve(ctx context.Context, c session.Context) (*store.Session, error)
	Lookup(ctx context.Context, c session.Context) (*store.Session, error)
}

// Streamer opens the assistant's response stream.
type Streamer interface {
	Stream(ctx context.Context, req assistant.Request) (io.ReadCloser, error)
}

// Deps are the collaborators of a Service.
type Deps struct {
	Resolver SessionResolver
	Messages store.MessageStore
	Streamer Streamer
	// Notifier receives one notification per failure. Defaults to notify.Nop.
	Notifier notify.Notifier
	Logger   *slog.Logger
	// PersistTimeout defaults to DefaultPersistTimeout.
	PersistTimeout time.Duration
	// OnTransition, when set, observes every state change.
	OnTransition func(c session.Context, from, to State)
}

// Service manages the conversations of one client.
type Service struct {
	deps   Deps
	gate   *flight.Gate
	now    func() time.Time
	logger *slog.Logger

	mu    sync.Mutex
	convs map[string]*Conversation
}

// New creates a Service.
func New(deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.PersistTimeout <= 0 {
		deps.PersistTimeout = DefaultPersistTimeout
	}
	return &Service{
		deps:   deps,
		gate:   flight.NewGate(deps.Logger),
		now:    func() time.Time { return time.Now().UTC() },
		logger: deps.Logger.With("component", "conversation"),
		convs:  make(map[string]*Conversation),
	}
}

// Conversation returns the conversation for c, creating it on first use.
// It is not bound to a principal: use it when the Service serves one user,
// as a terminal client does. Services shared by several principals use
// ConversationFor.
func (s *Service) Conversation(c session.Context) *Conversation {
	return s.ConversationFor("", c)
}

// ConversationFor returns principal's conversation for c. Conversations of
// different principals never share messages or contend for the same key, and
// an operation whose caller resolves to another principal fails with
// ErrPrincipalMismatch.
func (s *Service) ConversationFor(principal string, c session.Context) *Conversation {
	c = c.Normalize()
	key := c.Key()
	if principal != "" {
		key = principal + "\x00" + key
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if conv, ok := s.convs[key]; ok {
		return conv
	}
	logger := s.logger.With("context", c.Key())
	if principal != "" {
		logger = logger.With("principal", principal)
	}
	conv := &Conversation{
		svc:       s,
		ctx:       c,
		key:       key,
		principal: principal,
		engine:    reconcile.New(s.deps.Logger),
		logger:    logger,
	}
	s.convs[key] = conv
	s.logger.Debug("conversation opened", "context", c.Key(), "principal", principal)
	return conv
}

// Close releases all conversations and their subscribers.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, conv := range s.convs {
		conv.engine.Close()
		delete(s.convs, key)
	}
}
