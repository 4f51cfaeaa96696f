// ABOUTME: Session resolution: find the current session for a conversation context or create one
// ABOUTME: Lookup always precedes create; concurrent resolves for one key are collapsed

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/store"
)

// ContextGlobal is the context type used when none is given.
const ContextGlobal = "global"

// resolveTimeout bounds a shared lookup-then-create flight. The flight runs
// detached from any single caller so one caller leaving does not fail the rest.
const resolveTimeout = 10 * time.Second

// Context identifies what a conversation is about.
type Context struct {
	Type string // free-form category, e.g. "global" or "project"
	ID   string // specific entity, empty for none
}

// Normalize fills in the default context type.
func (c Context) Normalize() Context {
	if c.Type == "" {
		c.Type = ContextGlobal
	}
	return c
}

// Key returns a stable key for the context, used for single-flight gating.
func (c Context) Key() string {
	c = c.Normalize()
	if c.ID == "" {
		return c.Type
	}
	return c.Type + ":" + c.ID
}

func (c Context) String() string {
	return c.Key()
}

// Resolver finds or creates the current session for a context.
type Resolver struct {
	store    store.SessionStore
	identity auth.IdentityProvider
	group    singleflight.Group
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a Resolver. Pass nil logger for default.
func New(sessions store.SessionStore, identity auth.IdentityProvider, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:    sessions,
		identity: identity,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With("component", "session"),
	}
}

// Resolve returns the most recently active session for c, creating one when
// none exists. It fails with auth.ErrUnauthenticated, without touching the
// store, when no principal is available.
func (r *Resolver) Resolve(ctx context.Context, c Context) (*store.Session, error) {
	principal, ok := r.identity.CurrentPrincipal(ctx)
	if !ok {
		return nil, auth.ErrUnauthenticated
	}
	c = c.Normalize()

	key := principal + "\x00" + c.Key()
	flight := r.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
		defer cancel()
		return r.findOrCreate(fctx, principal, c)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("resolving session: %w", ctx.Err())
	case res = <-flight:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	if res.Shared {
		r.logger.Debug("resolve shared with concurrent caller", "context", c.Key())
	}

	// Callers sharing a flight must not alias the same struct.
	session := *res.Val.(*store.Session)
	return &session, nil
}

// Lookup returns the current session for c without creating one.
// Returns store.ErrNotFound when there is none.
func (r *Resolver) Lookup(ctx context.Context, c Context) (*store.Session, error) {
	principal, ok := r.identity.CurrentPrincipal(ctx)
	if !ok {
		return nil, auth.ErrUnauthenticated
	}
	c = c.Normalize()

	s, err := r.store.FindLatestSession(ctx, principal, c.Type, c.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("looking up session: %w", err)
	}
	return s, nil
}

// List returns the caller's sessions, most recently active first.
func (r *Resolver) List(ctx context.Context, limit int) ([]*store.Session, error) {
	principal, ok := r.identity.CurrentPrincipal(ctx)
	if !ok {
		return nil, auth.ErrUnauthenticated
	}
	sessions, err := r.store.ListSessions(ctx, principal, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return sessions, nil
}

func (r *Resolver) findOrCreate(ctx context.Context, principal string, c Context) (*store.Session, error) {
	existing, err := r.store.FindLatestSession(ctx, principal, c.Type, c.ID)
	if err == nil {
		r.logger.Debug("found existing session", "session_id", existing.ID, "context", c.Key())
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up session: %w", err)
	}

	now := r.now()
	created := &store.Session{
		ID:           uuid.New().String(),
		PrincipalID:  principal,
		ContextType:  c.Type,
		ContextID:    c.ID,
		StartedAt:    now,
		LastActiveAt: now,
	}
	if err := r.store.CreateSession(ctx, created); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	r.logger.Info("session created", "session_id", created.ID, "context", c.Key())
	return created, nil
}
