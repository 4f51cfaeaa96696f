// ABOUTME: Send-message orchestration for a single conversation context
// ABOUTME: Resolve, persist user message, stream into a placeholder, persist reply, touch session

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/2389/coven-chat/internal/assistant"
	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/flight"
	"github.com/2389/coven-chat/internal/notify"
	"github.com/2389/coven-chat/internal/reconcile"
	"github.com/2389/coven-chat/internal/session"
	"github.com/2389/coven-chat/internal/sse"
	"github.com/2389/coven-chat/internal/store"
)

// Conversation is the chat for one context.
type Conversation struct {
	svc *Service
	ctx session.Context
	// key gates operations; it includes the principal when bound to one.
	key       string
	principal string
	engine    *reconcile.Engine
	logger    *slog.Logger

	mu      sync.Mutex
	state   State
	session *store.Session
}

// Result is a completed exchange.
type Result struct {
	Session          *store.Session
	UserMessage      *store.Message
	AssistantMessage *store.Message
}

// exchange carries one send through its steps. Holding it means holding the
// context's flight token.
type exchange struct {
	token   *flight.Token
	text    string
	session *store.Session
	user    *store.Message
	handle  reconcile.Handle
	reply   strings.Builder
}

// Context returns the conversation's context.
func (c *Conversation) Context() session.Context {
	return c.ctx
}

// State returns the phase of the running operation.
func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns the last resolved session, or nil.
func (c *Conversation) Session() *store.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	s := *c.session
	return &s
}

// Messages returns a snapshot of the visible sequence.
func (c *Conversation) Messages() []reconcile.Entry {
	return c.engine.Snapshot()
}

// Subscribe streams changes of the visible sequence until ctx ends.
func (c *Conversation) Subscribe(ctx context.Context) <-chan reconcile.Change {
	return c.engine.Subscribe(ctx)
}

// Send sends text and reconciles the reply. Whitespace-only text is ignored
// and returns (nil, nil) without touching the session, the store or the network.
func (c *Conversation) Send(ctx context.Context, text string) (*Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	token, err := c.svc.gate.TryAcquire(c.key)
	if err != nil {
		c.notify(ctx, err)
		return nil, err
	}
	defer token.Release()

	x := &exchange{token: token, text: text}
	res, err := c.send(ctx, x)
	if err != nil {
		c.fail(ctx, err)
		return nil, err
	}
	c.transition(StateIdle)
	return res, nil
}

func (c *Conversation) send(ctx context.Context, x *exchange) (*Result, error) {
	c.transition(StateResolving)
	if err := c.resolve(ctx, x); err != nil {
		return nil, err
	}

	c.transition(StatePersistingUser)
	if err := c.persistUser(ctx, x); err != nil {
		return nil, err
	}

	c.transition(StateStreaming)
	if err := c.stream(ctx, x); err != nil {
		return nil, err
	}

	c.transition(StatePersistingAssistant)
	reply, err := c.persistReply(ctx, x)
	if err != nil {
		return nil, err
	}

	c.touch(ctx, x)

	return &Result{Session: x.session, UserMessage: x.user, AssistantMessage: reply}, nil
}

// resolve finds or creates the session. Nothing is visible yet, so failure leaves no trace.
func (c *Conversation) resolve(ctx context.Context, x *exchange) error {
	sess, err := c.svc.deps.Resolver.Resolve(ctx, c.ctx)
	if err != nil {
		kind := KindSession
		if errors.Is(err, auth.ErrUnauthenticated) {
			kind = KindUnauthenticated
		}
		return &Error{Kind: kind, Op: OpResolve, Err: err}
	}
	if err := c.owns(sess); err != nil {
		return &Error{Kind: KindUnauthenticated, Op: OpResolve, Err: err}
	}

	x.session = sess
	c.remember(sess)
	return nil
}

// persistUser stores the user message before showing it, so a failed append is never visible.
func (c *Conversation) persistUser(ctx context.Context, x *exchange) error {
	msg, err := c.svc.deps.Messages.AppendMessage(ctx, x.session.ID, store.RoleUser, x.text)
	if err != nil {
		return &Error{Kind: KindPersistence, Op: OpPersistUser, Err: err}
	}
	x.user = msg
	c.engine.AppendUser(msg)

	c.logger.Debug("user message recorded",
		"session_id", x.session.ID,
		"message_id", msg.ID)
	return nil
}

// stream opens the placeholder and the assistant stream and applies every delta.
// On failure the placeholder is aborted with whatever arrived.
func (c *Conversation) stream(ctx context.Context, x *exchange) error {
	handle, err := c.engine.OpenPlaceholder(x.session.ID)
	if err != nil {
		return &Error{Kind: KindStream, Op: OpStream, Err: err}
	}
	x.handle = handle

	body, err := c.svc.deps.Streamer.Stream(ctx, assistant.Request{
		Message:     x.text,
		SessionID:   x.session.ID,
		ContextType: c.ctx.Type,
		ContextID:   c.ctx.ID,
	})
	if err != nil {
		kind := KindStream
		if errors.Is(err, auth.ErrUnauthenticated) {
			kind = KindUnauthenticated
		}
		return c.abort(x, &Error{Kind: kind, Op: OpStream, Err: err})
	}
	defer body.Close()

	deltas := 0
	for ev, err := range sse.Decode(ctx, body, c.svc.deps.Logger) {
		if err != nil {
			c.logger.Warn("stream interrupted",
				"session_id", x.session.ID,
				"deltas", deltas,
				"error", err)
			return c.abort(x, &Error{Kind: KindStream, Op: OpStream, Err: err})
		}
		if err := c.engine.ApplyDelta(x.handle, ev.Content); err != nil {
			return c.abort(x, &Error{Kind: KindStream, Op: OpStream, Err: err})
		}
		x.reply.WriteString(ev.Content)
		deltas++
	}

	c.logger.Debug("stream complete",
		"session_id", x.session.ID,
		"deltas", deltas,
		"reply_len", x.reply.Len())
	return nil
}

func (c *Conversation) abort(x *exchange, cause *Error) error {
	if _, err := c.engine.Abort(x.handle, cause); err != nil {
		c.logger.Error("failed to abort placeholder", "handle", string(x.handle), "error", err)
	}
	return cause
}

// persistReply stores the streamed reply with a detached timeout context, so a
// caller that went away does not lose a reply that already arrived.
func (c *Conversation) persistReply(ctx context.Context, x *exchange) (*store.Message, error) {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.svc.deps.PersistTimeout)
	defer cancel()

	msg, err := c.svc.deps.Messages.AppendMessage(saveCtx, x.session.ID, store.RoleAssistant, x.reply.String())
	if err != nil {
		cerr := &Error{Kind: KindPersistence, Op: OpPersistReply, Err: err}
		if _, uerr := c.engine.MarkUnsynced(x.handle, cerr); uerr != nil {
			c.logger.Error("failed to mark reply unsynced", "handle", string(x.handle), "error", uerr)
		}
		return nil, cerr
	}

	if err := c.engine.Finalize(x.handle, msg); err != nil {
		return nil, fmt.Errorf("finalizing reply: %w", err)
	}

	c.logger.Debug("reply recorded",
		"session_id", x.session.ID,
		"message_id", msg.ID)
	return msg, nil
}

// touch updates the session's activity time. The exchange is complete either
// way, so failure is only logged.
func (c *Conversation) touch(ctx context.Context, x *exchange) {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.svc.deps.PersistTimeout)
	defer cancel()

	now := c.svc.now()
	if err := c.svc.deps.Messages.TouchSession(saveCtx, x.session.ID, now); err != nil {
		c.logger.Error("failed to touch session",
			"session_id", x.session.ID,
			"error", err)
		return
	}
	x.session.LastActiveAt = now
	c.remember(x.session)
}

// remember records a copy of sess as the conversation's current session.
func (c *Conversation) remember(sess *store.Session) {
	cp := *sess
	c.mu.Lock()
	c.session = &cp
	c.mu.Unlock()
}

// Load shows the persisted history of the context's current session. It
// never creates a session; with none, the sequence is left as it is.
func (c *Conversation) Load(ctx context.Context) error {
	token, err := c.svc.gate.TryAcquire(c.key)
	if err != nil {
		c.notify(ctx, err)
		return err
	}
	defer token.Release()

	if err := c.load(ctx); err != nil {
		c.fail(ctx, err)
		return err
	}
	return nil
}

func (c *Conversation) load(ctx context.Context) error {
	sess, err := c.svc.deps.Resolver.Lookup(ctx, c.ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		kind := KindSession
		if errors.Is(err, auth.ErrUnauthenticated) {
			kind = KindUnauthenticated
		}
		return &Error{Kind: kind, Op: OpLoad, Err: err}
	}

	if err := c.owns(sess); err != nil {
		return &Error{Kind: KindUnauthenticated, Op: OpLoad, Err: err}
	}

	msgs, err := c.svc.deps.Messages.ListMessages(ctx, sess.ID)
	if err != nil {
		return &Error{Kind: KindPersistence, Op: OpLoad, Err: err}
	}
	if err := c.engine.Seed(sess.ID, msgs); err != nil {
		return &Error{Kind: KindSession, Op: OpLoad, Err: err}
	}

	c.remember(sess)

	c.logger.Debug("history loaded", "session_id", sess.ID, "messages", len(msgs))
	return nil
}

// Resync stores replies that streamed fully but could not be saved, and
// returns how many were stored. It stops at the first failure.
func (c *Conversation) Resync(ctx context.Context) (int, error) {
	token, err := c.svc.gate.TryAcquire(c.key)
	if err != nil {
		c.notify(ctx, err)
		return 0, err
	}
	defer token.Release()

	synced := 0
	for _, entry := range c.engine.Unsynced() {
		msg, err := c.svc.deps.Messages.AppendMessage(ctx, entry.SessionID, entry.Role, entry.Content)
		if err != nil {
			cerr := &Error{Kind: KindPersistence, Op: OpResync, Err: err}
			c.fail(ctx, cerr)
			return synced, cerr
		}
		if err := c.engine.Resolve(entry.Handle(), msg); err != nil {
			c.logger.Error("failed to resolve unsynced reply", "handle", string(entry.Handle()), "error", err)
			continue
		}
		synced++
		c.logger.Info("unsynced reply stored", "session_id", entry.SessionID, "message_id", msg.ID)
	}
	return synced, nil
}

// owns rejects a session resolved for a principal other than the one the
// conversation is bound to.
func (c *Conversation) owns(sess *store.Session) error {
	if c.principal == "" || sess.PrincipalID == c.principal {
		return nil
	}
	return fmt.Errorf("%w: conversation of %q, caller %q", ErrPrincipalMismatch, c.principal, sess.PrincipalID)
}

func (c *Conversation) transition(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()

	if from == to {
		return
	}
	c.logger.Debug("state", "from", from.String(), "to", to.String())
	if hook := c.svc.deps.OnTransition; hook != nil {
		hook(c.ctx, from, to)
	}
}

// fail surfaces err: one notification, then back to idle.
func (c *Conversation) fail(ctx context.Context, err error) {
	c.transition(StateErrored)
	c.logger.Warn("operation failed", "error", err)
	c.notify(ctx, err)
	c.transition(StateIdle)
}

func (c *Conversation) notify(ctx context.Context, err error) {
	severity := notify.SeverityError
	if errors.Is(err, ErrBusy) {
		severity = notify.SeverityWarning
	}
	c.svc.deps.Notifier.Notify(ctx, notify.Notification{
		Severity: severity,
		Message:  UserMessage(err),
	})
}
