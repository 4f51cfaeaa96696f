// ABOUTME: Tests for the send-message orchestration
// ABOUTME: Covers the happy path, no-op input, every failure step, single flight, reload and resync

package conversation

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/assistant"
	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/notify"
	"github.com/2389/coven-chat/internal/reconcile"
	"github.com/2389/coven-chat/internal/session"
	"github.com/2389/coven-chat/internal/sse"
	"github.com/2389/coven-chat/internal/store"
)

func TestSend_HelloHiThere(t *testing.T) {
	st := newSQLiteStore(t)
	h := newHarness(t, st, alice, replying(frames(t, "Hi", " there")))
	ctx := context.Background()

	conv := h.svc.Conversation(session.Context{})
	res, err := conv.Send(ctx, "Hello")
	require.NoError(t, err)
	require.NotNil(t, res)

	sessions, err := st.ListSessions(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, sessions[0].ID, res.Session.ID)
	assert.Equal(t, "global", sessions[0].ContextType)
	assert.Empty(t, sessions[0].ContextID)

	msgs, err := st.ListMessages(ctx, res.Session.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Equal(t, "Hello", msgs[0].Content)
	assert.Equal(t, store.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hi there", msgs[1].Content)

	assert.Equal(t, msgs[0].ID, res.UserMessage.ID)
	assert.Equal(t, msgs[1].ID, res.AssistantMessage.ID)

	visible := conv.Messages()
	require.Len(t, visible, 2)
	assert.Zero(t, countPlaceholders(visible))
	assert.Equal(t, msgs[1].ID, visible[1].ID)
	assert.Equal(t, reconcile.StatePersisted, visible[1].State)

	assert.Equal(t, []State{
		StateResolving,
		StatePersistingUser,
		StateStreaming,
		StatePersistingAssistant,
		StateIdle,
	}, h.Transitions())
	assert.Equal(t, StateIdle, conv.State())
	assert.Empty(t, h.notes.All())

	reqs := h.streamer.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, assistant.Request{Message: "Hello", SessionID: res.Session.ID, ContextType: "global"}, reqs[0])
}

func TestSend_ReusesSessionAndTouchesIt(t *testing.T) {
	st := newSQLiteStore(t)
	h := newHarness(t, st, alice, replying(frames(t, "ok")))
	ctx := context.Background()
	conv := h.svc.Conversation(session.Context{Type: "project", ID: "p-1"})

	first, err := conv.Send(ctx, "one")
	require.NoError(t, err)
	second, err := conv.Send(ctx, "two")
	require.NoError(t, err)

	assert.Equal(t, first.Session.ID, second.Session.ID)
	assert.False(t, second.Session.LastActiveAt.Before(first.Session.LastActiveAt))

	stored, err := st.GetSession(ctx, first.Session.ID)
	require.NoError(t, err)
	assert.True(t, stored.LastActiveAt.Equal(second.Session.LastActiveAt))
	assert.Equal(t, "p-1", h.streamer.Requests()[1].ContextID)
}

func TestSend_OrderingAcrossExchanges(t *testing.T) {
	st := newSQLiteStore(t)
	h := newHarness(t, st, alice, replying(frames(t, "reply")))
	ctx := context.Background()
	conv := h.svc.Conversation(global)

	var sessionID string
	for _, text := range []string{"a", "b", "c", "d"} {
		res, err := conv.Send(ctx, text)
		require.NoError(t, err)
		sessionID = res.Session.ID
	}

	msgs, err := st.ListMessages(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, msgs, 8)
	for i := 1; i < len(msgs); i++ {
		assert.False(t, msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt), "message %d out of order", i)
	}
	for i := 0; i < len(msgs); i += 2 {
		assert.Equal(t, store.RoleUser, msgs[i].Role)
		assert.Equal(t, store.RoleAssistant, msgs[i+1].Role)
	}
}

func TestSend_BlankInputIsNoop(t *testing.T) {
	for _, text := range []string{"", "   ", "\n\t "} {
		st := store.NewMockStore()
		h := newHarness(t, st, alice, replying(frames(t, "never")))

		res, err := h.svc.Conversation(global).Send(context.Background(), text)

		assert.NoError(t, err)
		assert.Nil(t, res)
		assert.Zero(t, st.SessionCount())
		assert.Zero(t, st.Calls(store.OpFindLatestSession))
		assert.Zero(t, st.Calls(store.OpAppendMessage))
		assert.Empty(t, h.streamer.Requests())
		assert.Empty(t, h.notes.All())
		assert.Empty(t, h.Transitions())
	}
}

func TestSend_Unauthenticated(t *testing.T) {
	st := store.NewMockStore()
	h := newHarness(t, st, auth.Static{}, replying(frames(t, "never")))
	conv := h.svc.Conversation(global)

	res, err := conv.Send(context.Background(), "Hello")

	assert.Nil(t, res)
	require.ErrorIs(t, err, ErrUnauthenticated)
	assert.ErrorIs(t, err, ErrSessionFailure)
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)
	assert.Zero(t, st.SessionCount())
	assert.Zero(t, st.Calls(store.OpAppendMessage))
	assert.Empty(t, h.streamer.Requests())
	assert.Empty(t, conv.Messages())

	notes := h.notes.All()
	require.Len(t, notes, 1)
	assert.Equal(t, notify.SeverityError, notes[0].Severity)
	assert.Equal(t, UserMessage(err), notes[0].Message)
	assert.NotContains(t, notes[0].Message, "unauthenticated", "no internal detail in notification")

	assert.Equal(t, []State{StateResolving, StateErrored, StateIdle}, h.Transitions())
}

func TestSend_SessionStoreFailure(t *testing.T) {
	st := store.NewMockStore()
	st.FailOn(store.OpCreateSession, errStorage)
	h := newHarness(t, st, alice, replying(frames(t, "never")))

	_, err := h.svc.Conversation(global).Send(context.Background(), "Hello")

	require.ErrorIs(t, err, ErrSessionFailure)
	assert.ErrorIs(t, err, errStorage)
	assert.Zero(t, st.Calls(store.OpAppendMessage))
	assert.Empty(t, h.streamer.Requests())
	assert.Len(t, h.notes.All(), 1)
}

func TestSend_UserPersistFailureOpensNoStream(t *testing.T) {
	st := store.NewMockStore()
	st.FailOn(store.OpAppendMessage, errStorage)
	h := newHarness(t, st, alice, replying(frames(t, "never")))
	conv := h.svc.Conversation(global)

	_, err := conv.Send(context.Background(), "Hello")

	require.ErrorIs(t, err, ErrPersistenceFailure)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, OpPersistUser, cerr.Op)
	assert.Empty(t, h.streamer.Requests())
	assert.Empty(t, conv.Messages(), "failed append is not shown")
	assert.Len(t, h.notes.All(), 1)
	assert.Equal(t, StateIdle, conv.State())
}

func TestSend_MalformedFrameIsSkipped(t *testing.T) {
	var body bytes.Buffer
	require.NoError(t, sse.WriteDelta(&body, "valid"))
	require.NoError(t, sse.WriteRaw(&body, `{"choices":[{"delta":`))
	require.NoError(t, sse.WriteDone(&body))

	st := newSQLiteStore(t)
	h := newHarness(t, st, alice, replying(body.Bytes()))

	res, err := h.svc.Conversation(global).Send(context.Background(), "Hello")
	require.NoError(t, err)
	assert.Equal(t, "valid", res.AssistantMessage.Content)
	assert.Empty(t, h.notes.All())
}

func TestSend_StreamInterruptedKeepsPartial(t *testing.T) {
	parts := []string{"The ", "quick ", "brown"}
	streamer := &fakeStreamer{open: func(assistant.Request) (io.ReadCloser, error) {
		var buf bytes.Buffer
		for _, p := range parts {
			_ = sse.WriteDelta(&buf, p)
		}
		return &brokenBody{r: bytes.NewReader(buf.Bytes()), err: errReset}, nil
	}}

	st := newSQLiteStore(t)
	h := newHarness(t, st, alice, streamer)
	conv := h.svc.Conversation(global)

	_, err := conv.Send(context.Background(), "Hello")

	require.ErrorIs(t, err, ErrStreamFailure)
	assert.ErrorIs(t, err, sse.ErrStreamInterrupted)
	assert.ErrorIs(t, err, errReset)

	visible := conv.Messages()
	require.Len(t, visible, 2)
	assert.Equal(t, "Hello", visible[0].Content)
	assert.Equal(t, reconcile.StateFailed, visible[1].State)
	assert.Equal(t, strings.Join(parts, ""), visible[1].Content)
	assert.Zero(t, countPlaceholders(visible))

	// The user message stays stored; nothing was stored for the reply.
	sess := conv.Session()
	require.NotNil(t, sess)
	msgs, err := st.ListMessages(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.RoleUser, msgs[0].Role)

	assert.Len(t, h.notes.All(), 1)
	assert.Equal(t, StateIdle, conv.State())
}

func TestSend_StreamOpenFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "network", err: errReset, want: ErrStreamFailure},
		{name: "bad status", err: &assistant.StatusError{Code: http.StatusBadGateway}, want: ErrStreamFailure},
		{name: "rejected credential", err: &assistant.StatusError{Code: http.StatusUnauthorized}, want: ErrUnauthenticated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			streamer := &fakeStreamer{open: func(assistant.Request) (io.ReadCloser, error) {
				return nil, tt.err
			}}
			h := newHarness(t, store.NewMockStore(), alice, streamer)
			conv := h.svc.Conversation(global)

			_, err := conv.Send(context.Background(), "Hello")

			require.ErrorIs(t, err, tt.want)
			visible := conv.Messages()
			require.Len(t, visible, 2)
			assert.Equal(t, reconcile.StateFailed, visible[1].State)
			assert.Empty(t, visible[1].Content)
		})
	}
}

func TestSend_ReplyPersistFailureThenResync(t *testing.T) {
	st := &flakyStore{Store: newSQLiteStore(t)}
	st.failReplies.Store(true)
	h := newHarness(t, st, alice, replying(frames(t, "Hi", " there")))
	conv := h.svc.Conversation(global)
	ctx := context.Background()

	_, err := conv.Send(ctx, "Hello")

	require.ErrorIs(t, err, ErrPersistenceFailure)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, OpPersistReply, cerr.Op)

	visible := conv.Messages()
	require.Len(t, visible, 2)
	assert.Equal(t, reconcile.StateUnsynced, visible[1].State)
	assert.Equal(t, "Hi there", visible[1].Content, "streamed reply stays visible")

	st.failReplies.Store(false)
	synced, err := conv.Resync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, synced)

	visible = conv.Messages()
	require.Len(t, visible, 2)
	assert.Equal(t, reconcile.StatePersisted, visible[1].State)

	msgs, err := st.ListMessages(ctx, conv.Session().ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hi there", msgs[1].Content)
	assert.Equal(t, visible[1].ID, msgs[1].ID)
}

func TestResync_FailureKeepsEntry(t *testing.T) {
	st := &flakyStore{Store: store.NewMockStore()}
	st.failReplies.Store(true)
	h := newHarness(t, st, alice, replying(frames(t, "x")))
	conv := h.svc.Conversation(global)

	_, err := conv.Send(context.Background(), "Hello")
	require.Error(t, err)

	synced, err := conv.Resync(context.Background())
	require.ErrorIs(t, err, ErrPersistenceFailure)
	assert.Zero(t, synced)
	assert.Equal(t, reconcile.StateUnsynced, conv.Messages()[1].State)
	assert.Len(t, h.notes.All(), 2)
}

func TestSend_TouchFailureIsNotFatal(t *testing.T) {
	st := store.NewMockStore()
	st.FailOn(store.OpTouchSession, errStorage)
	h := newHarness(t, st, alice, replying(frames(t, "Hi")))

	res, err := h.svc.Conversation(global).Send(context.Background(), "Hello")

	require.NoError(t, err)
	assert.Equal(t, "Hi", res.AssistantMessage.Content)
	assert.Equal(t, 1, st.Calls(store.OpTouchSession))
	assert.Empty(t, h.notes.All())
}

func TestSend_EmptyReplyIsPersisted(t *testing.T) {
	h := newHarness(t, store.NewMockStore(), alice, replying(frames(t)))

	res, err := h.svc.Conversation(global).Send(context.Background(), "Hello")

	require.NoError(t, err)
	require.NotNil(t, res.AssistantMessage)
	assert.Empty(t, res.AssistantMessage.Content)
}

func TestSend_SingleFlightPerContext(t *testing.T) {
	pr, pw := io.Pipe()
	opened := make(chan struct{})
	later := frames(t, "again")
	var calls atomic.Int32
	streamer := &fakeStreamer{open: func(assistant.Request) (io.ReadCloser, error) {
		if calls.Add(1) == 1 {
			close(opened)
			return pr, nil
		}
		return io.NopCloser(bytes.NewReader(later)), nil
	}}
	h := newHarness(t, store.NewMockStore(), alice, streamer)
	conv := h.svc.Conversation(global)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := conv.Send(ctx, "first")
		done <- err
	}()
	<-opened

	assert.Equal(t, StateStreaming, conv.State())

	_, err := conv.Send(ctx, "second")
	require.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, conv.Load(ctx), ErrBusy)
	_, err = conv.Resync(ctx)
	assert.ErrorIs(t, err, ErrBusy)

	assert.Equal(t, 1, countPlaceholders(conv.Messages()))
	notes := h.notes.All()
	require.Len(t, notes, 3)
	assert.Equal(t, notify.SeverityWarning, notes[0].Severity)

	_, _ = pw.Write(frames(t, "done"))
	require.NoError(t, pw.Close())
	require.NoError(t, <-done)

	_, err = conv.Send(ctx, "third")
	assert.NoError(t, err, "the gate opens again once the send completes")
	assert.Len(t, h.streamer.Requests(), 2)
}

func TestSend_DistinctContextsDoNotContend(t *testing.T) {
	var mu sync.Mutex
	writers := map[string]*io.PipeWriter{}
	opened := make(chan string, 2)
	streamer := &fakeStreamer{open: func(req assistant.Request) (io.ReadCloser, error) {
		pr, pw := io.Pipe()
		mu.Lock()
		writers[req.ContextID] = pw
		mu.Unlock()
		opened <- req.ContextID
		return pr, nil
	}}
	h := newHarness(t, store.NewMockStore(), alice, streamer)
	ctx := context.Background()

	errs := make(chan error, 2)
	for _, id := range []string{"a", "b"} {
		conv := h.svc.Conversation(session.Context{Type: "project", ID: id})
		go func() {
			_, err := conv.Send(ctx, "hi "+id)
			errs <- err
		}()
	}

	for range 2 {
		select {
		case <-opened:
		case <-time.After(2 * time.Second):
			t.Fatal("both contexts should stream concurrently")
		}
	}

	mu.Lock()
	for _, pw := range writers {
		_, _ = pw.Write(frames(t, "ok"))
		_ = pw.Close()
	}
	mu.Unlock()

	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
}

func TestSend_SubscriberSeesDeltas(t *testing.T) {
	h := newHarness(t, store.NewMockStore(), alice, replying(frames(t, "Hi", " there")))
	conv := h.svc.Conversation(global)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := conv.Subscribe(ctx)

	_, err := conv.Send(context.Background(), "Hello")
	require.NoError(t, err)

	var fragments []string
	var kinds []reconcile.ChangeKind
	for range 5 {
		c := <-changes
		kinds = append(kinds, c.Kind)
		if c.Kind == reconcile.ChangeDelta {
			fragments = append(fragments, c.Fragment)
		}
	}
	assert.Equal(t, []string{"Hi", " there"}, fragments)
	assert.Equal(t, reconcile.ChangeFinalized, kinds[len(kinds)-1])
}

func TestLoad(t *testing.T) {
	st := newSQLiteStore(t)
	ctx := context.Background()

	first := newHarness(t, st, alice, replying(frames(t, "Hi")))
	_, err := first.svc.Conversation(global).Send(ctx, "Hello")
	require.NoError(t, err)

	// A fresh service sees nothing until it loads.
	second := newHarness(t, st, alice, replying(nil))
	conv := second.svc.Conversation(global)
	assert.Empty(t, conv.Messages())

	require.NoError(t, conv.Load(ctx))
	visible := conv.Messages()
	require.Len(t, visible, 2)
	assert.Equal(t, "Hello", visible[0].Content)
	assert.Equal(t, "Hi", visible[1].Content)
	assert.Empty(t, second.streamer.Requests())
}

func TestLoad_NoSessionCreatesNothing(t *testing.T) {
	st := store.NewMockStore()
	h := newHarness(t, st, alice, replying(nil))
	conv := h.svc.Conversation(global)

	require.NoError(t, conv.Load(context.Background()))
	assert.Zero(t, st.SessionCount())
	assert.Empty(t, conv.Messages())
	assert.Nil(t, conv.Session())
}

func TestLoad_Failures(t *testing.T) {
	st := store.NewMockStore()
	h := newHarness(t, st, alice, replying(frames(t, "x")))
	conv := h.svc.Conversation(global)
	_, err := conv.Send(context.Background(), "Hello")
	require.NoError(t, err)

	st.FailOn(store.OpListMessages, errStorage)
	err = conv.Load(context.Background())
	require.ErrorIs(t, err, ErrPersistenceFailure)
	assert.Len(t, conv.Messages(), 2, "visible history survives a failed reload")

	unauth := newHarness(t, st, auth.Static{}, replying(nil))
	assert.ErrorIs(t, unauth.svc.Conversation(global).Load(context.Background()), ErrUnauthenticated)
}

func TestSend_ThroughHTTPAssistant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, p := range []string{"Hi", " there"} {
			_ = sse.WriteDelta(w, p)
			flusher.Flush()
		}
		_ = sse.WriteDone(w)
	}))
	transport := &http.Transport{}
	t.Cleanup(srv.Close)
	t.Cleanup(transport.CloseIdleConnections)

	client, err := assistant.NewClient(assistant.Config{
		BaseURL:    srv.URL,
		HTTPClient: &http.Client{Transport: transport},
	}, alice, nil)
	require.NoError(t, err)

	st := newSQLiteStore(t)
	svc := New(Deps{
		Resolver: session.New(st, alice, nil),
		Messages: st,
		Streamer: client,
	})
	t.Cleanup(svc.Close)

	res, err := svc.Conversation(global).Send(context.Background(), "Hello")
	require.NoError(t, err)
	assert.Equal(t, "Hi there", res.AssistantMessage.Content)
}

func TestService_ConversationIsReused(t *testing.T) {
	h := newHarness(t, store.NewMockStore(), alice, replying(nil))

	a := h.svc.Conversation(session.Context{})
	b := h.svc.Conversation(session.Context{Type: "global"})
	c := h.svc.Conversation(session.Context{Type: "project", ID: "p-1"})

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, "project:p-1", c.Context().Key())
}

func TestService_PrincipalsDoNotShareAContext(t *testing.T) {
	var mu sync.Mutex
	var writers []*io.PipeWriter
	opened := make(chan struct{}, 2)
	streamer := &fakeStreamer{open: func(assistant.Request) (io.ReadCloser, error) {
		pr, pw := io.Pipe()
		mu.Lock()
		writers = append(writers, pw)
		mu.Unlock()
		opened <- struct{}{}
		return pr, nil
	}}
	h := newHarness(t, store.NewMockStore(), auth.ContextProvider{}, streamer)

	aliceCtx := auth.WithAuth(context.Background(), &auth.AuthContext{PrincipalID: "alice", Token: "tok-alice"})
	bobCtx := auth.WithAuth(context.Background(), &auth.AuthContext{PrincipalID: "bob", Token: "tok-bob"})

	forAlice := h.svc.ConversationFor("alice", global)
	forBob := h.svc.ConversationFor("bob", global)
	require.NotSame(t, forAlice, forBob)
	assert.Same(t, forAlice, h.svc.ConversationFor("alice", session.Context{}))

	errs := make(chan error, 2)
	go func() {
		_, err := forAlice.Send(aliceCtx, "from alice")
		errs <- err
	}()
	go func() {
		_, err := forBob.Send(bobCtx, "from bob")
		errs <- err
	}()

	for range 2 {
		select {
		case <-opened:
		case <-time.After(2 * time.Second):
			t.Fatal("both principals should stream in the same context at once")
		}
	}

	mu.Lock()
	for _, pw := range writers {
		_, _ = pw.Write(frames(t, "ok"))
		_ = pw.Close()
	}
	mu.Unlock()
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	require.NotNil(t, forAlice.Session())
	require.NotNil(t, forBob.Session())
	assert.NotEqual(t, forAlice.Session().ID, forBob.Session().ID)
	assert.Equal(t, "alice", forAlice.Session().PrincipalID)
	assert.Equal(t, "bob", forBob.Session().PrincipalID)

	require.Len(t, forAlice.Messages(), 2)
	assert.Equal(t, "from alice", forAlice.Messages()[0].Content)
	require.Len(t, forBob.Messages(), 2)
	assert.Equal(t, "from bob", forBob.Messages()[0].Content)
	assert.Empty(t, h.notes.All())
}

func TestService_ConversationRejectsOtherPrincipal(t *testing.T) {
	h := newHarness(t, store.NewMockStore(), auth.ContextProvider{}, replying(frames(t, "Hi")))
	bobCtx := auth.WithAuth(context.Background(), &auth.AuthContext{PrincipalID: "bob", Token: "tok-bob"})
	forAlice := h.svc.ConversationFor("alice", global)

	_, err := forAlice.Send(bobCtx, "not mine")
	require.ErrorIs(t, err, ErrUnauthenticated)
	require.ErrorIs(t, err, ErrPrincipalMismatch)
	assert.Empty(t, forAlice.Messages())
	assert.Empty(t, h.streamer.Requests(), "no stream opens for a mismatched caller")

	err = forAlice.Load(bobCtx)
	require.ErrorIs(t, err, ErrPrincipalMismatch)

	notes := h.notes.All()
	require.Len(t, notes, 2)
	assert.Equal(t, notify.SeverityError, notes[0].Severity)
}
