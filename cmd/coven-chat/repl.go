// ABOUTME: Interactive loop for coven-chat: plain lines are sent, slash lines are commands
// ABOUTME: Streamed deltas are printed from the conversation's change feed as they arrive

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/reconcile"
	"github.com/2389/coven-chat/internal/session"
	"github.com/2389/coven-chat/internal/store"
)

// settleTimeout bounds how long the prompt waits for the feed to print a reply's end.
const settleTimeout = 2 * time.Second

const sessionListLimit = 20

var (
	userLabel      = color.New(color.FgBlue, color.Bold).Sprint("you: ")
	assistantLabel = color.New(color.FgGreen, color.Bold).Sprint("assistant: ")
	interrupted    = color.New(color.FgRed).Sprint("[interrupted]")
	notSaved       = color.New(color.FgYellow).Sprint("[not saved]")
	faint          = color.New(color.Faint)
)

// sessionLister is the part of the session resolver the REPL needs.
type sessionLister interface {
	List(ctx context.Context, limit int) ([]*store.Session, error)
}

type repl struct {
	svc      *conversation.Service
	sessions sessionLister
	render   *renderer
	logger   *slog.Logger

	outMu sync.Mutex
	out   io.Writer

	conv     *conversation.Conversation
	stopFeed context.CancelFunc
	feedDone chan struct{}
	settled  chan struct{}
}

func newREPL(svc *conversation.Service, sessions sessionLister, out io.Writer, logger *slog.Logger) *repl {
	if logger == nil {
		logger = slog.Default()
	}
	return &repl{
		svc:      svc,
		sessions: sessions,
		render:   newRenderer(),
		logger:   logger.With("component", "repl"),
		out:      out,
		settled:  make(chan struct{}, 1),
	}
}

func (r *repl) printf(format string, args ...any) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// run reads lines from in until EOF, /quit or ctx ends.
func (r *repl) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		r.printf("[%s]> ", r.conv.Context().Key())

		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					if err != nil {
						return fmt.Errorf("reading input: %w", err)
					}
				default:
				}
				return nil
			}
			if quit := r.handle(ctx, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

// handle runs one input line and reports whether the loop should stop.
func (r *repl) handle(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		r.send(ctx, line)
		return false
	}

	cmd, args, _ := strings.Cut(line, " ")
	switch cmd {
	case "/quit", "/exit", "/q":
		return true
	case "/help":
		r.printHelp()
	case "/history":
		r.history(ctx)
	case "/sessions":
		r.listSessions(ctx)
	case "/context":
		fields := strings.Fields(args)
		if len(fields) == 0 {
			r.printf("Current context: %s\n", r.conv.Context().Key())
			break
		}
		c := session.Context{Type: fields[0]}
		if len(fields) > 1 {
			c.ID = fields[1]
		}
		r.switchContext(ctx, c)
	case "/resync":
		r.resync(ctx)
	default:
		r.printf("Unknown command %s. /help for commands.\n", cmd)
	}
	return false
}

func (r *repl) printHelp() {
	r.printf("Commands:\n")
	r.printf("  /history               Reload and show this context's conversation\n")
	r.printf("  /sessions              List your sessions\n")
	r.printf("  /context <type> [id]   Switch conversation context\n")
	r.printf("  /resync                Save replies that could not be saved earlier\n")
	r.printf("  /help                  Show this help\n")
	r.printf("  /quit                  Exit\n")
}

// switchContext moves the REPL to c and loads its history quietly.
func (r *repl) switchContext(ctx context.Context, c session.Context) {
	r.close()

	r.conv = r.svc.Conversation(c)
	feedCtx, cancel := context.WithCancel(ctx)
	r.stopFeed = cancel
	r.feedDone = make(chan struct{})
	changes := r.conv.Subscribe(feedCtx)
	go r.follow(changes, r.feedDone)

	if err := r.conv.Load(ctx); err != nil {
		r.logger.Debug("loading history failed", "context", c.Key(), "error", err)
		return
	}
	r.printf("Context %s, %d messages. /history to show them.\n", r.conv.Context().Key(), len(r.conv.Messages()))
}

// follow prints reply deltas as they arrive.
func (r *repl) follow(changes <-chan reconcile.Change, done chan<- struct{}) {
	defer close(done)
	for ch := range changes {
		switch ch.Kind {
		case reconcile.ChangeAppended:
			if ch.Entry.IsPlaceholder() {
				r.printf("%s", assistantLabel)
			}
		case reconcile.ChangeDelta:
			r.printf("%s", ch.Fragment)
		case reconcile.ChangeFinalized:
			r.printf("\n")
			r.settle()
		case reconcile.ChangeAborted:
			r.printf(" %s\n", interrupted)
			r.settle()
		case reconcile.ChangeUnsynced:
			r.printf(" %s\n", notSaved)
			r.settle()
		}
	}
}

func (r *repl) settle() {
	select {
	case r.settled <- struct{}{}:
	default:
	}
}

func (r *repl) send(ctx context.Context, text string) {
	// Drop a stale signal left by a reply that settled after its wait timed out.
	select {
	case <-r.settled:
	default:
	}

	_, err := r.conv.Send(ctx, text)
	if err != nil {
		r.logger.Debug("send failed", "error", err)
		if !replyStarted(err) {
			return
		}
	}

	select {
	case <-r.settled:
	case <-time.After(settleTimeout):
		r.printf("\n")
	case <-ctx.Done():
	}
}

// replyStarted reports whether err left a reply entry that the feed will close out.
func replyStarted(err error) bool {
	var cerr *conversation.Error
	if !errors.As(err, &cerr) {
		return false
	}
	return cerr.Op == conversation.OpStream || cerr.Op == conversation.OpPersistReply
}

func (r *repl) history(ctx context.Context) {
	if err := r.conv.Load(ctx); err != nil {
		return
	}
	entries := r.conv.Messages()
	if len(entries) == 0 {
		r.printf("No messages yet\n")
		return
	}
	for _, e := range entries {
		r.printEntry(e)
	}
}

func (r *repl) printEntry(e reconcile.Entry) {
	var b strings.Builder
	switch e.Role {
	case store.RoleUser:
		b.WriteString(userLabel)
		b.WriteString(e.Content)
	default:
		b.WriteString(assistantLabel)
		body := r.render.Render(e.Content)
		if strings.Contains(body, "\n") {
			b.WriteString("\n")
		}
		b.WriteString(body)
	}

	switch e.State {
	case reconcile.StateFailed:
		b.WriteString(" " + interrupted)
	case reconcile.StateUnsynced:
		b.WriteString(" " + notSaved)
	case reconcile.StatePlaceholder:
		b.WriteString(faint.Sprint(" …"))
	}
	r.printf("%s\n", b.String())
}

func (r *repl) listSessions(ctx context.Context) {
	sessions, err := r.sessions.List(ctx, sessionListLimit)
	if err != nil {
		r.logger.Debug("listing sessions failed", "error", err)
		kind := conversation.KindSession
		if errors.Is(err, auth.ErrUnauthenticated) {
			kind = conversation.KindUnauthenticated
		}
		r.printf("%s\n", conversation.UserMessage(&conversation.Error{Kind: kind, Op: conversation.OpResolve, Err: err}))
		return
	}
	if len(sessions) == 0 {
		r.printf("No sessions yet\n")
		return
	}

	current := r.conv.Session()
	r.printf("Sessions:\n")
	for _, s := range sessions {
		mark := " "
		if current != nil && current.ID == s.ID {
			mark = "*"
		}
		key := session.Context{Type: s.ContextType, ID: s.ContextID}.Key()
		r.printf("%s %s  %-24s %s\n", mark, shortID(s.ID), key,
			faint.Sprint("active "+s.LastActiveAt.Local().Format(time.DateTime)))
	}
}

func (r *repl) resync(ctx context.Context) {
	n, err := r.conv.Resync(ctx)
	if err != nil {
		r.logger.Debug("resync failed", "error", err)
		return
	}
	switch n {
	case 0:
		r.printf("Nothing to sync\n")
	case 1:
		r.printf("Saved 1 reply\n")
	default:
		r.printf("Saved %d replies\n", n)
	}
}

// close stops following the current conversation.
func (r *repl) close() {
	if r.stopFeed == nil {
		return
	}
	r.stopFeed()
	<-r.feedDone
	r.stopFeed = nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
