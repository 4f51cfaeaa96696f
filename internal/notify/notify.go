// ABOUTME: User-visible notifications for failed chat operations
// ABOUTME: Defines the Notifier boundary plus terminal, log and recording implementations

package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/fatih/color"
)

// Severity grades a notification.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// Notification is one human-readable message for the user.
type Notification struct {
	Severity Severity
	Message  string
	// Key groups notifications for deduplication. Empty means severity plus message.
	Key string
}

// DedupeKey returns the key used to detect repeats.
func (n Notification) DedupeKey() string {
	if n.Key != "" {
		return n.Key
	}
	return n.Severity.String() + "\x00" + n.Message
}

// Notifier delivers notifications. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Func adapts a function to a Notifier.
type Func func(ctx context.Context, n Notification)

func (f Func) Notify(ctx context.Context, n Notification) { f(ctx, n) }

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) {}

// Writer prints notifications as single coloured lines.
type Writer struct {
	mu  sync.Mutex
	out io.Writer
}

// NewWriter creates a Writer printing to out.
func NewWriter(out io.Writer) *Writer {
	return &Writer{out: out}
}

func (w *Writer) Notify(_ context.Context, n Notification) {
	var prefix string
	switch n.Severity {
	case SeverityError:
		prefix = color.New(color.FgRed, color.Bold).Sprint("✗ ")
	case SeverityWarning:
		prefix = color.YellowString("! ")
	default:
		prefix = color.CyanString("• ")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.out, "%s%s\n", prefix, n.Message)
}

// Logger records notifications through slog.
type Logger struct {
	logger *slog.Logger
}

// NewLogger creates a Logger notifier. Pass nil logger for default.
func NewLogger(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{logger: logger.With("component", "notify")}
}

func (l *Logger) Notify(ctx context.Context, n Notification) {
	level := slog.LevelInfo
	switch n.Severity {
	case SeverityError:
		level = slog.LevelError
	case SeverityWarning:
		level = slog.LevelWarn
	}
	l.logger.Log(ctx, level, "notification", "message", n.Message)
}

// Recorder keeps every notification in memory, for tests.
type Recorder struct {
	mu  sync.Mutex
	got []Notification
}

func (r *Recorder) Notify(_ context.Context, n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
}

// All returns a copy of the recorded notifications.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.got...)
}

// Multi fans a notification out to several notifiers in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) {
	for _, notifier := range m {
		notifier.Notify(ctx, n)
	}
}
