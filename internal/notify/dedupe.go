// ABOUTME: Notifier wrapper that suppresses repeated warnings and info notices
// ABOUTME: Errors always pass; lower severities repeated inside the window are dropped

package notify

import (
	"context"
	"log/slog"

	"github.com/2389/coven-chat/internal/dedupe"
)

// Dedupe forwards every error. A warning or info notice is forwarded only if
// an identical one was not delivered within the window, so a held key or a
// background condition does not flood the user while each failed operation
// is still reported once.
type Dedupe struct {
	next   Notifier
	window *dedupe.Window
	logger *slog.Logger
}

// NewDedupe wraps next. The window is owned by the caller. Pass nil logger for default.
func NewDedupe(next Notifier, window *dedupe.Window, logger *slog.Logger) *Dedupe {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dedupe{
		next:   next,
		window: window,
		logger: logger.With("component", "notify"),
	}
}

func (d *Dedupe) Notify(ctx context.Context, n Notification) {
	if n.Severity >= SeverityError {
		d.next.Notify(ctx, n)
		return
	}
	if d.window.Observe(n.DedupeKey()) {
		d.logger.Debug("suppressed duplicate notification", "message", n.Message)
		return
	}
	d.next.Notify(ctx, n)
}
