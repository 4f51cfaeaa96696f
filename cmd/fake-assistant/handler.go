// ABOUTME: HTTP handler streaming echo replies in the assistant wire format
// ABOUTME: Can inject malformed frames and drop the connection mid-stream for failure testing

package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/2389/coven-chat/internal/assistant"
	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/sse"
)

// streamOptions shape how replies are streamed.
type streamOptions struct {
	// Malformed injects an unparseable frame after the first delta.
	Malformed bool
	// FailAfter drops the connection after this many deltas. Zero disables.
	FailAfter int
	// Delay between frames.
	Delay time.Duration
}

type streamHandler struct {
	opts   streamOptions
	logger *slog.Logger
}

func newStreamHandler(opts streamOptions, logger *slog.Logger) *streamHandler {
	return &streamHandler{opts: opts, logger: logger.With("component", "fake-assistant")}
}

func (h *streamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req assistant.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	principal := "anonymous"
	if authCtx := auth.FromContext(r.Context()); authCtx != nil {
		principal = authCtx.PrincipalID
	}
	h.logger.Info("received message",
		"principal", principal,
		"session_id", req.SessionID,
		"context_type", req.ContextType,
		"context_id", req.ContextID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	for i, word := range words(echoReply(req.Message)) {
		if h.opts.FailAfter > 0 && i == h.opts.FailAfter {
			h.logger.Warn("dropping connection", "after", i)
			panic(http.ErrAbortHandler)
		}
		if err := sse.WriteDelta(w, word); err != nil {
			h.logger.Debug("client went away", "error", err)
			return
		}
		if i == 0 && h.opts.Malformed {
			_ = sse.WriteRaw(w, `{"choices":[{"delta":`)
		}
		flusher.Flush()

		if h.opts.Delay > 0 {
			select {
			case <-time.After(h.opts.Delay):
			case <-r.Context().Done():
				return
			}
		}
	}

	_ = sse.WriteDone(w)
	flusher.Flush()
}

// words splits s into word-sized fragments that concatenate back to s.
func words(s string) []string {
	return strings.SplitAfter(s, " ")
}

func echoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "bullet") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n\n> This is a blockquote.\n"
	}
	return fmt.Sprintf("Echo: **%s**\n\nI received your message and am responding with some *formatted* text.", input)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// newMux wires the stream endpoint, behind JWT auth when a verifier is given.
func newMux(path string, stream http.Handler, verifier auth.TokenVerifier) *http.ServeMux {
	if verifier != nil {
		stream = auth.HTTPAuthMiddleware(verifier)(stream)
	}

	mux := http.NewServeMux()
	mux.Handle(path, stream)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}
