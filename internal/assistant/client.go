// ABOUTME: HTTP client opening the assistant's streamed chat response
// ABOUTME: Sends the user message with a bearer credential and returns the raw event stream

package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/2389/coven-chat/internal/auth"
)

// DefaultPath is the stream endpoint used when none is configured.
const DefaultPath = "/v1/chat/stream"

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// ErrUnexpectedStatus indicates the assistant answered with a non-2xx status.
var ErrUnexpectedStatus = errors.New("unexpected response status")

// Request is the body sent to the assistant.
type Request struct {
	Message     string `json:"message"`
	SessionID   string `json:"sessionId"`
	ContextType string `json:"contextType"`
	ContextID   string `json:"contextId,omitempty"`
}

// StatusError is returned for non-2xx responses. It matches ErrUnexpectedStatus,
// and auth.ErrUnauthenticated for 401 responses.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %d: %s", ErrUnexpectedStatus, e.Code, e.Message)
	}
	return fmt.Sprintf("%s %d", ErrUnexpectedStatus, e.Code)
}

func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrUnexpectedStatus:
		return true
	case auth.ErrUnauthenticated:
		return e.Code == http.StatusUnauthorized
	}
	return false
}

// Config configures a Client.
type Config struct {
	BaseURL string
	Path    string
	// Timeout bounds the whole exchange including the streamed body. Zero means none.
	Timeout time.Duration
	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client
}

// Client opens response streams against the assistant service.
type Client struct {
	endpoint string
	http     *http.Client
	identity auth.IdentityProvider
	logger   *slog.Logger
}

// NewClient creates a Client. Pass nil logger for default.
func NewClient(cfg Config, identity auth.IdentityProvider, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", cfg.BaseURL)
	}

	path := cfg.Path
	if path == "" {
		path = DefaultPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		endpoint: base.String() + path,
		http:     hc,
		identity: identity,
		logger:   logger.With("component", "assistant"),
	}, nil
}

// Endpoint returns the URL requests are sent to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Stream sends req and returns the response body for decoding. The caller
// must close it. The credential is read from the identity provider on every
// call; without one Stream fails with auth.ErrUnauthenticated and sends nothing.
func (c *Client) Stream(ctx context.Context, req Request) (io.ReadCloser, error) {
	token, ok := c.identity.CurrentCredential(ctx)
	if !ok {
		return nil, auth.ErrUnauthenticated
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		serr := &StatusError{Code: resp.StatusCode, Message: errorMessage(resp)}
		c.logger.Warn("assistant rejected request",
			"status", resp.StatusCode,
			"session_id", req.SessionID,
			"error", serr.Message)
		return nil, serr
	}

	c.logger.Debug("stream opened",
		"session_id", req.SessionID,
		"context_type", req.ContextType,
		"latency", time.Since(start))
	return resp.Body, nil
}

// errorMessage extracts {"error": "..."} from a JSON error body.
func errorMessage(resp *http.Response) string {
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		return ""
	}
	var errResp struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&errResp); err != nil {
		return ""
	}
	return errResp.Error
}
