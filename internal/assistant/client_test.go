// ABOUTME: Tests for the assistant stream client against httptest servers
// ABOUTME: Covers request shape, credential handling and non-2xx responses

package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/sse"
)

func newClient(t *testing.T, url string, identity auth.IdentityProvider) *Client {
	t.Helper()
	c, err := NewClient(Config{BaseURL: url}, identity, nil)
	require.NoError(t, err)
	return c
}

func TestStream_SendsRequestAndReturnsBody(t *testing.T) {
	var got Request
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, DefaultPath, r.URL.Path)
		headers = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "text/event-stream")
		_ = sse.WriteDelta(w, "Hi")
		_ = sse.WriteDone(w)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, auth.Static{Principal: "alice", Credential: "tok-1"})
	body, err := c.Stream(context.Background(), Request{
		Message:     "Hello",
		SessionID:   "sess-1",
		ContextType: "global",
	})
	require.NoError(t, err)
	defer body.Close()

	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "data: [DONE]")

	assert.Equal(t, Request{Message: "Hello", SessionID: "sess-1", ContextType: "global"}, got)
	assert.Equal(t, "Bearer tok-1", headers.Get("Authorization"))
	assert.Equal(t, "application/json", headers.Get("Content-Type"))
	assert.Equal(t, "text/event-stream", headers.Get("Accept"))
}

func TestStream_ContextIDOmittedWhenEmpty(t *testing.T) {
	body, err := json.Marshal(Request{Message: "m", SessionID: "s", ContextType: "global"})
	require.NoError(t, err)
	assert.NotContains(t, string(body), "contextId")

	body, err = json.Marshal(Request{Message: "m", SessionID: "s", ContextType: "project", ContextID: "p-1"})
	require.NoError(t, err)
	assert.Contains(t, string(body), `"contextId":"p-1"`)
}

func TestStream_NoCredentialSendsNothing(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, auth.Static{Principal: "alice"})
	_, err := c.Stream(context.Background(), Request{Message: "Hello"})

	require.ErrorIs(t, err, auth.ErrUnauthenticated)
	assert.Zero(t, hits.Load())
}

func TestStream_NonSuccessStatus(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantMsg    string
		wantUnauth bool
	}{
		{name: "json error", status: http.StatusBadGateway, body: `{"error":"upstream down"}`, wantMsg: "upstream down"},
		{name: "plain error", status: http.StatusInternalServerError, body: "oops"},
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{"error":"invalid token"}`, wantMsg: "invalid token", wantUnauth: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.body[0] == '{' {
					w.Header().Set("Content-Type", "application/json")
				}
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			c := newClient(t, srv.URL, auth.Static{Principal: "alice", Credential: "tok"})
			_, err := c.Stream(context.Background(), Request{Message: "Hello"})

			require.ErrorIs(t, err, ErrUnexpectedStatus)
			var serr *StatusError
			require.True(t, errors.As(err, &serr))
			assert.Equal(t, tt.status, serr.Code)
			assert.Equal(t, tt.wantMsg, serr.Message)
			assert.Equal(t, tt.wantUnauth, errors.Is(err, auth.ErrUnauthenticated))
		})
	}
}

func TestStream_HonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newClient(t, srv.URL, auth.Static{Principal: "alice", Credential: "tok"})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Stream(ctx, Request{Message: "Hello"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewClient(t *testing.T) {
	c, err := NewClient(Config{BaseURL: "http://localhost:8080/", Path: "api/stream"}, auth.Static{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/api/stream", c.Endpoint())

	_, err = NewClient(Config{BaseURL: "localhost:8080"}, auth.Static{}, nil)
	assert.Error(t, err)

	_, err = NewClient(Config{BaseURL: "ftp://example.com"}, auth.Static{}, nil)
	assert.Error(t, err)
}
