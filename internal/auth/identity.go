// ABOUTME: Identity providers answering "who is the caller" and "which credential to send"
// ABOUTME: Queried on every authenticated step; nothing is cached between calls

package auth

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
)

// ErrUnauthenticated is returned when no authenticated principal is available.
var ErrUnauthenticated = errors.New("unauthenticated")

// IdentityProvider exposes the current principal and access credential.
// Either may be absent; callers query it at each operation that needs auth.
type IdentityProvider interface {
	CurrentPrincipal(ctx context.Context) (string, bool)
	CurrentCredential(ctx context.Context) (string, bool)
}

// ContextProvider reads identity from the AuthContext attached to ctx.
type ContextProvider struct{}

// CurrentPrincipal returns the principal from ctx, if any.
func (ContextProvider) CurrentPrincipal(ctx context.Context) (string, bool) {
	a := FromContext(ctx)
	if a == nil || a.PrincipalID == "" {
		return "", false
	}
	return a.PrincipalID, true
}

// CurrentCredential returns the bearer token from ctx, if any.
func (ContextProvider) CurrentCredential(ctx context.Context) (string, bool) {
	a := FromContext(ctx)
	if a == nil || a.Token == "" {
		return "", false
	}
	return a.Token, true
}

// TokenProvider loads a JWT from an environment variable or token file on
// every call, so a refreshed or revoked token takes effect immediately.
// The principal is the token's subject. When Verifier is set the token must
// also pass verification.
type TokenProvider struct {
	EnvVar   string        // checked first, e.g. COVEN_TOKEN
	File     string        // fallback path, e.g. ~/.config/coven/token
	Verifier TokenVerifier // optional
	Logger   *slog.Logger
}

// CurrentCredential returns the raw token, if one is configured.
func (p *TokenProvider) CurrentCredential(ctx context.Context) (string, bool) {
	if p.EnvVar != "" {
		if token := strings.TrimSpace(os.Getenv(p.EnvVar)); token != "" {
			return token, true
		}
	}
	if p.File == "" {
		return "", false
	}
	data, err := os.ReadFile(p.File)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			p.logger().Warn("reading token file failed", "path", p.File, "error", err)
		}
		return "", false
	}
	token := strings.TrimSpace(string(data))
	return token, token != ""
}

// CurrentPrincipal returns the subject of the current token.
func (p *TokenProvider) CurrentPrincipal(ctx context.Context) (string, bool) {
	token, ok := p.CurrentCredential(ctx)
	if !ok {
		return "", false
	}

	var (
		principal string
		err       error
	)
	if p.Verifier != nil {
		principal, err = p.Verifier.Verify(token)
	} else {
		principal, err = UnverifiedSubject(token)
	}
	if err != nil {
		p.logger().Warn("token rejected", "error", err)
		return "", false
	}
	return principal, true
}

func (p *TokenProvider) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Static is a fixed identity, handy for tests and single-user tools.
type Static struct {
	Principal  string
	Credential string
}

// CurrentPrincipal returns the fixed principal when set.
func (s Static) CurrentPrincipal(context.Context) (string, bool) {
	return s.Principal, s.Principal != ""
}

// CurrentCredential returns the fixed credential when set.
func (s Static) CurrentCredential(context.Context) (string, bool) {
	return s.Credential, s.Credential != ""
}

var (
	_ IdentityProvider = ContextProvider{}
	_ IdentityProvider = (*TokenProvider)(nil)
	_ IdentityProvider = Static{}
)
