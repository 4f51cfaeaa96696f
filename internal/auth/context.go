// ABOUTME: Request-scoped identity carried through context.Context
// ABOUTME: Provides WithAuth/FromContext used by middleware and the context identity provider

package auth

import (
	"context"
)

// AuthContext holds the authenticated identity for one request or session.
type AuthContext struct {
	PrincipalID string // subject of the access token
	Token       string // raw bearer credential, forwarded to the assistant service
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, ok := ctx.Value(authContextKey{}).(*AuthContext)
	if !ok {
		return nil
	}
	return auth
}
