// Package auth provides caller identity for the chat engine.
//
// # Identity Providers
//
// The engine never caches identity. Each operation that needs it asks an
// IdentityProvider for the current principal and access credential:
//
//   - ContextProvider: reads the AuthContext attached to a request context
//     (populated by HTTPAuthMiddleware on the server side).
//   - TokenProvider: re-reads a JWT from an environment variable or token
//     file on every call and uses its "sub" claim as the principal.
//   - Static: a fixed principal/credential pair for tests and tooling.
//
// A missing principal surfaces as ErrUnauthenticated.
//
// # JWT Tokens
//
// Tokens are HS256 JWTs. JWTVerifier verifies and mints them; the development
// assistant backend verifies every request with it. Clients that do not know
// the secret use UnverifiedSubject to read their own principal.
package auth
