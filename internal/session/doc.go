// Package session resolves the logical chat session for a conversation context.
//
// A Context is a (Type, ID) pair such as ("global", "") or ("project", "p-42").
// For each authenticated principal at most one session per context is
// current: the most recently active one. Resolve returns it, creating a fresh
// session when none exists yet. Concurrent Resolve calls for the same
// principal and context share a single lookup-then-create flight, so a
// context never gets duplicate sessions from a create race inside one process.
package session
