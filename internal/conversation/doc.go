// Package conversation sends user messages to the assistant and reconciles
// the streamed reply into a durable, ordered history.
//
// # Overview
//
// A Service hands out one Conversation per context (global, or tied to an
// entity such as a project). Each Conversation owns a reconcile.Engine
// holding the visible message sequence.
//
// Conversation serves a single user, as a terminal client does. A Service
// shared by several principals hands out conversations with ConversationFor,
// which scopes the cache and the single-flight key to the principal and
// rejects callers that resolve to anyone else with ErrPrincipalMismatch.
//
//	svc := conversation.New(conversation.Deps{...})
//	conv := svc.Conversation(session.Context{Type: "project", ID: "p-42"})
//	res, err := conv.Send(ctx, "Hello")
//
// # Sending
//
// Send runs these steps on the caller's goroutine:
//
//  1. Resolve the session for the context (find or create)
//  2. Persist the user message, then show it
//  3. Open a placeholder and the assistant stream
//  4. Apply each decoded delta to the placeholder
//  5. Persist the reply and swap it in for the placeholder
//  6. Touch the session's last-active time
//
// Record first, then act: the user message is stored before the stream
// opens and is never retracted. A stream failure keeps the partial reply
// visible as a failed entry. A reply that streamed fully but could not be
// stored is kept as an unsynced entry until Resync stores it.
//
// # Single flight
//
// At most one operation runs per context key (per principal and context key
// for conversations from ConversationFor). The key is held by an explicit
// flight.Token for the whole operation; a second Send, Load or Resync while
// one is in flight fails with ErrBusy.
//
// # Errors
//
// Failures are returned as *Error carrying a Kind and the failing step.
// Each failure produces exactly one notification whose text comes from
// UserMessage; internal detail is only logged.
package conversation
