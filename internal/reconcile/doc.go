// Package reconcile owns the visible, ordered message sequence of a conversation.
//
// The sequence mixes persisted messages with transient entries. While a reply
// streams, a single placeholder entry (identified by a Handle, never by a
// store ID) accumulates deltas. When the stream completes the placeholder is
// swapped, at the same position, for the persisted message. When the stream
// fails the placeholder becomes a failed entry that keeps the partial text;
// when the stream succeeds but storage fails it becomes an unsynced entry
// that can later be resolved against its stored counterpart.
//
// Invariants:
//   - at most one placeholder exists at any time
//   - no entry that was visible disappears, except when a placeholder,
//     failed or unsynced entry is replaced in place
//
// Every mutation is published to subscribers as a Change. Publishing never
// blocks; a subscriber that falls behind misses changes and should re-read
// Snapshot.
package reconcile
