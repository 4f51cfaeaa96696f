// Package store provides persistent storage for chat sessions and messages.
//
// # Architecture
//
// The engine depends on two narrow interfaces:
//
//   - SessionStore: find the latest session for a context, create, list
//   - MessageStore: append-only message log plus TouchSession
//
// Store combines both. SQLiteStore implements it on top of database/sql and
// MockStore implements it in memory for tests, with per-operation failure
// injection through FailOn.
//
// # Guarantees
//
// Every write is a single SQL statement, so a failed AppendMessage never
// appears in a later ListMessages. Messages are listed in creation order;
// rows created within the same timestamp keep their insertion order.
//
// # Drivers
//
// NewSQLiteStore uses the pure Go modernc.org/sqlite driver. Deployments that
// prefer the cgo build can pass DriverCGO to NewSQLiteStoreWithDriver, which
// uses github.com/mattn/go-sqlite3. Both DSNs enable foreign keys and a busy
// timeout on every pooled connection.
package store
