// ABOUTME: SQLite implementation of the Store interface
// ABOUTME: Provides session/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// timeFormat is fixed width so that lexical order in SQLite matches time order.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	now    func() time.Time
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path using the pure Go
// driver. The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithDriver(DriverModernc, path)
}

// NewSQLiteStoreWithDriver is like NewSQLiteStore but selects the database/sql
// driver (DriverModernc or DriverCGO).
func NewSQLiteStoreWithDriver(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if driver == "" {
		driver = DriverModernc
	}
	dsn, err := buildDSN(driver, path)
	if err != nil {
		return nil, err
	}

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS chat_sessions (
			id             TEXT PRIMARY KEY,
			principal_id   TEXT NOT NULL,
			context_type   TEXT NOT NULL,
			context_id     TEXT NOT NULL DEFAULT '',
			started_at     TEXT NOT NULL,
			last_active_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_chat_sessions_context
			ON chat_sessions(principal_id, context_type, context_id, last_active_at);

		CREATE TABLE IF NOT EXISTS chat_messages (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			id         TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL REFERENCES chat_sessions(id),
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at TEXT NOT NULL,

			CHECK (role IN ('user', 'assistant'))
		);

		CREATE INDEX IF NOT EXISTS idx_chat_messages_session
			ON chat_messages(session_id, created_at, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// CreateSession inserts a new session row.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	query := `
		INSERT INTO chat_sessions (id, principal_id, context_type, context_id, started_at, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		session.ID,
		session.PrincipalID,
		session.ContextType,
		session.ContextID,
		formatTime(session.StartedAt),
		formatTime(session.LastActiveAt),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session", "id", session.ID, "context_type", session.ContextType)
	return nil
}

// GetSession retrieves a session by ID.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `
		SELECT id, principal_id, context_type, context_id, started_at, last_active_at
		FROM chat_sessions
		WHERE id = ?
	`
	return s.scanSession(s.db.QueryRowContext(ctx, query, id))
}

// FindLatestSession returns the most recently active session for the
// principal and context. Returns ErrNotFound if there is none.
func (s *SQLiteStore) FindLatestSession(ctx context.Context, principalID, contextType, contextID string) (*Session, error) {
	query := `
		SELECT id, principal_id, context_type, context_id, started_at, last_active_at
		FROM chat_sessions
		WHERE principal_id = ? AND context_type = ? AND context_id = ?
		ORDER BY last_active_at DESC, started_at DESC, rowid DESC
		LIMIT 1
	`
	return s.scanSession(s.db.QueryRowContext(ctx, query, principalID, contextType, contextID))
}

// ListSessions returns a principal's sessions, most recently active first.
func (s *SQLiteStore) ListSessions(ctx context.Context, principalID string, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	query := `
		SELECT id, principal_id, context_type, context_id, started_at, last_active_at
		FROM chat_sessions
		WHERE principal_id = ?
		ORDER BY last_active_at DESC, rowid DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, principalID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session, err := s.scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

// AppendMessage persists a message in a single statement.
// CreatedAt never precedes the session's latest message, even if the wall
// clock steps back. Returns ErrSessionNotFound when the session does not exist.
func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID string, role Role, content string) (*Message, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("invalid role %q", role)
	}

	msg := &Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
	}

	// The select from chat_sessions makes an unknown session insert nothing
	// instead of relying on per-connection foreign key pragmas. Timestamps
	// are fixed width text, so MAX compares them chronologically.
	query := `
		INSERT INTO chat_messages (id, session_id, role, content, created_at)
		SELECT ?, s.id, ?, ?, MAX(?, COALESCE(
			(SELECT MAX(m.created_at) FROM chat_messages m WHERE m.session_id = s.id), ''))
		FROM chat_sessions s WHERE s.id = ?
		RETURNING created_at
	`

	var createdAt string
	err := s.db.QueryRowContext(ctx, query,
		msg.ID,
		string(msg.Role),
		msg.Content,
		formatTime(s.now()),
		sessionID,
	).Scan(&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}
	if msg.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	s.logger.Debug("appended message", "id", msg.ID, "session_id", sessionID, "role", role)
	return msg, nil
}

// ListMessages retrieves all messages for a session in insertion order.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]*Message, error) {
	query := `
		SELECT id, session_id, role, content, created_at
		FROM chat_messages
		WHERE session_id = ?
		ORDER BY seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var role, createdAtStr string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msg.Role = Role(role)
		msg.CreatedAt, err = parseTime(createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	return messages, nil
}

// TouchSession sets last_active_at. Returns ErrSessionNotFound when no row matched.
func (s *SQLiteStore) TouchSession(ctx context.Context, sessionID string, ts time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET last_active_at = ? WHERE id = ?`,
		formatTime(ts), sessionID,
	)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking updated rows: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanSession(row rowScanner) (*Session, error) {
	var session Session
	var startedAtStr, lastActiveStr string

	err := row.Scan(
		&session.ID,
		&session.PrincipalID,
		&session.ContextType,
		&session.ContextID,
		&startedAtStr,
		&lastActiveStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	session.StartedAt, err = parseTime(startedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	session.LastActiveAt, err = parseTime(lastActiveStr)
	if err != nil {
		return nil, fmt.Errorf("parsing last_active_at: %w", err)
	}

	return &session, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, strings.TrimSpace(s))
}
