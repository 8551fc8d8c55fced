// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Driver names accepted by NewSQLiteStoreWithDriver.
const (
	DriverModernc = "sqlite"  // pure Go, the default
	DriverCgo     = "sqlite3" // mattn/go-sqlite3, requires cgo
)

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteStore creates a new SQLite store at the given path using the
// pure Go driver. The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithDriver(path, DriverModernc)
}

// NewSQLiteStoreWithDriver is NewSQLiteStore with an explicit database/sql driver name.
func NewSQLiteStoreWithDriver(path, driver string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	switch driver {
	case "":
		driver = DriverModernc
	case DriverModernc, DriverCgo:
	default:
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	// Ensure parent directory exists
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Pragmas are per connection and :memory: databases are per connection,
	// so the pool is pinned to a single connection.
	db.SetMaxOpenConns(1)

	pragmas := []struct {
		stmt string
		desc string
	}{
		{"PRAGMA journal_mode=WAL", "enabling WAL mode"},
		{"PRAGMA foreign_keys=ON", "enabling foreign keys"},
		{"PRAGMA busy_timeout=5000", "setting busy timeout"},
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p.stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p.desc, err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_updated
			ON conversations(updated_at);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT,
			sequence INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE,
			CHECK (role IN ('user', 'assistant', 'tool', 'system'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_conversation_sequence
			ON messages(conversation_id, sequence);

		CREATE TABLE IF NOT EXISTS message_usage (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			message_id TEXT,
			model TEXT NOT NULL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_message_usage_conversation
			ON message_usage(conversation_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations adds columns introduced after the initial schema.
// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		check  string
		apply  string
		column string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('messages') WHERE name = 'tool_calls'`,
			apply:  `ALTER TABLE messages ADD COLUMN tool_calls TEXT`,
			column: "tool_calls",
		},
		{
			check:  `SELECT 1 FROM pragma_table_info('messages') WHERE name = 'tool_call_id'`,
			apply:  `ALTER TABLE messages ADD COLUMN tool_call_id TEXT`,
			column: "tool_call_id",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s column: %w", m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to messages: %w", m.column, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", "messages")
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}
	return nil
}

// CreateConversation inserts a new conversation. Missing timestamps are set to now.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	if utf8.RuneCountInString(conv.Title) > MaxTitleLength {
		return fmt.Errorf("title exceeds %d characters", MaxTitleLength)
	}
	now := s.now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.CreatedAt
	}

	query := `
		INSERT INTO conversations (id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		conv.ID,
		nullString(conv.Title),
		formatTime(conv.CreatedAt),
		formatTime(conv.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("conversation %s already exists: %w", conv.ID, err)
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?`
	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// ListConversations returns a page of conversations, most recently updated first,
// along with the total count.
func (s *SQLiteStore) ListConversations(ctx context.Context, limit, offset int) ([]*Conversation, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting conversations: %w", err)
	}

	query := `
		SELECT id, title, created_at, updated_at
		FROM conversations
		ORDER BY updated_at DESC, id ASC
		LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	convs := []*Conversation{}
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating conversations: %w", err)
	}
	return convs, total, nil
}

// DeleteConversation removes a conversation and, through the foreign key
// cascade, all of its messages and usage records. Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking deleted rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage validates and persists a message, assigning its sequence
// number and creation time and bumping the conversation's updated_at.
// The input is not modified; the stored copy is returned.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) (*Message, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	stored := *msg
	if len(msg.ToolCalls) > 0 {
		stored.ToolCalls = append([]ToolCall(nil), msg.ToolCalls...)
	}

	var toolCalls any
	if stored.HasToolCalls() {
		data, err := json.Marshal(stored.ToolCalls)
		if err != nil {
			return nil, fmt.Errorf("encoding tool calls: %w", err)
		}
		toolCalls = string(data)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var (
		lastSeq  int64
		lastTime sql.NullString
	)
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0), MAX(created_at) FROM messages WHERE conversation_id = ?`,
		stored.ConversationID,
	).Scan(&lastSeq, &lastTime)
	if err != nil {
		return nil, fmt.Errorf("reading last sequence: %w", err)
	}

	createdAt := s.now()
	if lastTime.Valid {
		prev, err := parseTime(lastTime.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last message time: %w", err)
		}
		if !createdAt.After(prev) {
			createdAt = prev.Add(time.Nanosecond)
		}
	}
	stored.CreatedAt = createdAt
	stored.Sequence = lastSeq + 1

	result, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		formatTime(createdAt), stored.ConversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("touching conversation: %w", err)
	}
	if affected, err := result.RowsAffected(); err != nil {
		return nil, fmt.Errorf("checking conversation rows: %w", err)
	} else if affected == 0 {
		return nil, ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, tool_calls, tool_call_id, sequence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		stored.ID,
		stored.ConversationID,
		string(stored.Role),
		nullableString(stored.Content),
		toolCalls,
		nullableString(stored.ToolCallID),
		stored.Sequence,
		formatTime(stored.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing message: %w", err)
	}
	return &stored, nil
}

// ListMessages returns every message of a conversation, oldest first.
// An unknown conversation yields an empty slice.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	query := messageColumns + ` WHERE conversation_id = ? ORDER BY sequence ASC`
	return s.queryMessages(ctx, query, conversationID)
}

// ListMessagesPage returns a window of a conversation's messages, oldest first,
// along with the total message count.
func (s *SQLiteStore) ListMessagesPage(ctx context.Context, conversationID string, limit, offset int) ([]*Message, int, error) {
	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting messages: %w", err)
	}

	query := messageColumns + ` WHERE conversation_id = ? ORDER BY sequence ASC LIMIT ? OFFSET ?`
	msgs, err := s.queryMessages(ctx, query, conversationID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return msgs, total, nil
}

const messageColumns = `
	SELECT id, conversation_id, role, content, tool_calls, tool_call_id, sequence, created_at
	FROM messages`

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	msgs := []*Message{}
	for rows.Next() {
		var (
			msg        Message
			role       string
			content    sql.NullString
			toolCalls  sql.NullString
			toolCallID sql.NullString
			createdAt  string
		)
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &role, &content, &toolCalls, &toolCallID, &msg.Sequence, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}

		if msg.Role, err = ParseRole(role); err != nil {
			return nil, err
		}
		if content.Valid {
			msg.Content = StringPtr(content.String)
		}
		if toolCallID.Valid {
			msg.ToolCallID = StringPtr(toolCallID.String)
		}
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("decoding tool calls for message %s: %w", msg.ID, err)
			}
		}
		if msg.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for message %s: %w", msg.ID, err)
		}
		msgs = append(msgs, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return msgs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		conv      Conversation
		title     sql.NullString
		createdAt string
		updatedAt string
	)
	if err := row.Scan(&conv.ID, &title, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	conv.Title = title.String

	var err error
	if conv.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if conv.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &conv, nil
}

// isConstraintViolation checks if the error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString converts empty strings to NULL for database storage
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// Ensure SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)
