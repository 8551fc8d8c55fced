// Package store provides persistent storage for conversations using SQLite.
//
// # Data Models
//
//   - Conversation: a titled, ordered sequence of messages
//   - Message: one transcript entry with role user, assistant, tool, or system
//   - ToolCall: a model request to invoke a named capability with JSON arguments
//   - TokenUsage: token counts of one model call (UsageStore)
//
// Messages are append-only. AppendMessage assigns each message a
// per-conversation sequence number starting at 1 and a creation time that
// strictly increases within the conversation.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode and a single pooled connection:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=5000;
//
// The pure Go driver (modernc.org/sqlite) is the default. The cgo driver
// (github.com/mattn/go-sqlite3) is available through NewSQLiteStoreWithDriver
// with DriverCgo. Deleting a conversation cascades to its messages and usage records.
//
// # Error Handling
//
//   - ErrNotFound: requested conversation does not exist
//   - ErrInvalidMessage: message shape is illegal for its role
//
// # Testing
//
// Use NewMockStore() for unit tests. Use NewSQLiteStore(":memory:") or a
// t.TempDir() path for integration tests with real SQLite.
package store
