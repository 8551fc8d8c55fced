// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers schema setup, migrations, persistence across reopen, and timestamp ordering

package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	// Verify the database file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestNewSQLiteStore_InMemory(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore(:memory:) failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.CreateConversation(ctx, &Conversation{ID: "c1"}); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	if _, err := store.GetConversation(ctx, "c1"); err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
}

func TestNewSQLiteStore_UnsupportedDriver(t *testing.T) {
	_, err := NewSQLiteStoreWithDriver(filepath.Join(t.TempDir(), "x.db"), "postgres")
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	if err := store.CreateConversation(ctx, &Conversation{ID: "c1", Title: "kept"}); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	if _, err := store.AppendMessage(ctx, &Message{ID: "m1", ConversationID: "c1", Role: RoleUser, Content: StringPtr("hi")}); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	store.Close()

	// Migrations must be idempotent on an existing database
	store, err = NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopening store failed: %v", err)
	}
	defer store.Close()

	conv, err := store.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if conv.Title != "kept" {
		t.Errorf("expected title 'kept', got %q", conv.Title)
	}

	msgs, err := store.ListMessages(ctx, "c1")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text() != "hi" {
		t.Fatalf("expected the persisted message after reopen, got %+v", msgs)
	}
}

func TestSQLiteStore_TimestampsBumpWhenClockStalls(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	frozen := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	store.now = func() time.Time { return frozen }

	ctx := context.Background()
	if err := store.CreateConversation(ctx, &Conversation{ID: "c1"}); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	var prev time.Time
	for i := range 3 {
		msg, err := store.AppendMessage(ctx, &Message{
			ID:             "m" + string(rune('a'+i)),
			ConversationID: "c1",
			Role:           RoleUser,
			Content:        StringPtr("same instant"),
		})
		if err != nil {
			t.Fatalf("AppendMessage %d failed: %v", i, err)
		}
		if i > 0 && !msg.CreatedAt.After(prev) {
			t.Errorf("message %d created_at %v not after %v", i, msg.CreatedAt, prev)
		}
		prev = msg.CreatedAt
	}

	msgs, err := store.ListMessages(ctx, "c1")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if want := frozen.Add(2 * time.Nanosecond); !msgs[2].CreatedAt.Equal(want) {
		t.Errorf("expected third timestamp %v, got %v", want, msgs[2].CreatedAt)
	}
}

func TestSQLiteStore_DuplicateConversation(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	if err := store.CreateConversation(ctx, &Conversation{ID: "dup"}); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	err := store.CreateConversation(ctx, &Conversation{ID: "dup"})
	if err == nil {
		t.Fatal("expected error creating duplicate conversation")
	}
	if errors.Is(err, ErrNotFound) {
		t.Errorf("duplicate create should not report not found: %v", err)
	}
}

func TestNewSQLiteStoreWithDriver_Cgo(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cgo.db")

	store, err := NewSQLiteStoreWithDriver(dbPath, DriverCgo)
	if err != nil {
		if strings.Contains(err.Error(), "cgo") {
			t.Skipf("go-sqlite3 unavailable in this build: %v", err)
		}
		t.Fatalf("NewSQLiteStoreWithDriver failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.CreateConversation(ctx, &Conversation{ID: "c1"}); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	if _, err := store.AppendMessage(ctx, &Message{ID: "m1", ConversationID: "c1", Role: RoleUser, Content: StringPtr("hello")}); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}

	msgs, err := store.ListMessages(ctx, "c1")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text() != "hello" || msgs[0].Sequence != 1 {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}

	return store
}
