// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode/utf8"
)

// MockStore is an in-memory Store implementation for testing.
// It follows the same sequencing and validation rules as SQLiteStore.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by conversation ID
	messages      map[string][]*Message    // keyed by conversation ID, in sequence order
	usage         map[string][]*TokenUsage // keyed by conversation ID

	// AppendErr, when set, is returned by AppendMessage for messages matching the predicate.
	AppendErr func(msg *Message) error
	// PingErr is returned by Ping when set.
	PingErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		usage:         make(map[string][]*TokenUsage),
	}
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[conv.ID]; exists {
		return fmt.Errorf("conversation %s already exists", conv.ID)
	}
	if utf8.RuneCountInString(conv.Title) > MaxTitleLength {
		return fmt.Errorf("title exceeds %d characters", MaxTitleLength)
	}
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.CreatedAt
	}

	// Make a copy to avoid external modification
	c := *conv
	m.conversations[c.ID] = &c
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *conv
	return &c, nil
}

// ListConversations returns conversations ordered by updated_at descending.
func (m *MockStore) ListConversations(ctx context.Context, limit, offset int) ([]*Conversation, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]*Conversation, 0, len(m.conversations))
	for _, conv := range m.conversations {
		c := *conv
		all = append(all, &c)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].UpdatedAt.Equal(all[j].UpdatedAt) {
			return all[i].UpdatedAt.After(all[j].UpdatedAt)
		}
		return all[i].ID < all[j].ID
	})
	return page(all, limit, offset), len(all), nil
}

// DeleteConversation removes a conversation and its messages.
func (m *MockStore) DeleteConversation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[id]; !ok {
		return ErrNotFound
	}
	delete(m.conversations, id)
	delete(m.messages, id)
	delete(m.usage, id)
	return nil
}

// AppendMessage validates and stores a message, assigning sequence and time.
func (m *MockStore) AppendMessage(ctx context.Context, msg *Message) (*Message, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	if m.AppendErr != nil {
		if err := m.AppendErr(msg); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[msg.ConversationID]
	if !ok {
		return nil, ErrNotFound
	}

	existing := m.messages[msg.ConversationID]
	createdAt := time.Now().UTC()
	if n := len(existing); n > 0 {
		if prev := existing[n-1].CreatedAt; !createdAt.After(prev) {
			createdAt = prev.Add(time.Nanosecond)
		}
	}

	stored := copyMessage(msg)
	stored.CreatedAt = createdAt
	stored.Sequence = int64(len(existing)) + 1
	m.messages[msg.ConversationID] = append(existing, stored)
	conv.UpdatedAt = createdAt

	return copyMessage(stored), nil
}

// ListMessages returns all messages of a conversation, oldest first.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.messages[conversationID]
	out := make([]*Message, 0, len(src))
	for _, msg := range src {
		out = append(out, copyMessage(msg))
	}
	return out, nil
}

// ListMessagesPage returns a window of a conversation's messages, oldest first.
func (m *MockStore) ListMessagesPage(ctx context.Context, conversationID string, limit, offset int) ([]*Message, int, error) {
	all, err := m.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, 0, err
	}
	return page(all, limit, offset), len(all), nil
}

// SaveUsage stores a usage record for an existing conversation.
func (m *MockStore) SaveUsage(ctx context.Context, usage *TokenUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[usage.ConversationID]; !ok {
		return ErrNotFound
	}
	if usage.CreatedAt.IsZero() {
		usage.CreatedAt = time.Now().UTC()
	}
	u := *usage
	m.usage[u.ConversationID] = append(m.usage[u.ConversationID], &u)
	return nil
}

// ListUsage returns copies of a conversation's usage records in insertion order.
func (m *MockStore) ListUsage(ctx context.Context, conversationID string) ([]*TokenUsage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*TokenUsage, 0, len(m.usage[conversationID]))
	for _, u := range m.usage[conversationID] {
		c := *u
		out = append(out, &c)
	}
	return out, nil
}

// GetUsageStats sums a conversation's usage records.
func (m *MockStore) GetUsageStats(ctx context.Context, conversationID string) (*UsageStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats UsageStats
	for _, u := range m.usage[conversationID] {
		stats.InputTokens += u.InputTokens
		stats.OutputTokens += u.OutputTokens
		stats.RequestCount++
	}
	stats.TotalTokens = stats.InputTokens + stats.OutputTokens
	return &stats, nil
}

// Ping returns PingErr.
func (m *MockStore) Ping(ctx context.Context) error {
	return m.PingErr
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

func copyMessage(msg *Message) *Message {
	c := *msg
	if msg.Content != nil {
		c.Content = StringPtr(*msg.Content)
	}
	if msg.ToolCallID != nil {
		c.ToolCallID = StringPtr(*msg.ToolCallID)
	}
	if msg.ToolCalls != nil {
		c.ToolCalls = append([]ToolCall(nil), msg.ToolCalls...)
	}
	return &c
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := len(items)
	if limit >= 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}

// ErrMockFailure is a convenience error for injecting store failures in tests.
var ErrMockFailure = errors.New("mock store failure")

// Ensure MockStore implements Store
var _ Store = (*MockStore)(nil)
var _ UsageStore = (*MockStore)(nil)
