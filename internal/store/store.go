// ABOUTME: Store interface and data types for qna-gateway persistence
// ABOUTME: Defines Conversation, Message and ToolCall and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrInvalidMessage is returned when a message does not have a legal shape for its role
var ErrInvalidMessage = errors.New("invalid message")

// MaxTitleLength bounds the optional conversation title.
const MaxTitleLength = 255

// Role identifies who authored a message.
type Role string

// Roles a message can carry. This set is closed.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// ParseRole converts a stored role string into a Role, rejecting unknown values.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleUser, RoleAssistant, RoleTool, RoleSystem:
		return r, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, s)
	}
}

// Conversation is a titled, ordered sequence of messages.
type Conversation struct {
	ID        string
	Title     string // optional
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ToolCall is a model's request to invoke a named capability.
// Arguments holds the raw JSON text emitted by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one persisted entry of a conversation transcript.
//
// An assistant message carries either Content or ToolCalls, never both.
// A tool message carries the ToolCallID it answers.
type Message struct {
	ID             string
	ConversationID string
	Role           Role
	Content        *string
	ToolCalls      []ToolCall
	ToolCallID     *string
	CreatedAt      time.Time
	Sequence       int64 // assigned by the store, 1-based per conversation
}

// Text returns the message content or "" when there is none.
func (m *Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// HasToolCalls reports whether the message requests tool invocations.
func (m *Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

// Validate checks the role-specific shape of a message before it is persisted.
func (m *Message) Validate() error {
	if m.ConversationID == "" {
		return fmt.Errorf("%w: conversation id is required", ErrInvalidMessage)
	}
	if _, err := ParseRole(string(m.Role)); err != nil {
		return err
	}

	switch m.Role {
	case RoleAssistant:
		hasContent := m.Content != nil
		if hasContent == m.HasToolCalls() {
			return fmt.Errorf("%w: assistant message needs content or tool calls, not both", ErrInvalidMessage)
		}
		if hasContent && *m.Content == "" {
			return fmt.Errorf("%w: assistant message content is empty", ErrInvalidMessage)
		}
		for _, tc := range m.ToolCalls {
			if tc.ID == "" || tc.Name == "" {
				return fmt.Errorf("%w: tool call needs an id and a name", ErrInvalidMessage)
			}
		}
	case RoleTool:
		if m.ToolCallID == nil || *m.ToolCallID == "" {
			return fmt.Errorf("%w: tool message needs a tool call id", ErrInvalidMessage)
		}
		if m.Content == nil {
			return fmt.Errorf("%w: tool message needs content", ErrInvalidMessage)
		}
		if m.HasToolCalls() {
			return fmt.Errorf("%w: tool message cannot carry tool calls", ErrInvalidMessage)
		}
	case RoleUser, RoleSystem:
		if m.Content == nil {
			return fmt.Errorf("%w: %s message needs content", ErrInvalidMessage, m.Role)
		}
		if m.HasToolCalls() || m.ToolCallID != nil {
			return fmt.Errorf("%w: %s message cannot carry tool fields", ErrInvalidMessage, m.Role)
		}
	}
	return nil
}

// Store defines the interface for conversation persistence.
// Appended messages are immutable; there is no update operation.
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, limit, offset int) ([]*Conversation, int, error)
	DeleteConversation(ctx context.Context, id string) error

	// Messages
	AppendMessage(ctx context.Context, msg *Message) (*Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]*Message, error)
	ListMessagesPage(ctx context.Context, conversationID string, limit, offset int) ([]*Message, int, error)

	// Health
	Ping(ctx context.Context) error
	Close() error
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}
