// ABOUTME: Token usage records for model calls and the SQLite implementation
// ABOUTME: One row per completion, linked to the assistant message it produced

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TokenUsage is the token accounting of a single model call.
type TokenUsage struct {
	ID             string
	ConversationID string
	MessageID      string // assistant message the call produced, "" if none was saved
	Model          string
	InputTokens    int64
	OutputTokens   int64
	CreatedAt      time.Time
}

// UsageStats aggregates usage over a conversation.
type UsageStats struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	RequestCount int64
}

// UsageStore persists token usage. Records are deleted with their conversation.
type UsageStore interface {
	SaveUsage(ctx context.Context, usage *TokenUsage) error
	ListUsage(ctx context.Context, conversationID string) ([]*TokenUsage, error)
	GetUsageStats(ctx context.Context, conversationID string) (*UsageStats, error)
}

// SaveUsage stores a token usage record. A zero CreatedAt is set to now.
func (s *SQLiteStore) SaveUsage(ctx context.Context, usage *TokenUsage) error {
	if usage.CreatedAt.IsZero() {
		usage.CreatedAt = s.now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_usage (
			id, conversation_id, message_id, model, input_tokens, output_tokens, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		usage.ID,
		usage.ConversationID,
		nullString(usage.MessageID),
		usage.Model,
		usage.InputTokens,
		usage.OutputTokens,
		formatTime(usage.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			if _, getErr := s.GetConversation(ctx, usage.ConversationID); errors.Is(getErr, ErrNotFound) {
				return ErrNotFound
			}
		}
		return fmt.Errorf("inserting usage: %w", err)
	}

	s.logger.Debug("saved token usage",
		"id", usage.ID,
		"conversation_id", usage.ConversationID,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
	)
	return nil
}

// ListUsage returns the usage records of a conversation, oldest first.
func (s *SQLiteStore) ListUsage(ctx context.Context, conversationID string) ([]*TokenUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, message_id, model, input_tokens, output_tokens, created_at
		FROM message_usage
		WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var usages []*TokenUsage
	for rows.Next() {
		usage, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		usages = append(usages, usage)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage rows: %w", err)
	}
	return usages, nil
}

// GetUsageStats sums the usage of a conversation.
func (s *SQLiteStore) GetUsageStats(ctx context.Context, conversationID string) (*UsageStats, error) {
	var stats UsageStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COUNT(*)
		FROM message_usage
		WHERE conversation_id = ?
	`, conversationID).Scan(&stats.InputTokens, &stats.OutputTokens, &stats.RequestCount)
	if err != nil {
		return nil, fmt.Errorf("querying usage stats: %w", err)
	}

	stats.TotalTokens = stats.InputTokens + stats.OutputTokens
	return &stats, nil
}

func scanUsage(row rowScanner) (*TokenUsage, error) {
	var (
		usage     TokenUsage
		messageID sql.NullString
		createdAt string
	)
	err := row.Scan(
		&usage.ID,
		&usage.ConversationID,
		&messageID,
		&usage.Model,
		&usage.InputTokens,
		&usage.OutputTokens,
		&createdAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning usage row: %w", err)
	}
	usage.MessageID = messageID.String

	if usage.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &usage, nil
}

// Ensure SQLiteStore implements UsageStore
var _ UsageStore = (*SQLiteStore)(nil)
