// ABOUTME: Turn orchestrator that drives the model/tool loop for one user message
// ABOUTME: Every message is persisted before its event is published - history is the source of truth

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/2389/qna-gateway/internal/llm"
	"github.com/2389/qna-gateway/internal/store"
	"github.com/2389/qna-gateway/internal/tools"
)

// Defaults applied by New to zero-valued Options.
const (
	DefaultMaxIterations      = 5
	DefaultTurnTimeout        = 5 * time.Minute
	DefaultMaxConcurrentTurns = 16
	DefaultSystemPrompt       = `You are a helpful assistant that answers questions using the knowledge base.

When users ask questions, use the search_knowledge_base tool to find relevant information.
Always base your answers on the information found in the knowledge base.
If you cannot find relevant information, say so honestly.

Be concise and helpful in your responses.`
)

// saveTimeout bounds writes made on a detached context.
const saveTimeout = 5 * time.Second

// toolCallIDPrefix prefixes generated tool call IDs.
const toolCallIDPrefix = "call_"

// ConversationStore defines what the service needs from storage
type ConversationStore interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	AppendMessage(ctx context.Context, msg *store.Message) (*store.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]*store.Message, error)
}

// ModelGateway defines what the service needs from the model provider
type ModelGateway interface {
	Complete(ctx context.Context, req *llm.Request) (*llm.Completion, error)
}

// ToolExecutor defines what the service needs from the tool layer
type ToolExecutor interface {
	Definitions() []llm.ToolDefinition
	Execute(ctx context.Context, call store.ToolCall) tools.Result
}

// Publisher defines what the service needs from the event bus
type Publisher interface {
	Publish(conversationID string, event Event) Event
}

// UsageRecorder persists the token usage of each model call
type UsageRecorder interface {
	SaveUsage(ctx context.Context, usage *store.TokenUsage) error
}

// Options tunes the turn loop.
type Options struct {
	SystemPrompt       string
	MaxIterations      int           // model calls per turn
	TurnTimeout        time.Duration // whole turn, merged with the caller's deadline
	MaxConcurrentTurns int64         // across all conversations
}

// Service runs turns: it accepts a user message, loops between the model
// and the tools, and persists and publishes every step.
type Service struct {
	store  ConversationStore
	model  ModelGateway
	tools  ToolExecutor
	events Publisher
	locks  *TurnLocks
	sem    *semaphore.Weighted
	opts   Options
	logger *slog.Logger
	newID  func() string

	usage      UsageRecorder
	usageModel string
}

// New creates a new Service
func New(st ConversationStore, model ModelGateway, executor ToolExecutor, events Publisher, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = DefaultSystemPrompt
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = DefaultTurnTimeout
	}
	if opts.MaxConcurrentTurns <= 0 {
		opts.MaxConcurrentTurns = DefaultMaxConcurrentTurns
	}
	return &Service{
		store:  st,
		model:  model,
		tools:  executor,
		events: events,
		locks:  NewTurnLocks(),
		sem:    semaphore.NewWeighted(opts.MaxConcurrentTurns),
		opts:   opts,
		logger: logger.With("component", "conversation"),
		newID:  func() string { return uuid.New().String() },
	}
}

// SetUsageRecorder enables token usage recording. model is stored for
// calls where the provider does not report the model it served.
func (s *Service) SetUsageRecorder(recorder UsageRecorder, model string) {
	s.usage = recorder
	s.usageModel = model
}

// TurnResult is the outcome of a completed turn.
type TurnResult struct {
	UserMessage      *store.Message
	AssistantMessage *store.Message
}

// SubmitUserMessage runs one turn for the conversation. Turns on the same
// conversation are serialized; the call blocks until earlier turns finish.
//
// A missing conversation returns an error matching ErrNotFound with no side
// effects. Every other failure publishes one error event and returns a
// *TurnError.
func (s *Service) SubmitUserMessage(ctx context.Context, conversationID, text string) (*TurnResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.TurnTimeout)
	defer cancel()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, s.fail(ctx, conversationID, KindCanceled, "waiting for a turn slot", err)
	}
	defer s.sem.Release(1)

	release, err := s.locks.Acquire(ctx, conversationID)
	if err != nil {
		return nil, s.fail(ctx, conversationID, KindCanceled, "waiting for the conversation", err)
	}
	defer release()

	if _, err := s.store.GetConversation(ctx, conversationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, conversationID)
		}
		return nil, s.failCause(ctx, conversationID, KindInternal, "loading conversation", err)
	}

	userMsg, err := s.store.AppendMessage(ctx, &store.Message{
		ID:             s.newID(),
		ConversationID: conversationID,
		Role:           store.RoleUser,
		Content:        store.StringPtr(text),
	})
	if err != nil {
		return nil, s.failCause(ctx, conversationID, KindInternal, "saving user message", err)
	}

	s.events.Publish(conversationID, Event{Kind: EventTyping})
	s.events.Publish(conversationID, Event{Kind: EventMessage, Message: userMsg})

	assistantMsg, err := s.runLoop(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	return &TurnResult{UserMessage: userMsg, AssistantMessage: assistantMsg}, nil
}

// runLoop alternates model calls and tool rounds until the model answers
// or the iteration cap is hit.
func (s *Service) runLoop(ctx context.Context, conversationID string) (*store.Message, error) {
	definitions := s.tools.Definitions()

	for iteration := 1; iteration <= s.opts.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return nil, s.failCause(ctx, conversationID, KindCanceled, "turn interrupted", err)
		}

		history, err := s.store.ListMessages(ctx, conversationID)
		if err != nil {
			return nil, s.failCause(ctx, conversationID, KindInternal, "loading transcript", err)
		}
		transcript, healed := healTranscript(history)
		if healed > 0 {
			s.logger.Warn("answered dangling tool calls in transcript",
				"conversation_id", conversationID,
				"count", healed)
		}

		s.logger.Debug("calling model",
			"conversation_id", conversationID,
			"iteration", iteration,
			"messages", len(transcript))

		completion, err := s.model.Complete(ctx, &llm.Request{
			SystemPrompt: s.opts.SystemPrompt,
			Messages:     transcript,
			Tools:        definitions,
		})
		if err != nil {
			return nil, s.failCause(ctx, conversationID, KindUpstream, "model request failed", err)
		}

		if completion.IsFinal() {
			if completion.Text == "" {
				s.recordUsage(ctx, conversationID, "", completion)
				return nil, s.fail(ctx, conversationID, KindUpstream, "model returned an empty answer", llm.ErrMalformed)
			}
			msg, err := s.store.AppendMessage(ctx, &store.Message{
				ID:             s.newID(),
				ConversationID: conversationID,
				Role:           store.RoleAssistant,
				Content:        store.StringPtr(completion.Text),
			})
			if err != nil {
				s.recordUsage(ctx, conversationID, "", completion)
				return nil, s.failCause(ctx, conversationID, KindInternal, "saving assistant message", err)
			}
			s.recordUsage(ctx, conversationID, msg.ID, completion)
			s.events.Publish(conversationID, Event{Kind: EventMessage, Message: msg})

			s.logger.Info("turn completed",
				"conversation_id", conversationID,
				"iterations", iteration)
			return msg, nil
		}

		calls := normalizeCallIDs(completion.ToolCalls, history, s.newToolCallID)
		assistant, err := s.store.AppendMessage(ctx, &store.Message{
			ID:             s.newID(),
			ConversationID: conversationID,
			Role:           store.RoleAssistant,
			ToolCalls:      calls,
		})
		if err != nil {
			s.recordUsage(ctx, conversationID, "", completion)
			return nil, s.failCause(ctx, conversationID, KindInternal, "saving tool calls", err)
		}
		s.recordUsage(ctx, conversationID, assistant.ID, completion)
		s.events.Publish(conversationID, Event{Kind: EventMessage, Message: assistant})

		if err := s.executeRound(ctx, conversationID, assistant); err != nil {
			return nil, err
		}
	}

	s.logger.Warn("tool loop exceeded",
		"conversation_id", conversationID,
		"max_iterations", s.opts.MaxIterations)
	return nil, s.fail(ctx, conversationID, KindLoopExceeded,
		fmt.Sprintf("no answer after %d model calls", s.opts.MaxIterations), nil)
}

// executeRound answers every tool call of the assistant message. Tool
// messages are written on a detached context so a round is never left
// half-applied, and are published once the whole round is persisted.
func (s *Service) executeRound(ctx context.Context, conversationID string, assistant *store.Message) error {
	pending := newPendingCalls(assistant.ToolCalls)
	saved := make([]*store.Message, 0, len(assistant.ToolCalls))

	publishSaved := func() {
		for _, msg := range saved {
			s.events.Publish(conversationID, Event{Kind: EventMessage, Message: msg})
		}
	}

	var interrupted error
	for _, call := range assistant.ToolCalls {
		var text string
		if interrupted == nil {
			interrupted = ctx.Err()
		}
		if interrupted != nil {
			text = "Error: tool call canceled before it ran"
		} else {
			res := s.tools.Execute(ctx, call)
			text = res.Text
		}

		msg := &store.Message{
			ID:             s.newID(),
			ConversationID: conversationID,
			Role:           store.RoleTool,
			ToolCallID:     store.StringPtr(call.ID),
			Content:        store.StringPtr(text),
		}
		if err := pending.answer(*msg.ToolCallID); err != nil {
			publishSaved()
			return s.fail(ctx, conversationID, KindInternal, "tool result does not match a pending call", err)
		}

		stored, err := s.saveDetached(ctx, msg)
		if err != nil {
			publishSaved()
			return s.fail(ctx, conversationID, KindInternal, "saving tool result", err)
		}
		saved = append(saved, stored)
	}

	publishSaved()

	if interrupted != nil {
		return s.fail(ctx, conversationID, KindCanceled, "turn interrupted during tool execution", interrupted)
	}
	return nil
}

// saveDetached persists a message even if the turn's context is done.
func (s *Service) saveDetached(ctx context.Context, msg *store.Message) (*store.Message, error) {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	return s.store.AppendMessage(saveCtx, msg)
}

// recordUsage saves the token usage of one completion. Failures are logged
// and never fail the turn.
func (s *Service) recordUsage(ctx context.Context, conversationID, messageID string, completion *llm.Completion) {
	if s.usage == nil {
		return
	}
	model := completion.Model
	if model == "" {
		model = s.usageModel
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	err := s.usage.SaveUsage(saveCtx, &store.TokenUsage{
		ID:             s.newID(),
		ConversationID: conversationID,
		MessageID:      messageID,
		Model:          model,
		InputTokens:    int64(completion.Usage.InputTokens),
		OutputTokens:   int64(completion.Usage.OutputTokens),
	})
	if err != nil {
		s.logger.Warn("failed to record token usage",
			"conversation_id", conversationID,
			"error", err)
	}
}

// failCause reports a failure, treating it as a cancellation when the turn
// context is already done.
func (s *Service) failCause(ctx context.Context, conversationID string, kind ErrorKind, reason string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return s.fail(ctx, conversationID, KindCanceled, reason, errors.Join(ctxErr, err))
	}
	return s.fail(ctx, conversationID, kind, reason, err)
}

// fail publishes the single error event for a turn and builds its TurnError.
func (s *Service) fail(ctx context.Context, conversationID string, kind ErrorKind, reason string, err error) error {
	// A chat deleted while its turn runs surfaces as a missing row on the next write.
	if kind == KindInternal && errors.Is(err, store.ErrNotFound) {
		kind = KindNotFound
		reason += ": conversation was deleted"
	}
	if kind == KindCanceled && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		reason += ": turn timed out"
	}
	terr := newTurnError(kind, reason, err)

	s.events.Publish(conversationID, Event{Kind: EventError, Reason: reason})
	s.logger.Error("turn failed",
		"conversation_id", conversationID,
		"kind", kind,
		"reason", reason,
		"error", err)
	return terr
}

func (s *Service) newToolCallID() string {
	return toolCallIDPrefix + uuid.New().String()
}

// pendingCalls tracks which tool calls of an assistant message still await a result.
type pendingCalls map[string]bool

func newPendingCalls(calls []store.ToolCall) pendingCalls {
	p := make(pendingCalls, len(calls))
	for _, c := range calls {
		p[c.ID] = true
	}
	return p
}

// answer marks a call as answered; an ID that is not pending is an orphan.
func (p pendingCalls) answer(id string) error {
	if !p[id] {
		return fmt.Errorf("%w: %q", ErrOrphanToolResult, id)
	}
	delete(p, id)
	return nil
}

// normalizeCallIDs replaces empty IDs and IDs already used in this
// conversation or this batch with fresh ones.
func normalizeCallIDs(calls []store.ToolCall, history []*store.Message, newID func() string) []store.ToolCall {
	seen := make(map[string]bool)
	for _, m := range history {
		for _, tc := range m.ToolCalls {
			seen[tc.ID] = true
		}
	}

	out := make([]store.ToolCall, len(calls))
	for i, c := range calls {
		if c.ID == "" || seen[c.ID] {
			c.ID = newID()
		}
		seen[c.ID] = true
		out[i] = c
	}
	return out
}

// healTranscript returns the transcript with a synthetic tool result after
// every assistant tool call that was never answered. Stored history is not
// changed. The second return value counts the synthetic results.
func healTranscript(msgs []*store.Message) ([]*store.Message, int) {
	out := make([]*store.Message, 0, len(msgs))
	healed := 0

	for i := 0; i < len(msgs); i++ {
		m := msgs[i]
		out = append(out, m)
		if m.Role != store.RoleAssistant || !m.HasToolCalls() {
			continue
		}

		answered := make(map[string]bool)
		j := i + 1
		for ; j < len(msgs) && msgs[j].Role == store.RoleTool; j++ {
			if msgs[j].ToolCallID != nil {
				answered[*msgs[j].ToolCallID] = true
			}
			out = append(out, msgs[j])
		}

		for _, tc := range m.ToolCalls {
			if answered[tc.ID] {
				continue
			}
			out = append(out, &store.Message{
				ConversationID: m.ConversationID,
				Role:           store.RoleTool,
				ToolCallID:     store.StringPtr(tc.ID),
				Content:        store.StringPtr("Error: tool call was interrupted and produced no result"),
			})
			healed++
		}
		i = j - 1
	}
	return out, healed
}
