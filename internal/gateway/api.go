// ABOUTME: HTTP API handlers for chats, message history, message submission and health
// ABOUTME: Maps turn failures to HTTP statuses and replays idempotent submissions

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/2389/qna-gateway/internal/conversation"
	"github.com/2389/qna-gateway/internal/dedupe"
	"github.com/2389/qna-gateway/internal/store"
)

// Request limits.
const (
	MaxContentLength    = 10000
	defaultChatLimit    = 20
	defaultMessageLimit = 50
	maxPageLimit        = 100
	maxBodyBytes        = 1 << 20
	readyCheckTimeout   = 5 * time.Second
)

// IdempotencyKeyHeader names the header used to deduplicate message submissions.
const IdempotencyKeyHeader = "Idempotency-Key"

// CreateChatRequest is the JSON request body for POST /chats.
type CreateChatRequest struct {
	Title *string `json:"title"`
}

// ChatResponse is the JSON representation of a chat.
type ChatResponse struct {
	ID        string    `json:"id"`
	Title     *string   `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChatListResponse is the JSON response for GET /chats.
type ChatListResponse struct {
	Items  []ChatResponse `json:"items"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// ToolCallResponse is a tool call in the provider's function-call shape.
type ToolCallResponse struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction is the function part of a ToolCallResponse.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// MessageResponse is the JSON representation of a persisted message.
type MessageResponse struct {
	ID         string             `json:"id"`
	ChatID     string             `json:"chat_id"`
	Role       string             `json:"role"`
	Content    *string            `json:"content"`
	ToolCalls  []ToolCallResponse `json:"tool_calls"`
	ToolCallID *string            `json:"tool_call_id"`
	CreatedAt  time.Time          `json:"created_at"`
}

// MessageListResponse is the JSON response for GET /chats/{id}/messages.
type MessageListResponse struct {
	Items  []MessageResponse `json:"items"`
	Total  int               `json:"total"`
	Limit  int               `json:"limit"`
	Offset int               `json:"offset"`
}

// SubmitMessageRequest is the JSON request body for POST /chats/{id}/messages.
type SubmitMessageRequest struct {
	Content string `json:"content"`
}

// SubmitMessageResponse is the JSON response for a completed turn.
type SubmitMessageResponse struct {
	UserMessage      MessageResponse `json:"user_message"`
	AssistantMessage MessageResponse `json:"assistant_message"`
}

// ReadyResponse is the JSON response for GET /ready.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// KnowledgeResponse is the JSON response for GET /knowledge.
type KnowledgeResponse struct {
	Dir   string   `json:"dir"`
	Files []string `json:"files"`
}

func toChatResponse(c *store.Conversation) ChatResponse {
	resp := ChatResponse{
		ID:        c.ID,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
	if c.Title != "" {
		resp.Title = store.StringPtr(c.Title)
	}
	return resp
}

func toMessageResponse(m *store.Message) MessageResponse {
	resp := MessageResponse{
		ID:         m.ID,
		ChatID:     m.ConversationID,
		Role:       string(m.Role),
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
		CreatedAt:  m.CreatedAt,
	}
	for _, tc := range m.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, ToolCallResponse{
			ID:       tc.ID,
			Type:     "function",
			Function: ToolCallFunction{Name: tc.Name, Arguments: tc.Arguments},
		})
	}
	return resp
}

// handleHealth reports that the process is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleReady checks the database and, when configured, the model provider.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyCheckTimeout)
	defer cancel()

	checks := map[string]string{"database": checkStatus(g.store.Ping(ctx))}
	if g.model != nil {
		checks["llm"] = checkStatus(g.model.Check(ctx))
	}

	resp := ReadyResponse{Status: "ready", Checks: checks}
	status := http.StatusOK
	for _, v := range checks {
		if v != "ok" {
			resp.Status = "not_ready"
			status = http.StatusServiceUnavailable
		}
	}
	g.writeJSON(w, status, resp)
}

func checkStatus(err error) string {
	if err != nil {
		return "error: " + err.Error()
	}
	return "ok"
}

// handleCreateChat handles POST /chats.
func (g *Gateway) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req CreateChatRequest
	if err := decodeBody(r, &req, true); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv := &store.Conversation{ID: uuid.New().String()}
	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if utf8.RuneCountInString(title) > store.MaxTitleLength {
			g.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("title must be at most %d characters", store.MaxTitleLength))
			return
		}
		conv.Title = title
	}

	if err := g.store.CreateConversation(r.Context(), conv); err != nil {
		g.logger.Error("failed to create chat", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.logger.Info("chat created", "chat_id", conv.ID)
	g.writeJSON(w, http.StatusCreated, toChatResponse(conv))
}

// handleListChats handles GET /chats.
func (g *Gateway) handleListChats(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePage(r, defaultChatLimit)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	convs, total, err := g.store.ListConversations(r.Context(), limit, offset)
	if err != nil {
		g.logger.Error("failed to list chats", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := ChatListResponse{
		Items:  make([]ChatResponse, 0, len(convs)),
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}
	for _, c := range convs {
		resp.Items = append(resp.Items, toChatResponse(c))
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleGetChat handles GET /chats/{id}.
func (g *Gateway) handleGetChat(w http.ResponseWriter, r *http.Request) {
	conv, ok := g.lookupChat(w, r)
	if !ok {
		return
	}
	g.writeJSON(w, http.StatusOK, toChatResponse(conv))
}

// handleDeleteChat handles DELETE /chats/{id}. Messages go with it.
func (g *Gateway) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := g.store.DeleteConversation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "chat not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to delete chat", "chat_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.logger.Info("chat deleted", "chat_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleListMessages handles GET /chats/{id}/messages.
func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePage(r, defaultMessageLimit)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	conv, ok := g.lookupChat(w, r)
	if !ok {
		return
	}

	msgs, total, err := g.store.ListMessagesPage(r.Context(), conv.ID, limit, offset)
	if err != nil {
		g.logger.Error("failed to list messages", "chat_id", conv.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := MessageListResponse{
		Items:  make([]MessageResponse, 0, len(msgs)),
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}
	for _, m := range msgs {
		resp.Items = append(resp.Items, toMessageResponse(m))
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleSubmitMessage handles POST /chats/{id}/messages. It runs a full turn
// and responds with the user message and the final assistant answer.
func (g *Gateway) handleSubmitMessage(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")

	var req SubmitMessageRequest
	if err := decodeBody(r, &req, false); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateContent(req.Content); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := r.Header.Get(IdempotencyKeyHeader)
	if key != "" {
		// Keys are scoped to the chat so one key cannot replay another chat's answer
		key = chatID + ":" + key
		state, cached := g.idempotency.Reserve(key)
		switch state {
		case dedupe.Completed:
			g.logger.Debug("replaying idempotent submission", "chat_id", chatID)
			g.writeJSON(w, http.StatusCreated, cached)
			return
		case dedupe.InFlight:
			g.sendJSONError(w, http.StatusConflict, "a request with this idempotency key is still in progress")
			return
		}
	}

	result, err := g.turns.SubmitUserMessage(r.Context(), chatID, req.Content)
	if err != nil {
		if key != "" {
			g.idempotency.Release(key)
		}
		status, message := turnErrorStatus(err)
		if status == http.StatusInternalServerError {
			g.logger.Error("turn failed", "chat_id", chatID, "error", err)
		} else {
			g.logger.Warn("turn failed", "chat_id", chatID, "status", status, "error", err)
		}
		g.sendJSONError(w, status, message)
		return
	}

	resp := &SubmitMessageResponse{
		UserMessage:      toMessageResponse(result.UserMessage),
		AssistantMessage: toMessageResponse(result.AssistantMessage),
	}
	if key != "" {
		g.idempotency.Complete(key, resp)
	}
	g.writeJSON(w, http.StatusCreated, resp)
}

// handleKnowledge handles GET /knowledge.
func (g *Gateway) handleKnowledge(w http.ResponseWriter, r *http.Request) {
	files, err := g.knowledge.ListFiles()
	if err != nil {
		g.logger.Error("failed to list knowledge files", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.writeJSON(w, http.StatusOK, KnowledgeResponse{Dir: g.knowledge.Dir(), Files: files})
}

// turnErrorStatus maps a turn failure to an HTTP status and client message.
func turnErrorStatus(err error) (int, string) {
	var turnErr *conversation.TurnError
	reason := "internal server error"
	if errors.As(err, &turnErr) && turnErr.Reason != "" {
		reason = turnErr.Reason
	}

	switch {
	case errors.Is(err, conversation.ErrNotFound):
		return http.StatusNotFound, "chat not found"
	case errors.Is(err, conversation.ErrUpstream):
		return http.StatusBadGateway, "failed to process message with LLM: " + reason
	case errors.Is(err, conversation.ErrLoopExceeded):
		return http.StatusLoopDetected, reason
	case errors.Is(err, conversation.ErrCanceled):
		return http.StatusGatewayTimeout, reason
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// lookupChat loads the chat named by the {id} path value, writing a 404 or
// 500 response when it cannot.
func (g *Gateway) lookupChat(w http.ResponseWriter, r *http.Request) (*store.Conversation, bool) {
	id := r.PathValue("id")
	conv, err := g.store.GetConversation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "chat not found")
		return nil, false
	}
	if err != nil {
		g.logger.Error("failed to load chat", "chat_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return nil, false
	}
	return conv, true
}

// validateContent enforces the 1..MaxContentLength character bound.
func validateContent(content string) error {
	n := utf8.RuneCountInString(content)
	if strings.TrimSpace(content) == "" {
		return errors.New("content is required")
	}
	if n > MaxContentLength {
		return fmt.Errorf("content must be at most %d characters", MaxContentLength)
	}
	return nil
}

// parsePage reads limit and offset query parameters.
func parsePage(r *http.Request, defaultLimit int) (limit, offset int, err error) {
	limit = defaultLimit
	q := r.URL.Query()

	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 1 || limit > maxPageLimit {
			return 0, 0, fmt.Errorf("limit must be an integer between 1 and %d", maxPageLimit)
		}
	}
	if v := q.Get("offset"); v != "" {
		offset, err = strconv.Atoi(v)
		if err != nil || offset < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}

// decodeBody decodes a JSON request body into dst. When allowEmpty is set an
// empty body leaves dst untouched.
func decodeBody(r *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) && allowEmpty {
			return nil
		}
		return errors.New("invalid JSON body")
	}
	return nil
}

// writeJSON writes v as a JSON response with the given status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
