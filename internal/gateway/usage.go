// ABOUTME: HTTP handler reporting the token usage of a chat
// ABOUTME: Returns per-call records plus totals from the usage store

package gateway

import (
	"net/http"
	"time"

	"github.com/2389/qna-gateway/internal/store"
)

// UsageCallResponse is the token usage of one model call.
type UsageCallResponse struct {
	ID           string    `json:"id"`
	MessageID    *string   `json:"message_id"`
	Model        string    `json:"model"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CreatedAt    time.Time `json:"created_at"`
}

// UsageResponse is the JSON response for GET /chats/{id}/usage.
type UsageResponse struct {
	ChatID       string              `json:"chat_id"`
	InputTokens  int64               `json:"input_tokens"`
	OutputTokens int64               `json:"output_tokens"`
	TotalTokens  int64               `json:"total_tokens"`
	RequestCount int64               `json:"request_count"`
	Calls        []UsageCallResponse `json:"calls"`
}

func toUsageCallResponse(u *store.TokenUsage) UsageCallResponse {
	resp := UsageCallResponse{
		ID:           u.ID,
		Model:        u.Model,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		CreatedAt:    u.CreatedAt,
	}
	if u.MessageID != "" {
		resp.MessageID = store.StringPtr(u.MessageID)
	}
	return resp
}

// handleUsage handles GET /chats/{id}/usage.
func (g *Gateway) handleUsage(w http.ResponseWriter, r *http.Request) {
	conv, ok := g.lookupChat(w, r)
	if !ok {
		return
	}

	stats, err := g.usage.GetUsageStats(r.Context(), conv.ID)
	if err != nil {
		g.logger.Error("failed to load usage stats", "chat_id", conv.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	usages, err := g.usage.ListUsage(r.Context(), conv.ID)
	if err != nil {
		g.logger.Error("failed to list usage", "chat_id", conv.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := UsageResponse{
		ChatID:       conv.ID,
		InputTokens:  stats.InputTokens,
		OutputTokens: stats.OutputTokens,
		TotalTokens:  stats.TotalTokens,
		RequestCount: stats.RequestCount,
		Calls:        make([]UsageCallResponse, 0, len(usages)),
	}
	for _, u := range usages {
		resp.Calls = append(resp.Calls, toUsageCallResponse(u))
	}
	g.writeJSON(w, http.StatusOK, resp)
}
