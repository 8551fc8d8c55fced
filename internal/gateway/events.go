// ABOUTME: Server-Sent Events stream of a chat's typing, message and error events
// ABOUTME: Bridges EventBroadcaster subscriptions to HTTP clients with periodic keepalives

package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/2389/qna-gateway/internal/conversation"
)

const defaultKeepalive = 30 * time.Second

// TypingEventData is the payload of a typing event.
type TypingEventData struct {
	ChatID string `json:"chat_id"`
}

// ErrorEventData is the payload of an error event.
type ErrorEventData struct {
	Reason string `json:"reason"`
}

// handleEvents handles GET /chats/{id}/events.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	conv, ok := g.lookupChat(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	sub := g.events.Subscribe(ctx, conv.ID)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger := g.logger.With("chat_id", conv.ID, "sub_id", sub.ID())
	logger.Info("SSE client connected")
	defer logger.Info("SSE client disconnected")

	interval := g.config.Events.Keepalive
	if interval <= 0 {
		interval = defaultKeepalive
	}
	keepalive := time.NewTicker(interval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				if sub.Dropped() {
					logger.Warn("SSE subscriber dropped for falling behind")
				}
				return
			}
			if err := g.writeSSEEvent(w, ev); err != nil {
				logger.Debug("failed to write SSE event", "error", err)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// eventData builds the JSON payload for an event.
func eventData(ev conversation.Event) any {
	switch ev.Kind {
	case conversation.EventTyping:
		return TypingEventData{ChatID: ev.ConversationID}
	case conversation.EventMessage:
		if ev.Message != nil {
			return toMessageResponse(ev.Message)
		}
		return struct{}{}
	default:
		return ErrorEventData{Reason: ev.Reason}
	}
}

// writeSSEEvent writes a single event in the form:
// id: <id>\nevent: <kind>\ndata: <json>\n\n
func (g *Gateway) writeSSEEvent(w io.Writer, ev conversation.Event) error {
	data, err := json.Marshal(eventData(ev))
	if err != nil {
		return fmt.Errorf("marshaling SSE data: %w", err)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Kind, data)
	return err
}
