// Package gateway serves the qna-gateway HTTP API.
//
// # Overview
//
// The Gateway owns the HTTP server and wires together the store, the
// knowledge base, the model client, the tool registry, the event broadcaster
// and the turn service:
//
//	gw, err := gateway.New(cfg, logger)
//	if err != nil { ... }
//	err = gw.Run(ctx) // blocks until ctx is canceled
//
// Tests and embedders can supply their own collaborators with
// NewWithComponents.
//
// # Endpoints
//
//	POST   /chats                  create a chat
//	GET    /chats                  list chats (limit, offset)
//	GET    /chats/{id}             get a chat
//	DELETE /chats/{id}             delete a chat and its messages
//	GET    /chats/{id}/messages    message history (limit, offset)
//	POST   /chats/{id}/messages    run a turn and return the answer
//	GET    /chats/{id}/events      Server-Sent Events stream
//	GET    /chats/{id}/usage       token usage of the chat
//	GET    /knowledge              list knowledge base documents
//	GET    /health                 liveness
//	GET    /ready                  readiness (database, optionally llm)
//
// Errors are JSON objects of the form {"error": "..."}.
//
// # Turn Failures
//
// POST /chats/{id}/messages maps turn failures to statuses:
//
//	404  chat not found
//	502  model provider failure
//	508  tool loop exceeded the iteration cap
//	504  turn canceled or timed out
//	500  anything else
//
// # Idempotency
//
// A submission carrying an Idempotency-Key header is remembered for
// server.idempotency_ttl. A repeat of a successful submission replays the
// stored response; a repeat while the first is still running gets 409.
// Failed submissions are forgotten so they can be retried.
//
// # Event Stream
//
// Each SSE frame carries the event id, the kind and a JSON payload:
//
//	id: 12
//	event: message
//	data: {"id":"...","chat_id":"...","role":"assistant","content":"..."}
//
// A ": keepalive" comment is written every events.keepalive. Events are not
// replayed; a subscriber that falls behind is disconnected.
//
// # Listeners
//
// The server listens on server.http_addr, or joins a tailnet with tsnet when
// tailscale.enabled is set (port 80, or 443 with tailscale.https or
// tailscale.funnel).
package gateway
