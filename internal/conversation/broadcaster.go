// ABOUTME: In-memory fan-out event broadcaster for live conversation progress
// ABOUTME: Publishes typing, message and error events to all subscribers of a conversation

package conversation

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/qna-gateway/internal/store"
)

const (
	// DefaultSubscriberBuffer is the channel buffer for each subscriber.
	DefaultSubscriberBuffer = 64
)

// EventKind classifies an Event.
type EventKind string

// Event kinds published during a turn.
const (
	EventTyping  EventKind = "typing"
	EventMessage EventKind = "message"
	EventError   EventKind = "error"
)

// Event is a notification about a conversation. Message is set for
// EventMessage, Reason for EventError.
type Event struct {
	ID             uint64
	Kind           EventKind
	ConversationID string
	Message        *store.Message
	Reason         string
	Timestamp      time.Time
}

// Subscription is one subscriber's view of a conversation's events.
// The channel is closed when the subscription ends for any reason.
type Subscription struct {
	id             string
	conversationID string
	ch             chan Event
	broadcaster    *EventBroadcaster
	dropped        atomic.Bool
	closeOnce      sync.Once
}

// Events returns the receive side of the subscription.
func (s *Subscription) Events() <-chan Event { return s.ch }

// ID returns the subscription ID.
func (s *Subscription) ID() string { return s.id }

// ConversationID returns the conversation this subscription watches.
func (s *Subscription) ConversationID() string { return s.conversationID }

// Dropped reports whether the broadcaster removed this subscriber for
// falling behind.
func (s *Subscription) Dropped() bool { return s.dropped.Load() }

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.broadcaster.unsubscribe(s.conversationID, s.id)
}

// EventBroadcaster provides in-memory pub/sub for conversation events.
// Subscribers register for a conversation ID and receive events published
// after they registered. Nothing is replayed.
type EventBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*Subscription // conversationID -> subID -> sub
	bufferSize  int
	nextID      atomic.Uint64
	closed      bool
	logger      *slog.Logger
}

// NewEventBroadcaster creates a broadcaster. Pass nil logger for default and
// a bufferSize <= 0 for DefaultSubscriberBuffer.
func NewEventBroadcaster(bufferSize int, logger *slog.Logger) *EventBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	if bufferSize <= 0 {
		bufferSize = DefaultSubscriberBuffer
	}
	return &EventBroadcaster{
		subscribers: make(map[string]map[string]*Subscription),
		bufferSize:  bufferSize,
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for events on the given conversation.
// The subscription is automatically cleaned up when ctx is cancelled.
// Subscribing to a closed broadcaster returns an already-closed subscription.
func (b *EventBroadcaster) Subscribe(ctx context.Context, conversationID string) *Subscription {
	sub := &Subscription{
		id:             uuid.New().String(),
		conversationID: conversationID,
		ch:             make(chan Event, b.bufferSize),
		broadcaster:    b,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.closeOnce.Do(func() { close(sub.ch) })
		return sub
	}
	if _, ok := b.subscribers[conversationID]; !ok {
		b.subscribers[conversationID] = make(map[string]*Subscription)
	}
	b.subscribers[conversationID][sub.id] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added",
		"conversation_id", conversationID,
		"sub_id", sub.id)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.unsubscribe(conversationID, sub.id)
	}()

	return sub
}

// Publish sends an event to every subscriber of the conversation and returns
// the event with its ID and timestamp assigned. It never blocks: a subscriber
// whose buffer is full is dropped and its channel closed.
func (b *EventBroadcaster) Publish(conversationID string, event Event) Event {
	event.ID = b.nextID.Add(1)
	event.ConversationID = conversationID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var slow []*Subscription

	// Sends happen under the read lock so no channel can be closed mid-send;
	// closes only happen under the write lock.
	b.mu.RLock()
	for _, sub := range b.subscribers[conversationID] {
		select {
		case sub.ch <- event:
		default:
			slow = append(slow, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range slow {
		sub.dropped.Store(true)
		b.logger.Warn("dropping slow subscriber",
			"conversation_id", conversationID,
			"sub_id", sub.id,
			"event_id", event.ID)
		b.unsubscribe(conversationID, sub.id)
	}
	return event
}

// SubscriberCount returns the number of live subscribers for a conversation.
func (b *EventBroadcaster) SubscriberCount(conversationID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[conversationID])
}

// unsubscribe removes a subscription and closes its channel.
func (b *EventBroadcaster) unsubscribe(conversationID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[conversationID]
	if !ok {
		return
	}

	sub, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	sub.closeOnce.Do(func() { close(sub.ch) })

	// Clean up empty conversation entries
	if len(subs) == 0 {
		delete(b.subscribers, conversationID)
	}

	b.logger.Debug("subscriber removed",
		"conversation_id", conversationID,
		"sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *EventBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for convID, subs := range b.subscribers {
		for subID, sub := range subs {
			sub.closeOnce.Do(func() { close(sub.ch) })
			delete(subs, subID)
		}
		delete(b.subscribers, convID)
	}

	b.logger.Debug("broadcaster closed")
}
