// Package conversation runs question-answering turns and publishes their progress.
//
// # Service
//
// The Service is the turn orchestrator:
//
//	svc := conversation.New(store, llmClient, registry, broadcaster, opts, logger)
//	result, err := svc.SubmitUserMessage(ctx, conversationID, "What is the refund window?")
//
// A turn persists the user message, then alternates between the model and
// the tools until the model produces a final answer:
//
//  1. Load the full transcript, oldest first
//  2. Ask the model, offering the search_knowledge_base tool
//  3. Final answer: persist it and finish
//  4. Tool calls: persist them, execute each in order, persist each result, loop
//
// The loop is capped at Options.MaxIterations model calls. Tool failures are
// written into the transcript as error text and never fail the turn.
//
// # Concurrency
//
// Turns on one conversation are serialized by TurnLocks; a second turn
// blocks until the first finishes. Turns on different conversations run in
// parallel, bounded by a global semaphore.
//
// # Failures
//
// A missing conversation returns ErrNotFound with no side effects. Any other
// failure publishes exactly one error event and returns a *TurnError that
// matches one of ErrUpstream, ErrLoopExceeded, ErrCanceled, or ErrInternal.
//
// # Event Broadcasting
//
// EventBroadcaster fans events out to live subscribers per conversation:
//
//   - typing: a turn has started
//   - message: a message was persisted
//   - error: the turn failed
//
// Publish never blocks. A subscriber whose buffer fills up is dropped and its
// channel closed. Events are not replayed to late subscribers.
package conversation
