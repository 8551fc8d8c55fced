// ABOUTME: Per-conversation execution tokens that serialize turns
// ABOUTME: Context-aware keyed lock with reference counting so idle keys are freed

package conversation

import (
	"context"
	"sync"
)

// TurnLocks hands out one execution token per conversation. Turns on
// different conversations proceed independently.
type TurnLocks struct {
	mu    sync.Mutex
	locks map[string]*turnLock
}

type turnLock struct {
	token chan struct{} // holds one value while free
	refs  int           // holders plus waiters
}

// NewTurnLocks creates an empty lock table.
func NewTurnLocks() *TurnLocks {
	return &TurnLocks{locks: make(map[string]*turnLock)}
}

// Acquire blocks until the conversation's token is free or ctx is done.
// The returned release function must be called exactly once.
func (t *TurnLocks) Acquire(ctx context.Context, conversationID string) (func(), error) {
	t.mu.Lock()
	l, ok := t.locks[conversationID]
	if !ok {
		l = &turnLock{token: make(chan struct{}, 1)}
		l.token <- struct{}{}
		t.locks[conversationID] = l
	}
	l.refs++
	t.mu.Unlock()

	select {
	case <-l.token:
	case <-ctx.Done():
		t.unref(conversationID, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.token <- struct{}{}
			t.unref(conversationID, l)
		})
	}
	return release, nil
}

// Held reports whether a turn currently holds or awaits the conversation's token.
func (t *TurnLocks) Held(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.locks[conversationID]
	return ok
}

func (t *TurnLocks) unref(conversationID string, l *turnLock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(t.locks, conversationID)
	}
}
