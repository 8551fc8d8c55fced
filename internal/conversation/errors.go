// ABOUTME: Turn failure kinds and the typed error returned by the orchestrator
// ABOUTME: Each TurnError matches exactly one kind sentinel through errors.Is

package conversation

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the conversation does not exist. Before the user
	// message is saved it carries no side effects; a turn whose conversation
	// is deleted mid-flight fails with KindNotFound.
	ErrNotFound = errors.New("conversation not found")
	// ErrUpstream means the model gateway failed.
	ErrUpstream = errors.New("upstream model failure")
	// ErrLoopExceeded means the model kept requesting tools past the iteration cap.
	ErrLoopExceeded = errors.New("tool loop exceeded")
	// ErrCanceled means the caller went away or the turn timed out.
	ErrCanceled = errors.New("turn canceled")
	// ErrInternal covers store failures and broken transcript invariants.
	ErrInternal = errors.New("internal error")

	// ErrOrphanToolResult is raised when a tool result does not answer a
	// pending call of the preceding assistant message. It is an ErrInternal.
	ErrOrphanToolResult = errors.New("tool result without a pending call")
)

// ErrorKind names a terminal turn failure.
type ErrorKind string

// Failure kinds, as reported in error events.
const (
	KindUpstream     ErrorKind = "upstream"
	KindLoopExceeded ErrorKind = "loop_exceeded"
	KindCanceled     ErrorKind = "canceled"
	KindInternal     ErrorKind = "internal"
	KindNotFound     ErrorKind = "not_found"
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindUpstream:
		return ErrUpstream
	case KindLoopExceeded:
		return ErrLoopExceeded
	case KindCanceled:
		return ErrCanceled
	case KindNotFound:
		return ErrNotFound
	default:
		return ErrInternal
	}
}

// TurnError is returned by SubmitUserMessage for every failure after the
// user message was accepted.
type TurnError struct {
	Kind   ErrorKind
	Reason string // human readable, also published in the error event
	Err    error  // underlying cause
}

func (e *TurnError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
}

// Unwrap exposes both the kind sentinel and the cause.
func (e *TurnError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.sentinel()}
	}
	return []error{e.Kind.sentinel(), e.Err}
}

func newTurnError(kind ErrorKind, reason string, err error) *TurnError {
	return &TurnError{Kind: kind, Reason: reason, Err: err}
}
