// Package eventstore defines the append-only per-session event log. The log
// is the canonical record of a session: positions are assigned at append
// time, 0-indexed and contiguous, and replaying the log is the sole source of
// truth for session state.
package eventstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/weftlab/weft/runtime/workflow/event"
)

type (
	// Store persists session event logs.
	//
	// Implementations must be safe for concurrent use and must assign
	// positions under a per-session critical section so that positions are
	// contiguous and appends totally ordered. Stored events are immutable;
	// reads return copies.
	Store interface {
		// Append persists ev and assigns it the session's next position,
		// which is written back to ev.Position before return. A zero
		// ev.Timestamp is stamped with the current time; a non-zero one is
		// preserved. The event is durable before Append returns.
		Append(ctx context.Context, ev *event.Event) error

		// Events returns the full ordered log for a session. An unknown
		// session yields an empty slice, not an error.
		Events(ctx context.Context, sessionID string) ([]*event.Event, error)

		// EventsFrom returns the events at positions >= from, in order.
		EventsFrom(ctx context.Context, sessionID string, from int) ([]*event.Event, error)

		// ListSessions returns the ids of all sessions holding at least one
		// event, in first-append order.
		ListSessions(ctx context.Context) ([]string, error)

		// DeleteSession removes all events for a session. Deleting an
		// unknown session is a no-op.
		DeleteSession(ctx context.Context, sessionID string) error
	}

	// StoreOp classifies a failed store operation.
	StoreOp string

	// StoreError reports an event store failure. Write failures must never
	// be swallowed: an unacknowledged append means the session log and any
	// published copy of the event have diverged.
	StoreError struct {
		Op        StoreOp
		SessionID string
		Err       error
	}
)

// Store operations named by StoreError.
const (
	OpRead   StoreOp = "read"
	OpWrite  StoreOp = "write"
	OpDelete StoreOp = "delete"
)

// NewStoreError wraps err as a StoreError for op.
func NewStoreError(op StoreOp, sessionID string, err error) *StoreError {
	return &StoreError{Op: op, SessionID: sessionID, Err: err}
}

// Error implements error.
func (e *StoreError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("event store %s failed for session %s: %v", e.Op, e.SessionID, e.Err)
	}
	return fmt.Sprintf("event store %s failed: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *StoreError) Unwrap() error { return e.Err }

// AsStoreError returns the first StoreError in err's chain, if any.
func AsStoreError(err error) (*StoreError, bool) {
	var se *StoreError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
