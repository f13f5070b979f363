package workflow

import (
	"errors"
	"fmt"

	"github.com/weftlab/weft/runtime/workflow/schema"
)

// ValidationError is re-exported from the schema package so that definition
// compilation errors and output validation errors share one type at the
// transport boundary.
type ValidationError = schema.ValidationError

type (
	// SessionNotFoundError reports an operation on an unknown session.
	SessionNotFoundError struct {
		SessionID string
	}

	// NotFoundError reports a reference to an unregistered workflow.
	NotFoundError struct {
		Workflow string
	}
)

// Error implements error.
func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("session %q not found", e.SessionID)
}

// Error implements error.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("workflow %q not found", e.Workflow)
}

// IsSessionNotFound reports whether err wraps a SessionNotFoundError.
func IsSessionNotFound(err error) bool {
	var nf *SessionNotFoundError
	return errors.As(err, &nf)
}

// IsNotFound reports whether err wraps a workflow NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
