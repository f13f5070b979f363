package workflow

import (
	"time"

	"github.com/weftlab/weft/runtime/workflow/event"
)

type (
	// SessionStatus is a session's lifecycle state. Sessions move from
	// StatusPending to StatusRunning, may oscillate between StatusRunning
	// and StatusPaused, and end in exactly one terminal status.
	SessionStatus string

	// Session is one run of a workflow. The event log is the canonical
	// record; Session carries the metadata needed to list and route it.
	Session struct {
		ID           string        `json:"session_id"`
		WorkflowName string        `json:"workflow_name"`
		Input        string        `json:"input"`
		Status       SessionStatus `json:"status"`
		CreatedAt    time.Time     `json:"created_at"`
		UpdatedAt    time.Time     `json:"updated_at"`
	}
)

// Session lifecycle states.
const (
	StatusPending   SessionStatus = "pending"
	StatusRunning   SessionStatus = "running"
	StatusPaused    SessionStatus = "paused"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
	StatusAborted   SessionStatus = "aborted"
)

// Terminal reports whether the status is final. Terminal sessions never
// change status again.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAborted:
		return true
	}
	return false
}

// StatusFromEvents derives a session's status from its event log. The last
// lifecycle-bearing event decides: terminal workflow and session events win,
// an unanswered prompt or pause reads as paused, and anything after a start
// or resume reads as running.
func StatusFromEvents(events []*event.Event) SessionStatus {
	for i := len(events) - 1; i >= 0; i-- {
		switch events[i].Name {
		case event.WorkflowCompleted:
			return StatusCompleted
		case event.WorkflowFailed:
			return StatusFailed
		case event.SessionAborted:
			return StatusAborted
		case event.SessionPaused, event.SessionPrompt:
			return StatusPaused
		case event.SessionResumed, event.SessionReply, event.WorkflowStarted:
			return StatusRunning
		}
	}
	return StatusPending
}
