// Package event defines the immutable session event record, the canonical
// event name enumeration, the event payload schemas, and the state reducer
// shared by the runtime, the stores, and the transports.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type (
	// Name identifies one of the fixed event kinds a session log may contain.
	// The enumeration is closed: stores, buses and transports may rely on
	// every event carrying one of the names declared in this package.
	Name string

	// Event is a single immutable record of something that happened in a
	// session. Events form an append-only, zero-indexed, contiguous log per
	// session. Position is assigned by the event store at append time and
	// equals the event's rank within its session's log.
	Event struct {
		ID        string          `json:"id"`
		SessionID string          `json:"session_id"`
		Name      Name            `json:"name"`
		Payload   json.RawMessage `json:"payload"`
		Timestamp time.Time       `json:"timestamp"`
		Position  int             `json:"position"`
	}
)

// Workflow lifecycle events.
const (
	WorkflowStarted   Name = "workflow:started"
	WorkflowCompleted Name = "workflow:completed"
	WorkflowFailed    Name = "workflow:failed"
)

// Phase events emitted by phased workflows.
const (
	PhaseStart    Name = "phase:start"
	PhaseComplete Name = "phase:complete"
)

// Task events emitted when a phase runs a nested workflow; each nested phase
// surfaces as a task.
const (
	TaskStart    Name = "task:start"
	TaskComplete Name = "task:complete"
	TaskFailed   Name = "task:failed"
)

// Agent events. The agent:* stream mirrors the provider stream for the step
// currently executing.
const (
	AgentStarted      Name = "agent:started"
	AgentThinking     Name = "agent:thinking"
	AgentText         Name = "agent:text"
	AgentToolStart    Name = "agent:tool:start"
	AgentToolComplete Name = "agent:tool:complete"
	AgentCompleted    Name = "agent:completed"
	AgentFailed       Name = "agent:failed"
	AgentRetry        Name = "agent:retry"
)

// StateUpdated carries the complete workflow state after a deterministic
// update. It is the reducer's record: replaying a log means finding the last
// StateUpdated event in it.
const StateUpdated Name = "state:updated"

// Session lifecycle and interaction events.
const (
	SessionPaused  Name = "session:paused"
	SessionResumed Name = "session:resumed"
	SessionAborted Name = "session:aborted"
	SessionPrompt  Name = "session:prompt"
	SessionReply   Name = "session:reply"
)

// Narrative is the informational channel for human-oriented progress notes.
const Narrative Name = "narrative"

// New builds an event for the given session with a fresh id, the current
// wall-clock timestamp (UTC) and the JSON encoding of payload. Position is
// left at zero for the event store to assign on append.
func New(sessionID string, name Name, payload any) (*Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", name, err)
	}
	return &Event{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Name:      name,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Clone returns a deep copy of e. Stores hand out clones so callers cannot
// mutate appended events.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	dup := *e
	dup.Payload = append(json.RawMessage(nil), e.Payload...)
	return &dup
}

// Decode unmarshals the event payload into dst.
func (e *Event) Decode(dst any) error {
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Name, err)
	}
	return nil
}

// Terminal reports whether the event name ends a session: completed, failed
// or aborted sessions accept no further events.
func Terminal(name Name) bool {
	switch name {
	case WorkflowCompleted, WorkflowFailed, SessionAborted:
		return true
	}
	return false
}
