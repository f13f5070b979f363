package event

import "encoding/json"

type (
	// WorkflowStartedPayload opens every session log.
	WorkflowStartedPayload struct {
		WorkflowName string `json:"workflow_name"`
		Input        string `json:"input"`
	}

	// WorkflowCompletedPayload closes a successful run.
	WorkflowCompletedPayload struct {
		Success    bool  `json:"success"`
		DurationMS int64 `json:"duration_ms"`
	}

	// WorkflowFailedPayload closes a failed run with the failure code of the
	// step that sank it.
	WorkflowFailedPayload struct {
		Code    string `json:"code"`
		Message string `json:"message,omitempty"`
	}

	// PhasePayload is shared by phase:start and phase:complete. Number is the
	// 1-based rank of the phase in traversal order from the entry phase.
	PhasePayload struct {
		Name   string `json:"name"`
		Number int    `json:"number,omitempty"`
	}

	// TaskPayload is shared by task:start, task:complete and task:failed.
	TaskPayload struct {
		Name    string `json:"name"`
		Code    string `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
	}

	// AgentStartedPayload marks the beginning of an agent step.
	AgentStartedPayload struct {
		AgentName string `json:"agent_name"`
	}

	// AgentTextPayload carries one text delta from the provider stream.
	AgentTextPayload struct {
		Text string `json:"text"`
	}

	// AgentThinkingPayload carries one thinking delta from the provider stream.
	AgentThinkingPayload struct {
		Thinking string `json:"thinking"`
	}

	// AgentToolStartPayload mirrors a provider tool call.
	AgentToolStartPayload struct {
		ToolID   string          `json:"tool_id"`
		ToolName string          `json:"tool_name"`
		Input    json.RawMessage `json:"input,omitempty"`
	}

	// AgentToolCompletePayload mirrors a provider tool result.
	AgentToolCompletePayload struct {
		ToolID  string          `json:"tool_id"`
		Output  json.RawMessage `json:"output,omitempty"`
		IsError bool            `json:"is_error,omitempty"`
	}

	// AgentCompletedPayload closes an agent step. Output is the validated
	// structured output the step's reducer was applied to.
	AgentCompletedPayload struct {
		AgentName string          `json:"agent_name"`
		Success   bool            `json:"success"`
		Output    json.RawMessage `json:"output,omitempty"`
	}

	// AgentFailedPayload records a non-retryable agent failure. Path points
	// at the offending output location when the failure is a validation one.
	AgentFailedPayload struct {
		AgentName string `json:"agent_name"`
		Reason    string `json:"reason"`
		Message   string `json:"message,omitempty"`
		Path      string `json:"path,omitempty"`
	}

	// AgentRetryPayload records one retry decision for a retryable provider
	// failure.
	AgentRetryPayload struct {
		AgentName string `json:"agent_name"`
		Attempt   int    `json:"attempt"`
		DelayMS   int64  `json:"delay_ms"`
		Reason    string `json:"reason"`
	}

	// StateUpdatedPayload carries the full workflow state after an update.
	StateUpdatedPayload struct {
		State json.RawMessage `json:"state"`
	}

	// SessionLifecyclePayload is shared by session:paused, session:resumed
	// and session:aborted.
	SessionLifecyclePayload struct {
		Reason string `json:"reason,omitempty"`
	}

	// SessionPromptPayload suspends a session awaiting external input. The
	// prompt id correlates the eventual reply.
	SessionPromptPayload struct {
		PromptID string   `json:"prompt_id"`
		Prompt   string   `json:"prompt"`
		Choices  []string `json:"choices,omitempty"`
	}

	// SessionReplyPayload resolves a session prompt, or carries free-form
	// input when PromptID is empty.
	SessionReplyPayload struct {
		PromptID string `json:"prompt_id"`
		Content  string `json:"content"`
		Choice   string `json:"choice,omitempty"`
	}

	// NarrativePayload is a human-oriented progress note.
	NarrativePayload struct {
		Text       string     `json:"text"`
		Importance Importance `json:"importance"`
	}

	// Importance ranks narrative events for renderers.
	Importance string
)

// Narrative importance levels.
const (
	ImportanceCritical  Importance = "critical"
	ImportanceImportant Importance = "important"
	ImportanceDetailed  Importance = "detailed"
)
