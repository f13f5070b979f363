package provider

import "encoding/json"

type (
	// EventType tags a StreamEvent variant.
	EventType string

	// StopReason explains why the model stopped emitting.
	StopReason string

	// StreamEvent is one event of a provider stream. Exactly the fields of
	// the tagged variant are set; everything else is zero.
	//
	// Orderings providers must honor: session_init, when emitted, comes
	// first; each delta run is followed by at most one matching complete;
	// stop, when emitted, precedes result; every successful stream ends with
	// exactly one result.
	StreamEvent struct {
		Type       EventType   `json:"type"`
		Delta      string      `json:"delta,omitempty"`
		Text       string      `json:"text,omitempty"`
		Thinking   string      `json:"thinking,omitempty"`
		ToolCall   *ToolCall   `json:"tool_call,omitempty"`
		ToolResult *ToolResult `json:"tool_result,omitempty"`
		StopReason StopReason  `json:"stop_reason,omitempty"`
		Usage      *Usage      `json:"usage,omitempty"`
		SessionID  string      `json:"session_id,omitempty"`
		Result     *Result     `json:"result,omitempty"`
	}

	// ToolCall reports the model invoking a tool.
	ToolCall struct {
		ToolID   string          `json:"tool_id"`
		ToolName string          `json:"tool_name"`
		Input    json.RawMessage `json:"input,omitempty"`
	}

	// ToolResult reports a tool outcome fed back into the stream.
	ToolResult struct {
		ToolID  string          `json:"tool_id"`
		Output  json.RawMessage `json:"output,omitempty"`
		IsError bool            `json:"is_error,omitempty"`
	}

	// Usage reports token consumption.
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	}

	// Result is the terminal payload of a successful stream.
	Result struct {
		Output     json.RawMessage `json:"output,omitempty"`
		StopReason StopReason      `json:"stop_reason"`
		Text       string          `json:"text,omitempty"`
		Thinking   string          `json:"thinking,omitempty"`
		Usage      *Usage          `json:"usage,omitempty"`
		SessionID  string          `json:"session_id,omitempty"`
	}
)

// Stream event types.
const (
	EventTextDelta        EventType = "text_delta"
	EventTextComplete     EventType = "text_complete"
	EventThinkingDelta    EventType = "thinking_delta"
	EventThinkingComplete EventType = "thinking_complete"
	EventToolCall         EventType = "tool_call"
	EventToolResult       EventType = "tool_result"
	EventStop             EventType = "stop"
	EventUsage            EventType = "usage"
	EventSessionInit      EventType = "session_init"
	EventResult           EventType = "result"
)

// Stop reasons.
const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// TextDelta builds a text delta event.
func TextDelta(delta string) *StreamEvent {
	return &StreamEvent{Type: EventTextDelta, Delta: delta}
}

// TextComplete builds a text completion event.
func TextComplete(text string) *StreamEvent {
	return &StreamEvent{Type: EventTextComplete, Text: text}
}

// ThinkingDelta builds a thinking delta event.
func ThinkingDelta(delta string) *StreamEvent {
	return &StreamEvent{Type: EventThinkingDelta, Delta: delta}
}

// ThinkingComplete builds a thinking completion event.
func ThinkingComplete(thinking string) *StreamEvent {
	return &StreamEvent{Type: EventThinkingComplete, Thinking: thinking}
}

// Stop builds a stop event.
func Stop(reason StopReason) *StreamEvent {
	return &StreamEvent{Type: EventStop, StopReason: reason}
}

// SessionInit builds a session init event.
func SessionInit(sessionID string) *StreamEvent {
	return &StreamEvent{Type: EventSessionInit, SessionID: sessionID}
}

// ResultEvent builds the terminal result event.
func ResultEvent(r *Result) *StreamEvent {
	return &StreamEvent{Type: EventResult, Result: r}
}
