// Package provider defines the streaming agent execution contract: the
// Provider interface implemented by model SDK adapters, the stream event
// union they emit, the provider error model, and the live/playback mode
// wrappers that bind providers to the recorder.
package provider

import (
	"context"
	"encoding/json"

	"github.com/weftlab/weft/runtime/workflow/schema"
)

type (
	// Provider executes one agent request as a finite stream of events.
	// Implementations are stateless and safe for concurrent use; per-call
	// state lives in the returned Stream.
	Provider interface {
		// Name identifies the provider family, e.g. "anthropic".
		Name() string
		// Model identifies the configured model.
		Model() string
		// Stream starts a model call. Cancelling ctx aborts the underlying
		// SDK request and terminates the stream; deltas already delivered
		// remain valid.
		Stream(ctx context.Context, opts StreamOptions) (Stream, error)
	}

	// Stream is a pull-based finite event sequence. Recv returns io.EOF
	// after the terminal result event; stream failures surface as *Error.
	// Close releases the underlying request; it is safe to call more than
	// once.
	Stream interface {
		Recv() (*StreamEvent, error)
		Close() error
	}

	// StreamOptions carries one agent request.
	StreamOptions struct {
		// Prompt is the rendered agent prompt.
		Prompt string
		// Tools advertised to the model.
		Tools []Tool
		// OutputSchema constrains the structured result. Providers that
		// support structured output forward it; it is always part of the
		// recording hash.
		OutputSchema *schema.Schema
		// ProviderOptions is provider-specific configuration. It is part of
		// the recording hash, so only deterministic request shape belongs
		// here, never credentials.
		ProviderOptions json.RawMessage
		// Resume names a previous provider session to continue, for
		// providers that support it.
		Resume string
	}

	// Tool describes one tool advertised to the model.
	Tool struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		InputSchema json.RawMessage `json:"input_schema,omitempty"`
	}
)
