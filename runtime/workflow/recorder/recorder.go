// Package recorder defines the content-addressed store of agent stream
// recordings. Recordings are written incrementally so that a crash mid
// stream leaves an incomplete row that the next recording attempt for the
// same hash reclaims, and loaded only once complete, which is what makes
// playback deterministic.
package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type (
	// Meta carries the human-readable identity of a recording.
	Meta struct {
		Provider string
		Prompt   string
	}

	// Entry is one recording row.
	Entry struct {
		RecordingID string            `json:"recording_id"`
		Hash        string            `json:"hash"`
		Provider    string            `json:"provider"`
		Prompt      string            `json:"prompt"`
		Complete    bool              `json:"complete"`
		CreatedAt   time.Time         `json:"created_at"`
		StreamData  []json.RawMessage `json:"stream_data,omitempty"`
		Result      json.RawMessage   `json:"result,omitempty"`
	}

	// Store persists recordings incrementally.
	//
	// Implementations must be safe for concurrent use and must serialize
	// StartRecording per hash: for a given hash at most one complete
	// recording ever exists.
	Store interface {
		// StartRecording begins a new incomplete recording and deletes any
		// prior incomplete recordings sharing the hash.
		StartRecording(ctx context.Context, hash string, meta Meta) (recordingID string, err error)

		// AppendEvent appends one streamed event to an open recording. The
		// event is durable before AppendEvent returns.
		AppendEvent(ctx context.Context, recordingID string, ev json.RawMessage) error

		// FinalizeRecording marks the recording complete with its final
		// result and makes it the only complete recording for its hash.
		FinalizeRecording(ctx context.Context, recordingID string, result json.RawMessage) error

		// Load returns the complete recording for hash, or nil when none
		// exists. Incomplete recordings are never returned.
		Load(ctx context.Context, hash string) (*Entry, error)

		// List returns entry metadata (without stream data) for every
		// recording, complete or not, in creation order.
		List(ctx context.Context) ([]*Entry, error)

		// Delete removes every recording for hash. Deleting an unknown hash
		// is a no-op.
		Delete(ctx context.Context, hash string) error
	}

	// NotFoundError reports a playback request whose hash has no complete
	// recording.
	NotFoundError struct {
		Hash       string
		PromptHead string
	}
)

// promptHeadLen bounds the prompt excerpt carried by NotFoundError.
const promptHeadLen = 80

// NewNotFound builds a NotFoundError with a truncated prompt excerpt.
func NewNotFound(hash, prompt string) *NotFoundError {
	head := prompt
	if len(head) > promptHeadLen {
		head = head[:promptHeadLen]
	}
	return &NotFoundError{Hash: hash, PromptHead: head}
}

// Error implements error.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no complete recording for hash %s (prompt %q)", e.Hash, e.PromptHead)
}

// IsNotFound reports whether err wraps a recording NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
