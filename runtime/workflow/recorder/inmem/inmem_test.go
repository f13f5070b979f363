package inmem

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlab/weft/runtime/workflow/recorder"
)

const hash = "6f6ff0ea9c8a0f4d3a9d0a55f7e1f2a9c8a0f4d3a9d0a55f7e1f2a96f6ff0ea"

func TestIncompleteRecordingIsInvisible(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	id, err := s.StartRecording(ctx, hash, recorder.Meta{Provider: "anthropic", Prompt: "2+2"})
	require.NoError(t, err)
	require.NoError(t, s.AppendEvent(ctx, id, json.RawMessage(`{"type":"text_delta","delta":"4"}`)))

	entry, err := s.Load(ctx, hash)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestFinalizedRecordingRoundTrips(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	id, err := s.StartRecording(ctx, hash, recorder.Meta{Provider: "anthropic", Prompt: "2+2"})
	require.NoError(t, err)
	require.NoError(t, s.AppendEvent(ctx, id, json.RawMessage(`{"type":"text_delta","delta":"4"}`)))
	require.NoError(t, s.AppendEvent(ctx, id, json.RawMessage(`{"type":"stop","stop_reason":"end_turn"}`)))
	require.NoError(t, s.FinalizeRecording(ctx, id, json.RawMessage(`{"output":{"answer":"4"},"stop_reason":"end_turn"}`)))

	entry, err := s.Load(ctx, hash)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.Complete)
	assert.Equal(t, "anthropic", entry.Provider)
	assert.Equal(t, "2+2", entry.Prompt)
	require.Len(t, entry.StreamData, 2)
	assert.JSONEq(t, `{"type":"text_delta","delta":"4"}`, string(entry.StreamData[0]))
	assert.JSONEq(t, `{"type":"stop","stop_reason":"end_turn"}`, string(entry.StreamData[1]))
	assert.JSONEq(t, `{"output":{"answer":"4"},"stop_reason":"end_turn"}`, string(entry.Result))
}

func TestRestartReclaimsIncompleteRecording(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	// First attempt crashes before finalize.
	first, err := s.StartRecording(ctx, hash, recorder.Meta{Provider: "anthropic", Prompt: "2+2"})
	require.NoError(t, err)
	require.NoError(t, s.AppendEvent(ctx, first, json.RawMessage(`{"type":"text_delta","delta":"stale"}`)))

	// Second attempt reclaims the hash and finalizes.
	second, err := s.StartRecording(ctx, hash, recorder.Meta{Provider: "anthropic", Prompt: "2+2"})
	require.NoError(t, err)
	require.NotEqual(t, first, second)
	require.NoError(t, s.AppendEvent(ctx, second, json.RawMessage(`{"type":"text_delta","delta":"4"}`)))
	require.NoError(t, s.FinalizeRecording(ctx, second, json.RawMessage(`{"stop_reason":"end_turn"}`)))

	// The first recording is gone entirely.
	require.Error(t, s.AppendEvent(ctx, first, json.RawMessage(`{}`)))

	entry, err := s.Load(ctx, hash)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Len(t, entry.StreamData, 1)
	assert.JSONEq(t, `{"type":"text_delta","delta":"4"}`, string(entry.StreamData[0]))

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestFinalizeReplacesPriorCompleteRecording(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	first, err := s.StartRecording(ctx, hash, recorder.Meta{})
	require.NoError(t, err)
	require.NoError(t, s.FinalizeRecording(ctx, first, json.RawMessage(`{"stop_reason":"end_turn","text":"old"}`)))

	second, err := s.StartRecording(ctx, hash, recorder.Meta{})
	require.NoError(t, err)
	require.NoError(t, s.FinalizeRecording(ctx, second, json.RawMessage(`{"stop_reason":"end_turn","text":"new"}`)))

	list, err := s.List(ctx)
	require.NoError(t, err)
	complete := 0
	for _, e := range list {
		if e.Complete {
			complete++
		}
	}
	assert.Equal(t, 1, complete)

	entry, err := s.Load(ctx, hash)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.JSONEq(t, `{"stop_reason":"end_turn","text":"new"}`, string(entry.Result))
}

func TestDeleteIsIdempotent(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	id, err := s.StartRecording(ctx, hash, recorder.Meta{})
	require.NoError(t, err)
	require.NoError(t, s.FinalizeRecording(ctx, id, json.RawMessage(`{}`)))

	require.NoError(t, s.Delete(ctx, hash))
	entry, err := s.Load(ctx, hash)
	require.NoError(t, err)
	assert.Nil(t, entry)

	require.NoError(t, s.Delete(ctx, hash))
}

func TestAppendToCompleteRecordingFails(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	id, err := s.StartRecording(ctx, hash, recorder.Meta{})
	require.NoError(t, err)
	require.NoError(t, s.FinalizeRecording(ctx, id, json.RawMessage(`{}`)))

	assert.Error(t, s.AppendEvent(ctx, id, json.RawMessage(`{}`)))
	assert.Error(t, s.FinalizeRecording(ctx, id, json.RawMessage(`{}`)))
}
