package http

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlab/weft/runtime/workflow"
	"github.com/weftlab/weft/runtime/workflow/event"
)

type sseFrame struct {
	name string
	data string
}

// parseSSE splits a response body into its event frames, dropping heartbeat
// comments.
func parseSSE(t *testing.T, body string) []sseFrame {
	t.Helper()
	var frames []sseFrame
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" || strings.HasPrefix(block, ":") {
			continue
		}
		var f sseFrame
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				f.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				f.data = strings.TrimPrefix(line, "data: ")
			}
		}
		if f.name != "" {
			frames = append(frames, f)
		}
	}
	return frames
}

func mustEvent(t *testing.T, sessionID string, name event.Name, payload any, position int) *event.Event {
	t.Helper()
	ev, err := event.New(sessionID, name, payload)
	require.NoError(t, err)
	ev.Position = position
	return ev
}

func TestStreamEventsHistoryReplay(t *testing.T) {
	rt := newFakeRuntime()
	rt.status = workflow.StatusCompleted
	rt.history = []*event.Event{
		mustEvent(t, "sess-1", event.WorkflowStarted, map[string]any{"workflow_name": "math", "input": "2+2"}, 0),
		mustEvent(t, "sess-1", event.AgentText, map[string]any{"text": "4"}, 1),
		mustEvent(t, "sess-1", event.WorkflowCompleted, map[string]any{}, 2),
	}
	srv := newTestServer(t, rt)

	req := httptest.NewRequest(http.MethodGet, "/sessions/sess-1/events?history=true", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))

	frames := parseSSE(t, w.Body.String())
	require.Len(t, frames, 3)
	assert.Equal(t, "workflow:started", frames[0].name)
	assert.Equal(t, "agent:text", frames[1].name)
	assert.Equal(t, "workflow:completed", frames[2].name)

	var decoded event.Event
	require.NoError(t, json.Unmarshal([]byte(frames[1].data), &decoded))
	assert.Equal(t, "sess-1", decoded.SessionID)
	assert.Equal(t, event.AgentText, decoded.Name)
	assert.Equal(t, 1, decoded.Position)
	assert.JSONEq(t, `{"text":"4"}`, string(decoded.Payload))
}

func TestStreamEventsUnknownSessionIs404(t *testing.T) {
	rt := newFakeRuntime()
	rt.statusErr = &workflow.SessionNotFoundError{SessionID: "nope"}
	srv := newTestServer(t, rt)

	w, _ := doJSON(t, srv, http.MethodGet, "/sessions/nope/events", "")

	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
}

func TestStreamEventsRejectsBadHistoryFlag(t *testing.T) {
	srv := newTestServer(t, newFakeRuntime())

	w, _ := doJSON(t, srv, http.MethodGet, "/sessions/sess-1/events?history=maybe", "")

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStreamEventsTerminalSessionWithoutHistoryEndsEmpty(t *testing.T) {
	rt := newFakeRuntime()
	rt.status = workflow.StatusAborted
	srv := newTestServer(t, rt)

	req := httptest.NewRequest(http.MethodGet, "/sessions/sess-1/events", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, parseSSE(t, w.Body.String()))
}

func TestStreamEventsHistoryFailureReportsErrorFrame(t *testing.T) {
	rt := newFakeRuntime()
	rt.status = workflow.StatusRunning
	rt.historyErr = assert.AnError
	srv := newTestServer(t, rt)

	req := httptest.NewRequest(http.MethodGet, "/sessions/sess-1/events?history=1", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	frames := parseSSE(t, w.Body.String())
	require.Len(t, frames, 1)
	assert.Equal(t, "error", frames[0].name)
	assert.Contains(t, frames[0].data, "history replay failed")
}

func TestStreamEventsLiveFollowsBus(t *testing.T) {
	rt := newFakeRuntime()
	rt.status = workflow.StatusRunning
	srv := newTestServer(t, rt)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/sessions/sess-1/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Headers are flushed after the bus subscription attaches, so both
	// publishes below are observed.
	rt.bus.Publish(mustEvent(t, "sess-1", event.AgentText, map[string]any{"text": "4"}, 0))
	rt.bus.Publish(mustEvent(t, "sess-1", event.WorkflowCompleted, map[string]any{}, 1))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	frames := parseSSE(t, string(body))
	require.Len(t, frames, 2)
	assert.Equal(t, "agent:text", frames[0].name)
	assert.Equal(t, "workflow:completed", frames[1].name)
}

func TestStreamEventsIgnoresOtherSessions(t *testing.T) {
	rt := newFakeRuntime()
	rt.status = workflow.StatusRunning
	srv := newTestServer(t, rt)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/sessions/sess-1/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	rt.bus.Publish(mustEvent(t, "other", event.AgentText, map[string]any{"text": "noise"}, 0))
	rt.bus.Publish(mustEvent(t, "sess-1", event.WorkflowCompleted, map[string]any{}, 0))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	frames := parseSSE(t, string(body))
	require.Len(t, frames, 1)
	assert.Equal(t, "workflow:completed", frames[0].name)
}

func TestStreamEventsHistorySkipsLiveDuplicates(t *testing.T) {
	rt := newFakeRuntime()
	rt.status = workflow.StatusRunning
	rt.history = []*event.Event{
		mustEvent(t, "sess-1", event.WorkflowStarted, map[string]any{"workflow_name": "math"}, 0),
		mustEvent(t, "sess-1", event.AgentText, map[string]any{"text": "4"}, 1),
	}
	srv := newTestServer(t, rt)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/sessions/sess-1/events?history=true")
	require.NoError(t, err)
	defer resp.Body.Close()

	// The subscription attaches before the replay reads history, so a
	// publish racing the replay lands in the subscription buffer and is
	// deduplicated by position when the live loop drains it.
	rt.bus.Publish(mustEvent(t, "sess-1", event.AgentText, map[string]any{"text": "4"}, 1))
	rt.bus.Publish(mustEvent(t, "sess-1", event.WorkflowCompleted, map[string]any{}, 2))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	frames := parseSSE(t, string(body))
	require.Len(t, frames, 3)
	assert.Equal(t, "workflow:started", frames[0].name)
	assert.Equal(t, "agent:text", frames[1].name)
	assert.Equal(t, "workflow:completed", frames[2].name)
}

func TestStreamEventsEndsWhenBusCloses(t *testing.T) {
	rt := newFakeRuntime()
	rt.status = workflow.StatusRunning
	srv := newTestServer(t, rt)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/sessions/sess-1/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	rt.bus.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Empty(t, parseSSE(t, string(body)))
}
