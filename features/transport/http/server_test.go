package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlab/weft/runtime/workflow"
	"github.com/weftlab/weft/runtime/workflow/bus"
	"github.com/weftlab/weft/runtime/workflow/event"
	"github.com/weftlab/weft/runtime/workflow/recorder"
	"github.com/weftlab/weft/runtime/workflow/scaffold"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeRuntime scripts the runtime slice the handlers drive and records what
// they asked for.
type fakeRuntime struct {
	mu sync.Mutex

	bus        *bus.Bus
	history    []*event.Event
	historyErr error

	status    workflow.SessionStatus
	statusErr error
	state     workflow.State
	statePos  int
	stateErr  error
	sessions  []*workflow.Session
	listErr   error
	createID  string
	createErr error
	replyErr  error
	pausedVal bool
	pauseErr  error
	resumeVal bool
	resumeErr error
	forkID    string
	forkN     int
	forkErr   error
	deleteErr error
	entries   []*recorder.Entry
	entryErr  error

	gotWorkflow string
	gotInput    string
	gotPosition int
	gotPromptID string
	gotContent  string
	gotChoice   string
	deleted     []string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		bus:      bus.New(nil),
		status:   workflow.StatusRunning,
		createID: "sess-1",
	}
}

func (f *fakeRuntime) CreateSession(_ context.Context, workflowName, input string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotWorkflow, f.gotInput = workflowName, input
	return f.createID, f.createErr
}

func (f *fakeRuntime) ListSessions(context.Context) ([]*workflow.Session, error) {
	return f.sessions, f.listErr
}

func (f *fakeRuntime) Status(context.Context, string) (workflow.SessionStatus, error) {
	return f.status, f.statusErr
}

func (f *fakeRuntime) State(_ context.Context, _ string, position int) (workflow.State, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotPosition = position
	return f.state, f.statePos, f.stateErr
}

func (f *fakeRuntime) History(context.Context, string) ([]*event.Event, error) {
	return f.history, f.historyErr
}

func (f *fakeRuntime) Pause(context.Context, string) (bool, error) {
	return f.pausedVal, f.pauseErr
}

func (f *fakeRuntime) Resume(context.Context, string) (bool, error) {
	return f.resumeVal, f.resumeErr
}

func (f *fakeRuntime) Fork(context.Context, string) (string, int, error) {
	return f.forkID, f.forkN, f.forkErr
}

func (f *fakeRuntime) DeleteSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, sessionID)
	return f.deleteErr
}

func (f *fakeRuntime) Reply(_ context.Context, _, promptID, content, choice string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotPromptID, f.gotContent, f.gotChoice = promptID, content, choice
	return f.replyErr
}

func (f *fakeRuntime) Subscribe(sessionID string) *bus.Subscription {
	return f.bus.Subscribe(sessionID)
}

func (f *fakeRuntime) Recordings(context.Context) ([]*recorder.Entry, error) {
	return f.entries, f.entryErr
}

func newTestServer(t *testing.T, rt *fakeRuntime, opts ...func(*Options)) *Server {
	t.Helper()
	o := Options{Runtime: rt, DefaultWorkflow: "math"}
	for _, fn := range opts {
		fn(&o)
	}
	srv, err := NewServer(o)
	require.NoError(t, err)
	return srv
}

func doJSON(t *testing.T, srv *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	decoded := map[string]any{}
	if w.Body.Len() > 0 && strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decoded))
	}
	return w, decoded
}

func TestNewServerRequiresRuntime(t *testing.T) {
	_, err := NewServer(Options{})
	require.Error(t, err)
}

func TestCreateSession(t *testing.T) {
	rt := newFakeRuntime()
	srv := newTestServer(t, rt)

	w, body := doJSON(t, srv, http.MethodPost, "/sessions", `{"input":"2+2"}`)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "sess-1", body["sessionId"])
	assert.Equal(t, "math", rt.gotWorkflow)
	assert.Equal(t, "2+2", rt.gotInput)
}

func TestCreateSessionExplicitWorkflow(t *testing.T) {
	rt := newFakeRuntime()
	srv := newTestServer(t, rt)

	w, _ := doJSON(t, srv, http.MethodPost, "/sessions", `{"input":"hi","workflow":"review"}`)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "review", rt.gotWorkflow)
}

func TestCreateSessionRejectsMalformedBody(t *testing.T) {
	srv := newTestServer(t, newFakeRuntime())

	w, body := doJSON(t, srv, http.MethodPost, "/sessions", `{"input":`)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.NotEmpty(t, body["error"])
}

func TestCreateSessionUnknownWorkflowIsServerError(t *testing.T) {
	rt := newFakeRuntime()
	rt.createErr = &workflow.NotFoundError{Workflow: "math"}
	srv := newTestServer(t, rt)

	w, _ := doJSON(t, srv, http.MethodPost, "/sessions", `{"input":"2+2"}`)

	require.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestListSessions(t *testing.T) {
	rt := newFakeRuntime()
	now := time.Now().UTC()
	rt.sessions = []*workflow.Session{{
		ID:           "sess-1",
		WorkflowName: "math",
		Input:        "2+2",
		Status:       workflow.StatusCompleted,
		CreatedAt:    now,
		UpdatedAt:    now,
	}}
	srv := newTestServer(t, rt)

	w, body := doJSON(t, srv, http.MethodGet, "/sessions", "")

	require.Equal(t, http.StatusOK, w.Code)
	sessions, ok := body["sessions"].([]any)
	require.True(t, ok)
	require.Len(t, sessions, 1)
	first, ok := sessions[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "sess-1", first["session_id"])
	assert.Equal(t, "math", first["workflow_name"])
	assert.Equal(t, "completed", first["status"])
}

func TestGetSessionRunning(t *testing.T) {
	rt := newFakeRuntime()
	rt.status = workflow.StatusRunning
	srv := newTestServer(t, rt)

	w, body := doJSON(t, srv, http.MethodGet, "/sessions/sess-1", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["running"])
	assert.Equal(t, "running", body["status"])
}

func TestGetSessionNotRunning(t *testing.T) {
	rt := newFakeRuntime()
	rt.status = workflow.StatusPaused
	srv := newTestServer(t, rt)

	w, body := doJSON(t, srv, http.MethodGet, "/sessions/sess-1", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["running"])
}

func TestGetSessionUnknown(t *testing.T) {
	rt := newFakeRuntime()
	rt.statusErr = &workflow.SessionNotFoundError{SessionID: "nope"}
	srv := newTestServer(t, rt)

	w, body := doJSON(t, srv, http.MethodGet, "/sessions/nope", "")

	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, body["error"], "not found")
}

func TestGetState(t *testing.T) {
	rt := newFakeRuntime()
	rt.state = workflow.State{"goal": "2+2", "answer": "4"}
	rt.statePos = 7
	srv := newTestServer(t, rt)

	w, body := doJSON(t, srv, http.MethodGet, "/sessions/sess-1/state?position=3", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 3, rt.gotPosition)
	assert.Equal(t, float64(7), body["position"])
	state, ok := body["state"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "4", state["answer"])
}

func TestGetStateDefaultsToLatest(t *testing.T) {
	rt := newFakeRuntime()
	srv := newTestServer(t, rt)

	w, _ := doJSON(t, srv, http.MethodGet, "/sessions/sess-1/state", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, -1, rt.gotPosition)
}

func TestGetStateRejectsBadPosition(t *testing.T) {
	srv := newTestServer(t, newFakeRuntime())

	w, _ := doJSON(t, srv, http.MethodGet, "/sessions/sess-1/state?position=abc", "")

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetStateNoStateIs404(t *testing.T) {
	rt := newFakeRuntime()
	rt.stateErr = scaffold.ErrNoState
	srv := newTestServer(t, rt)

	w, _ := doJSON(t, srv, http.MethodGet, "/sessions/sess-1/state", "")

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestPostInput(t *testing.T) {
	rt := newFakeRuntime()
	srv := newTestServer(t, rt)

	w, body := doJSON(t, srv, http.MethodPost, "/sessions/sess-1/input",
		`{"input":"use the scenic route","promptId":"p-1","choice":"b"}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "p-1", rt.gotPromptID)
	assert.Equal(t, "use the scenic route", rt.gotContent)
	assert.Equal(t, "b", rt.gotChoice)
}

func TestPostInputWithoutPendingPromptConflicts(t *testing.T) {
	rt := newFakeRuntime()
	rt.replyErr = scaffold.ErrNoPendingPrompt
	srv := newTestServer(t, rt)

	w, _ := doJSON(t, srv, http.MethodPost, "/sessions/sess-1/input", `{"input":"hello"}`)

	require.Equal(t, http.StatusConflict, w.Code)
}

func TestPauseSession(t *testing.T) {
	rt := newFakeRuntime()
	rt.pausedVal = true
	srv := newTestServer(t, rt)

	w, body := doJSON(t, srv, http.MethodPost, "/sessions/sess-1/pause", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["wasPaused"])
}

func TestResumeSessionAlreadyRunning(t *testing.T) {
	rt := newFakeRuntime()
	rt.resumeVal = false
	srv := newTestServer(t, rt)

	w, body := doJSON(t, srv, http.MethodPost, "/sessions/sess-1/resume", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["wasResumed"])
}

func TestForkSession(t *testing.T) {
	rt := newFakeRuntime()
	rt.forkID, rt.forkN = "fork-1", 5
	srv := newTestServer(t, rt)

	w, body := doJSON(t, srv, http.MethodPost, "/sessions/sess-1/fork", "")

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "fork-1", body["sessionId"])
	assert.Equal(t, float64(5), body["eventsCopied"])
}

func TestDeleteSessionAlwaysOK(t *testing.T) {
	rt := newFakeRuntime()
	srv := newTestServer(t, rt)

	w, body := doJSON(t, srv, http.MethodDelete, "/sessions/never-existed", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, []string{"never-existed"}, rt.deleted)
}

func TestListRecordings(t *testing.T) {
	rt := newFakeRuntime()
	rt.entries = []*recorder.Entry{{
		RecordingID: "rec-1",
		Hash:        "abc",
		Provider:    "scripted",
		Prompt:      "2+2",
		Complete:    true,
	}}
	srv := newTestServer(t, rt)

	w, body := doJSON(t, srv, http.MethodGet, "/recordings", "")

	require.Equal(t, http.StatusOK, w.Code)
	recs, ok := body["recordings"].([]any)
	require.True(t, ok)
	require.Len(t, recs, 1)
	first, ok := recs[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "rec-1", first["recording_id"])
	assert.Equal(t, true, first["complete"])
}

func TestProviderStatus(t *testing.T) {
	rt := newFakeRuntime()
	srv := newTestServer(t, rt, func(o *Options) {
		o.Providers = map[string]ProviderProbe{
			"anthropic": nil,
			"openai":    func(context.Context) bool { return false },
		}
	})

	w, body := doJSON(t, srv, http.MethodGet, "/providers/status", "")

	require.Equal(t, http.StatusOK, w.Code)
	anthropic, ok := body["anthropic"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, anthropic["connected"])
	openai, ok := body["openai"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, false, openai["connected"])
}

func TestValidationErrorMapsToBadRequest(t *testing.T) {
	rt := newFakeRuntime()
	rt.createErr = fmt.Errorf("compile output: %w",
		&workflow.ValidationError{Message: "answer is required", Path: "/answer"})
	srv := newTestServer(t, rt)

	w, body := doJSON(t, srv, http.MethodPost, "/sessions", `{"input":"2+2"}`)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, body["error"], "answer is required")
}

func TestClosedRuntimeMapsToServiceUnavailable(t *testing.T) {
	rt := newFakeRuntime()
	rt.createErr = scaffold.ErrClosed
	srv := newTestServer(t, rt)

	w, _ := doJSON(t, srv, http.MethodPost, "/sessions", `{"input":"2+2"}`)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestNotRunningMapsToConflict(t *testing.T) {
	rt := newFakeRuntime()
	rt.replyErr = scaffold.ErrNotRunning
	srv := newTestServer(t, rt)

	w, _ := doJSON(t, srv, http.MethodPost, "/sessions/sess-1/input", `{"input":"x"}`)

	require.Equal(t, http.StatusConflict, w.Code)
}
