package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlab/weft/runtime/workflow"
	"github.com/weftlab/weft/runtime/workflow/bus"
	"github.com/weftlab/weft/runtime/workflow/event"
	"github.com/weftlab/weft/runtime/workflow/hub"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeController records hub commands and signals each call on a channel.
type fakeController struct {
	mu       sync.Mutex
	calls    chan string
	promptID string
	content  string
	choice   string
	msg      workflow.Message
	node     string
	reason   string
	replyErr error
}

func newFakeController() *fakeController {
	return &fakeController{calls: make(chan string, 8)}
}

func (f *fakeController) Send(_ context.Context, _ string, msg workflow.Message) error {
	f.mu.Lock()
	f.msg = msg
	f.mu.Unlock()
	f.calls <- "send"
	return nil
}

func (f *fakeController) SendTo(_ context.Context, _, nodeID string, msg workflow.Message) error {
	f.mu.Lock()
	f.node, f.msg = nodeID, msg
	f.mu.Unlock()
	f.calls <- "sendto"
	return nil
}

func (f *fakeController) Reply(_ context.Context, _, promptID, content, choice string) error {
	f.mu.Lock()
	f.promptID, f.content, f.choice = promptID, content, choice
	err := f.replyErr
	f.mu.Unlock()
	f.calls <- "reply"
	return err
}

func (f *fakeController) Abort(_ context.Context, _, reason string) error {
	f.mu.Lock()
	f.reason = reason
	f.mu.Unlock()
	f.calls <- "abort"
	return nil
}

type fakeRuntime struct {
	bus       *bus.Bus
	ctrl      hub.Controller
	statusErr error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{bus: bus.New(nil), ctrl: newFakeController()}
}

func (f *fakeRuntime) Hub(sessionID string) *hub.Hub {
	return hub.New(sessionID, f.bus, f.ctrl, nil)
}

func (f *fakeRuntime) Status(context.Context, string) (workflow.SessionStatus, error) {
	if f.statusErr != nil {
		return "", f.statusErr
	}
	return workflow.StatusRunning, nil
}

func (f *fakeRuntime) controller() *fakeController {
	return f.ctrl.(*fakeController)
}

func newTestEngine(t *testing.T, rt Runtime, opts ...func(*Options)) *httptest.Server {
	t.Helper()
	o := Options{Runtime: rt}
	for _, fn := range opts {
		fn(&o)
	}
	srv, err := NewServer(o)
	require.NoError(t, err)
	engine := gin.New()
	engine.GET("/sessions/:id/ws", srv.Handler())
	ts := httptest.NewServer(engine)
	t.Cleanup(ts.Close)
	return ts
}

func dial(t *testing.T, ts *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/sessions/" + sessionID + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var f Frame
	require.NoError(t, json.Unmarshal(raw, &f))
	return f
}

func waitCall(t *testing.T, ctrl *fakeController, want string) {
	t.Helper()
	select {
	case got := <-ctrl.calls:
		require.Equal(t, want, got)
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s call", want)
	}
}

func mustEvent(t *testing.T, sessionID string, name event.Name, payload any) *event.Event {
	t.Helper()
	ev, err := event.New(sessionID, name, payload)
	require.NoError(t, err)
	return ev
}

func TestNewServerRequiresRuntime(t *testing.T) {
	_, err := NewServer(Options{})
	require.Error(t, err)
}

func TestHandlerRejectsUnknownSession(t *testing.T) {
	rt := newFakeRuntime()
	rt.statusErr = &workflow.SessionNotFoundError{SessionID: "nope"}
	ts := newTestEngine(t, rt)

	resp, err := http.Get(ts.URL + "/sessions/nope/ws")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventFramesReachPeer(t *testing.T) {
	rt := newFakeRuntime()
	ts := newTestEngine(t, rt)
	conn := dial(t, ts, "sess-1")

	rt.bus.Publish(mustEvent(t, "sess-1", event.AgentText, map[string]any{"text": "4"}))

	f := readFrame(t, conn)
	require.Equal(t, FrameEvent, f.Type)
	require.NotNil(t, f.Event)
	assert.Equal(t, event.AgentText, f.Event.Name)
	assert.Equal(t, "sess-1", f.Event.SessionID)
	assert.JSONEq(t, `{"text":"4"}`, string(f.Event.Payload))
}

func TestEventsFromOtherSessionsAreNotDelivered(t *testing.T) {
	rt := newFakeRuntime()
	ts := newTestEngine(t, rt)
	conn := dial(t, ts, "sess-1")

	rt.bus.Publish(mustEvent(t, "other", event.AgentText, map[string]any{"text": "noise"}))
	rt.bus.Publish(mustEvent(t, "sess-1", event.PhaseStart, map[string]any{"phase": "solve"}))

	f := readFrame(t, conn)
	require.NotNil(t, f.Event)
	assert.Equal(t, event.PhaseStart, f.Event.Name)
}

func TestTerminalEventClosesConnection(t *testing.T) {
	rt := newFakeRuntime()
	ts := newTestEngine(t, rt)
	conn := dial(t, ts, "sess-1")

	rt.bus.Publish(mustEvent(t, "sess-1", event.WorkflowCompleted, map[string]any{}))

	f := readFrame(t, conn)
	require.NotNil(t, f.Event)
	assert.Equal(t, event.WorkflowCompleted, f.Event.Name)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure),
		"expected normal closure, got %v", err)
}

func TestInputFrameResolvesPrompt(t *testing.T) {
	rt := newFakeRuntime()
	ts := newTestEngine(t, rt)
	conn := dial(t, ts, "sess-1")

	require.NoError(t, conn.WriteJSON(Frame{
		Type:     FrameInput,
		PromptID: "p-1",
		Input:    "take the scenic route",
		Choice:   "b",
	}))

	ctrl := rt.controller()
	waitCall(t, ctrl, "reply")
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	assert.Equal(t, "p-1", ctrl.promptID)
	assert.Equal(t, "take the scenic route", ctrl.content)
	assert.Equal(t, "b", ctrl.choice)
}

func TestSendFrameBroadcasts(t *testing.T) {
	rt := newFakeRuntime()
	ts := newTestEngine(t, rt)
	conn := dial(t, ts, "sess-1")

	require.NoError(t, conn.WriteJSON(Frame{
		Type:    FrameSend,
		Kind:    "steer",
		Content: "focus on edge cases",
	}))

	ctrl := rt.controller()
	waitCall(t, ctrl, "send")
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	assert.Equal(t, "steer", ctrl.msg.Kind)
	assert.Equal(t, "focus on edge cases", ctrl.msg.Content)
}

func TestSendFrameTargetsNode(t *testing.T) {
	rt := newFakeRuntime()
	ts := newTestEngine(t, rt)
	conn := dial(t, ts, "sess-1")

	require.NoError(t, conn.WriteJSON(Frame{
		Type:    FrameSend,
		To:      "solver",
		Content: "show your work",
	}))

	ctrl := rt.controller()
	waitCall(t, ctrl, "sendto")
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	assert.Equal(t, "solver", ctrl.node)
	assert.Equal(t, "show your work", ctrl.msg.Content)
}

func TestAbortFrame(t *testing.T) {
	rt := newFakeRuntime()
	ts := newTestEngine(t, rt)
	conn := dial(t, ts, "sess-1")

	require.NoError(t, conn.WriteJSON(Frame{Type: FrameAbort, Reason: "user gave up"}))

	ctrl := rt.controller()
	waitCall(t, ctrl, "abort")
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	assert.Equal(t, "user gave up", ctrl.reason)
}

func TestMalformedFrameGetsErrorFrame(t *testing.T) {
	rt := newFakeRuntime()
	ts := newTestEngine(t, rt)
	conn := dial(t, ts, "sess-1")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{oops")))

	f := readFrame(t, conn)
	assert.Equal(t, FrameError, f.Type)
	assert.Contains(t, f.Error, "malformed frame")
}

func TestUnknownFrameTypeGetsErrorFrame(t *testing.T) {
	rt := newFakeRuntime()
	ts := newTestEngine(t, rt)
	conn := dial(t, ts, "sess-1")

	require.NoError(t, conn.WriteJSON(Frame{Type: "dance"}))

	f := readFrame(t, conn)
	assert.Equal(t, FrameError, f.Type)
	assert.Contains(t, f.Error, `unknown frame type "dance"`)
}

func TestControllerFailureSurfacesAsErrorFrame(t *testing.T) {
	rt := newFakeRuntime()
	rt.controller().replyErr = assert.AnError
	ts := newTestEngine(t, rt)
	conn := dial(t, ts, "sess-1")

	require.NoError(t, conn.WriteJSON(Frame{Type: FrameInput, Input: "hello"}))

	f := readFrame(t, conn)
	assert.Equal(t, FrameError, f.Type)
	assert.Contains(t, f.Error, assert.AnError.Error())
}

func TestBusCloseEndsConnection(t *testing.T) {
	rt := newFakeRuntime()
	ts := newTestEngine(t, rt)
	conn := dial(t, ts, "sess-1")

	rt.bus.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

func TestTransportContract(t *testing.T) {
	b := bus.New(nil)
	ctrl := newFakeController()
	h := hub.New("sess-1", b, ctrl, nil)

	cleanups := make(chan func(), 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		cleanup, err := Transport(conn, nil)(h)
		if err != nil {
			conn.Close()
			return
		}
		cleanups <- cleanup
	}))
	defer ts.Close()

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	var cleanup func()
	select {
	case cleanup = <-cleanups:
	case <-time.After(5 * time.Second):
		t.Fatal("transport never attached")
	}
	defer cleanup()

	b.Publish(mustEvent(t, "sess-1", event.AgentText, map[string]any{"text": "hi"}))
	f := readFrame(t, conn)
	require.Equal(t, FrameEvent, f.Type)
	assert.Equal(t, event.AgentText, f.Event.Name)

	require.NoError(t, conn.WriteJSON(Frame{Type: FrameAbort, Reason: "done"}))
	waitCall(t, ctrl, "abort")
}
