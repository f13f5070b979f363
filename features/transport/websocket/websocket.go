// Package websocket serves a session hub over a WebSocket connection. The
// server pushes every session event to the peer as an event frame; the peer
// drives the session with input, send and abort frames. One connection
// serves one session; the connection closes after the session's terminal
// event.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/weftlab/weft/runtime/workflow"
	"github.com/weftlab/weft/runtime/workflow/event"
	"github.com/weftlab/weft/runtime/workflow/hub"
	"github.com/weftlab/weft/runtime/workflow/scaffold"
	"github.com/weftlab/weft/runtime/workflow/telemetry"
)

const (
	// writeWait bounds a single write to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long the peer may stay silent before the read side
	// gives up. Pings go out at pingPeriod to keep it fed.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds inbound frames.
	maxMessageSize = 512 * 1024

	// commandTimeout bounds the runtime call behind one inbound frame.
	commandTimeout = 10 * time.Second

	defaultSendBuffer = 256
)

// Frame types. Event and error frames flow server to peer; input, send and
// abort frames flow peer to server.
const (
	FrameEvent = "event"
	FrameError = "error"
	FrameInput = "input"
	FrameSend  = "send"
	FrameAbort = "abort"
)

type (
	// Frame is the envelope of every message in both directions. Only the
	// fields of the named type are read.
	Frame struct {
		Type  string       `json:"type"`
		Event *event.Event `json:"event,omitempty"`
		Error string       `json:"error,omitempty"`

		// input frames
		PromptID string `json:"promptId,omitempty"`
		Input    string `json:"input,omitempty"`
		Choice   string `json:"choice,omitempty"`

		// send frames; To targets one agent step, empty broadcasts.
		Kind    string          `json:"kind,omitempty"`
		Content string          `json:"content,omitempty"`
		Data    json.RawMessage `json:"data,omitempty"`
		To      string          `json:"to,omitempty"`

		// abort frames
		Reason string `json:"reason,omitempty"`
	}

	// Runtime is the slice of the session runtime the WebSocket surface
	// needs. *scaffold.Scaffold satisfies it.
	Runtime interface {
		Hub(sessionID string) *hub.Hub
		Status(ctx context.Context, sessionID string) (workflow.SessionStatus, error)
	}

	// Options configures a Server.
	Options struct {
		// Runtime executes the session operations. Required.
		Runtime Runtime
		// SendBuffer bounds queued outbound frames per connection. A slow
		// peer loses frames rather than stalling event dispatch; each drop
		// surfaces on the hub diagnostics channel.
		SendBuffer int
		// CheckOrigin overrides the upgrader's origin policy. The default
		// accepts every origin; deployments fronting browsers supply their
		// own.
		CheckOrigin func(*http.Request) bool
		// Logger reports connection failures. Defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Server upgrades HTTP requests and binds each connection to its
	// session's hub.
	Server struct {
		rt         Runtime
		sendBuffer int
		logger     telemetry.Logger
		upgrader   websocket.Upgrader
	}
)

var _ Runtime = (*scaffold.Scaffold)(nil)

// NewServer constructs a Server. Runtime is required.
func NewServer(opts Options) (*Server, error) {
	if opts.Runtime == nil {
		return nil, errors.New("runtime is required")
	}
	sendBuffer := opts.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Server{
		rt:         opts.Runtime,
		sendBuffer: sendBuffer,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}, nil
}

// Handler returns the Gin handler serving GET /sessions/:id/ws. The hub
// subscription attaches before the handshake completes, so events published
// after the dial returns are never lost.
func (s *Server) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("id")
		if _, err := s.rt.Status(c.Request.Context(), sessionID); err != nil {
			if workflow.IsSessionNotFound(err) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		h := s.rt.Hub(sessionID)
		defer h.Close()
		sess := newSession(h, s.logger, s.sendBuffer)
		unsubscribe := h.Subscribe("*", sess.enqueue)
		defer unsubscribe()

		conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgrade already wrote the HTTP error response.
			s.logger.Error(c.Request.Context(), "websocket upgrade failed",
				"session_id", sessionID, "err", err)
			return
		}
		sess.start(conn)
		defer sess.finish()

		select {
		case <-sess.done:
		case <-h.Done():
			if h.Status() == hub.StatusError {
				sess.sendError("event feed overflowed, reconnect and replay history")
			}
			sess.closeSend()
			// Let the write pump flush the close handshake.
			select {
			case <-sess.done:
			case <-time.After(writeWait):
			}
		}
	}
}

// Transport adapts an already-upgraded connection into a hub transport for
// callers embedding the runtime without the HTTP server. The returned
// cleanup detaches the subscription and closes the connection.
func Transport(conn *websocket.Conn, opts *Options) hub.Transport {
	return func(h *hub.Hub) (func(), error) {
		logger := telemetry.Logger(nil)
		sendBuffer := defaultSendBuffer
		if opts != nil {
			logger = opts.Logger
			if opts.SendBuffer > 0 {
				sendBuffer = opts.SendBuffer
			}
		}
		if logger == nil {
			logger = telemetry.NewNoopLogger()
		}
		sess := newSession(h, logger, sendBuffer)
		unsubscribe := h.Subscribe("*", sess.enqueue)
		sess.start(conn)
		return func() {
			unsubscribe()
			sess.finish()
		}, nil
	}
}

// session wires one connection to one hub: a write pump drains the send
// queue, a read pump dispatches peer commands. The send queue exists from
// construction so events can buffer before the pumps start.
type session struct {
	h      *hub.Hub
	conn   *websocket.Conn
	logger telemetry.Logger

	sendMu     sync.Mutex
	send       chan []byte
	sendClosed bool

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(h *hub.Hub, logger telemetry.Logger, sendBuffer int) *session {
	return &session{
		h:      h,
		logger: logger,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

// start binds the connection and runs the pumps.
func (s *session) start(conn *websocket.Conn) {
	s.conn = conn
	go s.writePump()
	go s.readPump()
}

// finish tears the connection down once, unblocking both pumps.
func (s *session) finish() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// enqueue is the hub listener: it frames the event for the peer. After the
// terminal event the send queue closes so the write pump can complete the
// close handshake.
func (s *session) enqueue(ev *event.Event) error {
	data, err := json.Marshal(Frame{Type: FrameEvent, Event: ev})
	if err != nil {
		return fmt.Errorf("encode event frame: %w", err)
	}
	if !s.trySend(data) {
		s.logger.Warn(context.Background(), "websocket send queue full, frame dropped",
			"session_id", s.h.SessionID(), "event", string(ev.Name))
		return fmt.Errorf("send queue full, dropped %s", ev.Name)
	}
	if event.Terminal(ev.Name) {
		s.closeSend()
	}
	return nil
}

func (s *session) sendError(msg string) {
	data, err := json.Marshal(Frame{Type: FrameError, Error: msg})
	if err != nil {
		return
	}
	s.trySend(data)
}

func (s *session) trySend(data []byte) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.sendClosed {
		return false
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

func (s *session) closeSend() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.sendClosed {
		s.sendClosed = true
		close(s.send)
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.finish()
	}()

	for {
		select {
		case data, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *session) readPump() {
	defer s.finish()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error(context.Background(), "websocket read failed",
					"session_id", s.h.SessionID(), "err", err)
			}
			return
		}
		s.handleFrame(raw)
	}
}

// handleFrame dispatches one peer command to the hub. Failures go back to
// the peer as error frames; they never end the connection.
func (s *session) handleFrame(raw []byte) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		s.sendError("malformed frame: " + err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var err error
	switch f.Type {
	case FrameInput:
		err = s.h.Reply(ctx, f.PromptID, f.Input, f.Choice)
	case FrameSend:
		msg := workflow.Message{Kind: f.Kind, Content: f.Content, Data: f.Data}
		if f.To != "" {
			err = s.h.SendTo(ctx, f.To, msg)
		} else {
			err = s.h.Send(ctx, msg)
		}
	case FrameAbort:
		err = s.h.Abort(ctx, f.Reason)
	default:
		err = fmt.Errorf("unknown frame type %q", f.Type)
	}
	if err != nil {
		s.sendError(err.Error())
	}
}
