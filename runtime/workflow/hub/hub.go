// Package hub implements the bidirectional boundary between a running
// session and external channels. Outbound, transports subscribe to filtered
// event streams; inbound, they send messages, resolve prompts and abort. A
// hub is bound to one session and can serve several transports at once.
package hub

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/weftlab/weft/runtime/workflow"
	"github.com/weftlab/weft/runtime/workflow/bus"
	"github.com/weftlab/weft/runtime/workflow/event"
)

type (
	// Status is the coarse connection state a hub reports to transports.
	Status string

	// Listener receives events matching a subscription filter. A listener
	// error never stops delivery; it surfaces as a HandlerError on the
	// diagnostics channel.
	Listener func(*event.Event) error

	// Controller is the inbound half the session manager implements: every
	// hub command is forwarded to it with the hub's session id.
	Controller interface {
		// Send broadcasts a coarse message to the running workflow.
		Send(ctx context.Context, sessionID string, msg workflow.Message) error
		// SendTo targets a message at one node (an agent step) by name.
		SendTo(ctx context.Context, sessionID, nodeID string, msg workflow.Message) error
		// Reply resolves a pending prompt by id.
		Reply(ctx context.Context, sessionID, promptID, content, choice string) error
		// Abort cooperatively cancels the session.
		Abort(ctx context.Context, sessionID, reason string) error
	}

	// Transport attaches an external channel to a hub and returns a cleanup
	// that detaches it. Multiple transports may attach to one hub.
	Transport func(h *Hub) (cleanup func(), err error)

	// HandlerError reports a listener callback failure. Producers are never
	// affected; the error is delivered on the hub's diagnostics channel.
	HandlerError struct {
		Handler string
		Event   event.Name
		Cause   error
	}

	// Options configures a hub. A nil Options uses defaults.
	Options struct {
		// SessionActive, when set, answers Hub.SessionActive. When nil the
		// hub derives activity from the terminal events it observes.
		SessionActive func() bool
		// Diagnostics is the buffer of the diagnostics channel.
		Diagnostics int
	}

	// Hub is the per-session attachment point for transports.
	Hub struct {
		sessionID string
		ctrl      Controller
		sub       *bus.Subscription
		probe     func() bool

		mu        sync.Mutex
		listeners map[int]*listener
		nextID    int

		status      atomic.Value // Status
		active      atomic.Bool
		diagnostics chan *HandlerError
		done        chan struct{}
	}

	listener struct {
		id     int
		filter string
		fn     Listener
	}
)

// Hub connection states.
const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// defaultDiagnostics bounds the diagnostics channel when Options does not.
const defaultDiagnostics = 16

// Error implements error.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s failed on %s: %v", e.Handler, e.Event, e.Cause)
}

// Unwrap returns the listener's error.
func (e *HandlerError) Unwrap() error { return e.Cause }

// New attaches a hub to one session. The hub subscribes to the session's
// events immediately and reports StatusConnected once its pump is running.
func New(sessionID string, b *bus.Bus, ctrl Controller, opts *Options) *Hub {
	h := &Hub{
		sessionID:   sessionID,
		ctrl:        ctrl,
		sub:         b.Subscribe(sessionID),
		listeners:   make(map[int]*listener),
		diagnostics: make(chan *HandlerError, diagnosticsBuffer(opts)),
		done:        make(chan struct{}),
	}
	if opts != nil {
		h.probe = opts.SessionActive
	}
	h.status.Store(StatusConnecting)
	h.active.Store(true)
	go h.pump()
	return h
}

func diagnosticsBuffer(opts *Options) int {
	if opts != nil && opts.Diagnostics > 0 {
		return opts.Diagnostics
	}
	return defaultDiagnostics
}

// SessionID returns the session the hub is bound to.
func (h *Hub) SessionID() string { return h.sessionID }

// Status returns the hub's connection state.
func (h *Hub) Status() Status { return h.status.Load().(Status) }

// SessionActive reports whether the session can still produce events.
func (h *Hub) SessionActive() bool {
	if h.probe != nil {
		return h.probe()
	}
	return h.active.Load()
}

// Diagnostics delivers listener failures. The channel is bounded; when no
// one drains it, further failures are dropped rather than blocking delivery.
func (h *Hub) Diagnostics() <-chan *HandlerError { return h.diagnostics }

// Done is closed when the hub stops pumping events, whatever the reason.
// Check Status to distinguish normal detachment from overflow.
func (h *Hub) Done() <-chan struct{} { return h.done }

// Subscribe registers a listener for events whose name matches filter and
// returns its unsubscribe handle. Filters are matched on event name only:
// "*" matches everything, "agent:*" matches by prefix, anything else matches
// exactly. An empty filter means "*".
func (h *Hub) Subscribe(filter string, fn Listener) (unsubscribe func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.listeners[id] = &listener{id: id, filter: filter, fn: fn}
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.listeners, id)
	}
}

// Send broadcasts a message to the running workflow.
func (h *Hub) Send(ctx context.Context, msg workflow.Message) error {
	return h.ctrl.Send(ctx, h.sessionID, msg)
}

// SendTo targets a message at one agent step by name.
func (h *Hub) SendTo(ctx context.Context, nodeID string, msg workflow.Message) error {
	return h.ctrl.SendTo(ctx, h.sessionID, nodeID, msg)
}

// Reply resolves a pending prompt.
func (h *Hub) Reply(ctx context.Context, promptID, content, choice string) error {
	return h.ctrl.Reply(ctx, h.sessionID, promptID, content, choice)
}

// Abort cooperatively cancels the session.
func (h *Hub) Abort(ctx context.Context, reason string) error {
	return h.ctrl.Abort(ctx, h.sessionID, reason)
}

// Close detaches the hub from the bus. Listeners receive nothing afterwards.
func (h *Hub) Close() {
	h.sub.Unsubscribe()
}

func (h *Hub) pump() {
	defer close(h.done)
	h.status.Store(StatusConnected)
	for ev := range h.sub.Events() {
		if event.Terminal(ev.Name) {
			h.active.Store(false)
		}
		h.dispatch(ev)
	}
	select {
	case <-h.sub.Overflowed():
		// The bus dropped this hub for falling behind. Transports observe
		// StatusError and decide whether to reattach with history catch-up.
		h.status.Store(StatusError)
	default:
		h.status.Store(StatusDisconnected)
	}
}

func (h *Hub) dispatch(ev *event.Event) {
	h.mu.Lock()
	matched := make([]*listener, 0, len(h.listeners))
	for _, l := range h.listeners {
		if MatchFilter(l.filter, ev.Name) {
			matched = append(matched, l)
		}
	}
	h.mu.Unlock()

	for _, l := range matched {
		if err := l.fn(ev); err != nil {
			he := &HandlerError{
				Handler: fmt.Sprintf("listener[%d] %s", l.id, l.filter),
				Event:   ev.Name,
				Cause:   err,
			}
			select {
			case h.diagnostics <- he:
			default:
			}
		}
	}
}

// MatchFilter reports whether an event name matches a subscription filter.
func MatchFilter(filter string, name event.Name) bool {
	switch {
	case filter == "" || filter == "*":
		return true
	case strings.HasSuffix(filter, "*"):
		return strings.HasPrefix(string(name), strings.TrimSuffix(filter, "*"))
	default:
		return string(name) == filter
	}
}
