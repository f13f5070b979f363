// Package bus implements the in-process event bus: per-session publish and
// subscribe with bounded buffering. Producers never block on subscribers; a
// subscriber that falls behind its buffer is dropped and told so through a
// terminal overflow signal rather than silently losing events.
package bus

import (
	"sync"
	"sync/atomic"

	"github.com/weftlab/weft/runtime/workflow/event"
)

// AllSessions subscribes to every session's events.
const AllSessions = "*"

// DefaultBuffer is the per-subscriber buffer size used when Options does not
// set one.
const DefaultBuffer = 256

type (
	// Options configures a Bus. A nil Options uses defaults.
	Options struct {
		// Buffer is the per-subscriber channel capacity.
		Buffer int
	}

	// Bus routes published events to session subscribers. Published events
	// are shared between subscribers and must be treated as read-only.
	Bus struct {
		mu     sync.RWMutex
		subs   map[string][]*Subscription
		buffer int
		closed bool
	}

	// Subscription is one subscriber's view of a session. Events delivers
	// events in publish order and is closed on unsubscribe, bus close or
	// overflow; Overflowed is closed only on overflow, before Events closes,
	// so a drained subscriber can tell the three apart.
	Subscription struct {
		bus       *Bus
		sessionID string
		events    chan *event.Event
		overflow  chan struct{}
		done      atomic.Bool
	}
)

// New returns an empty bus.
func New(opts *Options) *Bus {
	buffer := DefaultBuffer
	if opts != nil && opts.Buffer > 0 {
		buffer = opts.Buffer
	}
	return &Bus{subs: make(map[string][]*Subscription), buffer: buffer}
}

// Subscribe registers for events of one session, or of all sessions when
// sessionID is AllSessions. The subscriber receives events published after
// Subscribe returns. Subscribing on a closed bus yields an already-closed
// subscription.
func (b *Bus) Subscribe(sessionID string) *Subscription {
	sub := &Subscription{
		bus:       b,
		sessionID: sessionID,
		events:    make(chan *event.Event, b.buffer),
		overflow:  make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.done.Store(true)
		close(sub.events)
		return sub
	}
	b.subs[sessionID] = append(b.subs[sessionID], sub)
	b.mu.Unlock()
	return sub
}

// Publish delivers ev to the subscribers of ev.SessionID and to all-session
// subscribers. Publish never blocks: a subscriber whose buffer is full is
// dropped with an overflow signal. Publishing on a closed bus is a no-op.
func (b *Bus) Publish(ev *event.Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	targets := make([]*Subscription, 0, len(b.subs[ev.SessionID])+len(b.subs[AllSessions]))
	targets = append(targets, b.subs[ev.SessionID]...)
	if ev.SessionID != AllSessions {
		targets = append(targets, b.subs[AllSessions]...)
	}
	for _, sub := range targets {
		if sub.done.Load() {
			continue
		}
		select {
		case sub.events <- ev:
		default:
			sub.drop()
		}
	}
	b.mu.RUnlock()
}

// Close drops every subscription and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*Subscription
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.subs = make(map[string][]*Subscription)
	b.mu.Unlock()

	for _, sub := range all {
		if sub.done.CompareAndSwap(false, true) {
			close(sub.events)
		}
	}
}

// Events returns the subscriber's event channel.
func (s *Subscription) Events() <-chan *event.Event { return s.events }

// Overflowed is closed when the subscription was dropped for falling behind.
func (s *Subscription) Overflowed() <-chan struct{} { return s.overflow }

// Unsubscribe detaches the subscription and closes its event channel.
// Unsubscribing more than once is safe.
func (s *Subscription) Unsubscribe() {
	if !s.done.CompareAndSwap(false, true) {
		return
	}
	go func() {
		s.bus.remove(s)
		close(s.events)
	}()
}

// drop is called by a publisher that found the buffer full. The publisher
// holds the bus read lock, so removal and channel close happen on a separate
// goroutine once the write lock can be taken and no publisher is mid-send.
func (s *Subscription) drop() {
	if !s.done.CompareAndSwap(false, true) {
		return
	}
	close(s.overflow)
	go func() {
		s.bus.remove(s)
		close(s.events)
	}()
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[sub.sessionID]
	for i, c := range subs {
		if c == sub {
			b.subs[sub.sessionID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.sessionID]) == 0 {
		delete(b.subs, sub.sessionID)
	}
}
