// Package inmem provides the in-memory event store used by tests, examples
// and single-process deployments that do not need durability.
package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/weftlab/weft/runtime/workflow/event"
	"github.com/weftlab/weft/runtime/workflow/eventstore"
)

// Store is an in-memory eventstore.Store. The zero value is not usable; call
// New.
type Store struct {
	mu    sync.RWMutex
	order []string
	logs  map[string][]*event.Event
}

var _ eventstore.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{logs: make(map[string][]*event.Event)}
}

// Append implements eventstore.Store.
func (s *Store) Append(_ context.Context, ev *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.logs[ev.SessionID]
	if !ok {
		s.order = append(s.order, ev.SessionID)
	}
	ev.Position = len(log)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	s.logs[ev.SessionID] = append(log, ev.Clone())
	return nil
}

// Events implements eventstore.Store.
func (s *Store) Events(_ context.Context, sessionID string) ([]*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAll(s.logs[sessionID]), nil
}

// EventsFrom implements eventstore.Store.
func (s *Store) EventsFrom(_ context.Context, sessionID string, from int) ([]*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.logs[sessionID]
	if from < 0 {
		from = 0
	}
	if from >= len(log) {
		return []*event.Event{}, nil
	}
	return cloneAll(log[from:]), nil
}

// ListSessions implements eventstore.Store.
func (s *Store) ListSessions(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...), nil
}

// DeleteSession implements eventstore.Store.
func (s *Store) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.logs[sessionID]; !ok {
		return nil
	}
	delete(s.logs, sessionID)
	for i, id := range s.order {
		if id == sessionID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func cloneAll(events []*event.Event) []*event.Event {
	out := make([]*event.Event, len(events))
	for i, ev := range events {
		out[i] = ev.Clone()
	}
	return out
}
