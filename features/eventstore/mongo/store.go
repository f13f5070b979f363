package mongo

import (
	"context"
	"errors"

	clientsmongo "github.com/weftlab/weft/features/eventstore/mongo/clients/mongo"
	"github.com/weftlab/weft/runtime/workflow/event"
	"github.com/weftlab/weft/runtime/workflow/eventstore"
)

// Store implements eventstore.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Mongo-backed event store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Append implements eventstore.Store.
func (s *Store) Append(ctx context.Context, ev *event.Event) error {
	var sessionID string
	if ev != nil {
		sessionID = ev.SessionID
	}
	if err := s.client.Append(ctx, ev); err != nil {
		return eventstore.NewStoreError(eventstore.OpWrite, sessionID, err)
	}
	return nil
}

// Events implements eventstore.Store.
func (s *Store) Events(ctx context.Context, sessionID string) ([]*event.Event, error) {
	return s.EventsFrom(ctx, sessionID, 0)
}

// EventsFrom implements eventstore.Store.
func (s *Store) EventsFrom(ctx context.Context, sessionID string, from int) ([]*event.Event, error) {
	events, err := s.client.Events(ctx, sessionID, from)
	if err != nil {
		return nil, eventstore.NewStoreError(eventstore.OpRead, sessionID, err)
	}
	return events, nil
}

// ListSessions implements eventstore.Store.
func (s *Store) ListSessions(ctx context.Context) ([]string, error) {
	ids, err := s.client.ListSessions(ctx)
	if err != nil {
		return nil, eventstore.NewStoreError(eventstore.OpRead, "", err)
	}
	return ids, nil
}

// DeleteSession implements eventstore.Store.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if err := s.client.DeleteSession(ctx, sessionID); err != nil {
		return eventstore.NewStoreError(eventstore.OpDelete, sessionID, err)
	}
	return nil
}
