// Package inmem provides the in-memory snapshot store.
package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/weftlab/weft/runtime/workflow/snapshot"
)

// Store keeps the latest snapshot per session in memory.
type Store struct {
	mu    sync.RWMutex
	snaps map[string]*snapshot.Snapshot
}

var _ snapshot.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{snaps: make(map[string]*snapshot.Snapshot)}
}

// Save implements snapshot.Store.
func (s *Store) Save(_ context.Context, snap *snapshot.Snapshot) error {
	dup := snap.Clone()
	if dup.CreatedAt.IsZero() {
		dup.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[dup.SessionID] = dup
	return nil
}

// Latest implements snapshot.Store.
func (s *Store) Latest(_ context.Context, sessionID string) (*snapshot.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snaps[sessionID].Clone(), nil
}

// Delete implements snapshot.Store.
func (s *Store) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snaps, sessionID)
	return nil
}
