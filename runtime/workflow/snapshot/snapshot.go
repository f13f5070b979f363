// Package snapshot defines the advisory state snapshot store. Snapshots cache
// the workflow state as of an event log position so that resume can skip part
// of the replay; they are never authoritative, and consumers must fall back
// to full event replay when a snapshot is missing or stale.
package snapshot

import (
	"context"
	"encoding/json"
	"time"
)

type (
	// Snapshot is the workflow state as of Position events applied.
	Snapshot struct {
		SessionID string          `json:"session_id"`
		Position  int             `json:"position"`
		State     json.RawMessage `json:"state"`
		CreatedAt time.Time       `json:"created_at"`
	}

	// Store persists snapshots. Implementations must be safe for concurrent
	// use. Losing a snapshot is always recoverable, so implementations may
	// trade durability for speed.
	Store interface {
		// Save persists snap, replacing any older snapshot for the session.
		// A zero CreatedAt is stamped with the current time.
		Save(ctx context.Context, snap *Snapshot) error

		// Latest returns the most recent snapshot for a session, or nil when
		// none exists.
		Latest(ctx context.Context, sessionID string) (*Snapshot, error)

		// Delete removes the session's snapshots. Unknown sessions are a
		// no-op.
		Delete(ctx context.Context, sessionID string) error
	}
)

// Clone returns an independent copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	dup := *s
	dup.State = append(json.RawMessage(nil), s.State...)
	return &dup
}
