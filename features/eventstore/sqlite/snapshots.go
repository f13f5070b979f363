package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/weftlab/weft/features/sqlitedb"
	"github.com/weftlab/weft/runtime/workflow/snapshot"
)

// SnapshotStore implements snapshot.Store on the same database as the event
// log. One row per session: saving replaces the previous snapshot.
type SnapshotStore struct {
	pool *sqlitedb.Pool
}

var _ snapshot.Store = (*SnapshotStore)(nil)

const snapshotsSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	session_id TEXT    NOT NULL PRIMARY KEY,
	position   INTEGER NOT NULL,
	state      TEXT    NOT NULL,
	created_at TEXT    NOT NULL
);
`

// NewSnapshots opens a snapshot store over pool, creating the snapshots
// table when missing.
func NewSnapshots(pool *sqlitedb.Pool) (*SnapshotStore, error) {
	if pool == nil {
		return nil, errors.New("sqlite pool is required")
	}
	if _, err := pool.Writer().Exec(snapshotsSchema); err != nil {
		return nil, fmt.Errorf("create snapshots schema: %w", err)
	}
	return &SnapshotStore{pool: pool}, nil
}

// Save implements snapshot.Store.
func (s *SnapshotStore) Save(ctx context.Context, snap *snapshot.Snapshot) error {
	if snap == nil {
		return errors.New("snapshot is required")
	}
	if snap.SessionID == "" {
		return errors.New("session id is required")
	}
	created := snap.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	state := "null"
	if len(snap.State) > 0 {
		state = string(snap.State)
	}
	_, err := s.pool.Writer().ExecContext(ctx,
		`INSERT INTO snapshots (session_id, position, state, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (session_id) DO UPDATE SET position = excluded.position, state = excluded.state, created_at = excluded.created_at`,
		snap.SessionID, snap.Position, state, created.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("save snapshot for session %s: %w", snap.SessionID, err)
	}
	return nil
}

// Latest implements snapshot.Store.
func (s *SnapshotStore) Latest(ctx context.Context, sessionID string) (*snapshot.Snapshot, error) {
	var (
		position    int
		state, when string
	)
	err := s.pool.Reader().QueryRowContext(ctx,
		`SELECT position, state, created_at FROM snapshots WHERE session_id = ?`,
		sessionID,
	).Scan(&position, &state, &when)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot for session %s: %w", sessionID, err)
	}
	created, err := time.Parse(timeLayout, when)
	if err != nil {
		return nil, fmt.Errorf("parse snapshot timestamp %q: %w", when, err)
	}
	return &snapshot.Snapshot{
		SessionID: sessionID,
		Position:  position,
		State:     json.RawMessage(state),
		CreatedAt: created,
	}, nil
}

// Delete implements snapshot.Store.
func (s *SnapshotStore) Delete(ctx context.Context, sessionID string) error {
	_, err := s.pool.Writer().ExecContext(ctx, `DELETE FROM snapshots WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete snapshot for session %s: %w", sessionID, err)
	}
	return nil
}
