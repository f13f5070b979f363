// Package sqlite persists session event logs and state snapshots in SQLite.
// Events live in an append-only table keyed by (session_id, position);
// position assignment happens inside a write transaction, which together
// with the single-connection writer keeps positions contiguous under
// concurrency.
package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/weftlab/weft/features/sqlitedb"
	"github.com/weftlab/weft/runtime/workflow/event"
	"github.com/weftlab/weft/runtime/workflow/eventstore"
)

// Store implements eventstore.Store on a SQLite database.
type Store struct {
	pool *sqlitedb.Pool
}

var _ eventstore.Store = (*Store)(nil)

const eventsSchema = `
CREATE TABLE IF NOT EXISTS events (
	session_id TEXT    NOT NULL,
	position   INTEGER NOT NULL,
	event_id   TEXT    NOT NULL,
	name       TEXT    NOT NULL,
	payload    TEXT    NOT NULL,
	timestamp  TEXT    NOT NULL,
	PRIMARY KEY (session_id, position)
);
CREATE INDEX IF NOT EXISTS idx_events_session ON events (session_id);
`

// timeLayout is the stored timestamp format. Ordering never depends on it;
// positions order the log.
const timeLayout = time.RFC3339Nano

// New opens an event store over pool, creating the events table when
// missing.
func New(pool *sqlitedb.Pool) (*Store, error) {
	if pool == nil {
		return nil, errors.New("sqlite pool is required")
	}
	if _, err := pool.Writer().Exec(eventsSchema); err != nil {
		return nil, fmt.Errorf("create events schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Append implements eventstore.Store. The next position is read and the row
// inserted in one transaction on the single write connection, so concurrent
// appends to a session serialize and positions stay contiguous.
func (s *Store) Append(ctx context.Context, ev *event.Event) error {
	if ev == nil {
		return eventstore.NewStoreError(eventstore.OpWrite, "", errors.New("event is required"))
	}
	if ev.SessionID == "" {
		return eventstore.NewStoreError(eventstore.OpWrite, "", errors.New("session id is required"))
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	tx, err := s.pool.Writer().BeginTx(ctx, nil)
	if err != nil {
		return eventstore.NewStoreError(eventstore.OpWrite, ev.SessionID, err)
	}
	defer func() { _ = tx.Rollback() }()

	var next int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position)+1, 0) FROM events WHERE session_id = ?`,
		ev.SessionID,
	).Scan(&next)
	if err != nil {
		return eventstore.NewStoreError(eventstore.OpWrite, ev.SessionID, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (session_id, position, event_id, name, payload, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.SessionID, next, ev.ID, string(ev.Name), payloadText(ev.Payload), ts.UTC().Format(timeLayout),
	)
	if err != nil {
		return eventstore.NewStoreError(eventstore.OpWrite, ev.SessionID, err)
	}
	if err := tx.Commit(); err != nil {
		return eventstore.NewStoreError(eventstore.OpWrite, ev.SessionID, err)
	}

	ev.Position = next
	ev.Timestamp = ts
	return nil
}

// Events implements eventstore.Store.
func (s *Store) Events(ctx context.Context, sessionID string) ([]*event.Event, error) {
	return s.query(ctx, sessionID, 0)
}

// EventsFrom implements eventstore.Store.
func (s *Store) EventsFrom(ctx context.Context, sessionID string, from int) ([]*event.Event, error) {
	if from < 0 {
		from = 0
	}
	return s.query(ctx, sessionID, from)
}

// ListSessions implements eventstore.Store. First-append order follows the
// insertion order of each session's first row.
func (s *Store) ListSessions(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Reader().QueryContext(ctx,
		`SELECT session_id FROM events GROUP BY session_id ORDER BY MIN(rowid)`,
	)
	if err != nil {
		return nil, eventstore.NewStoreError(eventstore.OpRead, "", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eventstore.NewStoreError(eventstore.OpRead, "", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, eventstore.NewStoreError(eventstore.OpRead, "", err)
	}
	return ids, nil
}

// DeleteSession implements eventstore.Store.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.pool.Writer().ExecContext(ctx, `DELETE FROM events WHERE session_id = ?`, sessionID)
	if err != nil {
		return eventstore.NewStoreError(eventstore.OpDelete, sessionID, err)
	}
	return nil
}

func (s *Store) query(ctx context.Context, sessionID string, from int) ([]*event.Event, error) {
	rows, err := s.pool.Reader().QueryContext(ctx,
		`SELECT event_id, name, payload, timestamp, position FROM events WHERE session_id = ? AND position >= ? ORDER BY position`,
		sessionID, from,
	)
	if err != nil {
		return nil, eventstore.NewStoreError(eventstore.OpRead, sessionID, err)
	}
	defer rows.Close()

	events := []*event.Event{}
	for rows.Next() {
		var (
			id, name, payload, ts string
			position              int
		)
		if err := rows.Scan(&id, &name, &payload, &ts, &position); err != nil {
			return nil, eventstore.NewStoreError(eventstore.OpRead, sessionID, err)
		}
		parsed, err := time.Parse(timeLayout, ts)
		if err != nil {
			return nil, eventstore.NewStoreError(eventstore.OpRead, sessionID, fmt.Errorf("parse timestamp %q: %w", ts, err))
		}
		events = append(events, &event.Event{
			ID:        id,
			SessionID: sessionID,
			Name:      event.Name(name),
			Payload:   json.RawMessage(payload),
			Timestamp: parsed,
			Position:  position,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, eventstore.NewStoreError(eventstore.OpRead, sessionID, err)
	}
	return events, nil
}

// payloadText normalizes the stored payload; the column is NOT NULL so nil
// payloads persist as JSON null.
func payloadText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}
