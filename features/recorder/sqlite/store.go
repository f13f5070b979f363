// Package sqlite persists provider stream recordings in SQLite across the
// three-table layout the recorder contract implies: recording metadata,
// the ordered stream events, and the finalize result. Events append row by
// row so a crash mid stream leaves an incomplete recording that the next
// attempt for the same hash reclaims.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/weftlab/weft/features/sqlitedb"
	"github.com/weftlab/weft/runtime/workflow/recorder"
)

// Store implements recorder.Store on a SQLite database.
type Store struct {
	pool *sqlitedb.Pool
}

var _ recorder.Store = (*Store)(nil)

const recorderSchema = `
CREATE TABLE IF NOT EXISTS recordings (
	recording_id TEXT    NOT NULL PRIMARY KEY,
	hash         TEXT    NOT NULL,
	provider     TEXT    NOT NULL,
	prompt       TEXT    NOT NULL,
	complete     INTEGER NOT NULL DEFAULT 0,
	created_at   TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_recordings_hash ON recordings (hash);

CREATE TABLE IF NOT EXISTS recording_events (
	recording_id TEXT    NOT NULL,
	position     INTEGER NOT NULL,
	event        TEXT    NOT NULL,
	PRIMARY KEY (recording_id, position)
);

CREATE TABLE IF NOT EXISTS recording_results (
	recording_id TEXT NOT NULL PRIMARY KEY,
	result       TEXT NOT NULL
);
`

const timeLayout = time.RFC3339Nano

// New opens a recorder store over pool, creating the tables when missing.
func New(pool *sqlitedb.Pool) (*Store, error) {
	if pool == nil {
		return nil, errors.New("sqlite pool is required")
	}
	if _, err := pool.Writer().Exec(recorderSchema); err != nil {
		return nil, fmt.Errorf("create recorder schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// StartRecording implements recorder.Store. Prior incomplete recordings for
// the hash are reclaimed in the same transaction that creates the new row.
func (s *Store) StartRecording(ctx context.Context, hash string, meta recorder.Meta) (string, error) {
	if hash == "" {
		return "", fmt.Errorf("start recording: hash is required")
	}

	tx, err := s.pool.Writer().BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("start recording: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := deleteWhere(ctx, tx, `hash = ? AND complete = 0`, hash); err != nil {
		return "", fmt.Errorf("start recording: reclaim incomplete: %w", err)
	}

	id := uuid.NewString()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO recordings (recording_id, hash, provider, prompt, complete, created_at) VALUES (?, ?, ?, ?, 0, ?)`,
		id, hash, meta.Provider, meta.Prompt, time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return "", fmt.Errorf("start recording: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("start recording: %w", err)
	}
	return id, nil
}

// AppendEvent implements recorder.Store.
func (s *Store) AppendEvent(ctx context.Context, recordingID string, ev json.RawMessage) error {
	tx, err := s.pool.Writer().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	complete, err := recordingComplete(ctx, tx, recordingID)
	if err != nil {
		return err
	}
	if complete {
		return fmt.Errorf("append event: recording %q is complete", recordingID)
	}

	var next int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position)+1, 0) FROM recording_events WHERE recording_id = ?`,
		recordingID,
	).Scan(&next)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO recording_events (recording_id, position, event) VALUES (?, ?, ?)`,
		recordingID, next, string(ev),
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return tx.Commit()
}

// FinalizeRecording implements recorder.Store. The finalized recording
// becomes the only complete one for its hash.
func (s *Store) FinalizeRecording(ctx context.Context, recordingID string, result json.RawMessage) error {
	tx, err := s.pool.Writer().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("finalize recording: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		hash     string
		complete int
	)
	err = tx.QueryRowContext(ctx,
		`SELECT hash, complete FROM recordings WHERE recording_id = ?`,
		recordingID,
	).Scan(&hash, &complete)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("finalize recording: unknown recording %q", recordingID)
	}
	if err != nil {
		return fmt.Errorf("finalize recording: %w", err)
	}
	if complete != 0 {
		return fmt.Errorf("finalize recording: recording %q is already complete", recordingID)
	}

	if err := deleteWhere(ctx, tx, `hash = ? AND complete = 1`, hash); err != nil {
		return fmt.Errorf("finalize recording: supersede previous: %w", err)
	}

	resultText := "null"
	if len(result) > 0 {
		resultText = string(result)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO recording_results (recording_id, result) VALUES (?, ?)`,
		recordingID, resultText,
	); err != nil {
		return fmt.Errorf("finalize recording: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE recordings SET complete = 1 WHERE recording_id = ?`,
		recordingID,
	); err != nil {
		return fmt.Errorf("finalize recording: %w", err)
	}
	return tx.Commit()
}

// Load implements recorder.Store.
func (s *Store) Load(ctx context.Context, hash string) (*recorder.Entry, error) {
	db := s.pool.Reader()

	var (
		entry    recorder.Entry
		created  string
		complete int
	)
	err := db.QueryRowContext(ctx,
		`SELECT recording_id, hash, provider, prompt, complete, created_at FROM recordings WHERE hash = ? AND complete = 1`,
		hash,
	).Scan(&entry.RecordingID, &entry.Hash, &entry.Provider, &entry.Prompt, &complete, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load recording: %w", err)
	}
	entry.Complete = complete != 0
	if entry.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return nil, fmt.Errorf("load recording: parse created_at %q: %w", created, err)
	}

	rows, err := db.QueryContext(ctx,
		`SELECT event FROM recording_events WHERE recording_id = ? ORDER BY position`,
		entry.RecordingID,
	)
	if err != nil {
		return nil, fmt.Errorf("load recording events: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ev string
		if err := rows.Scan(&ev); err != nil {
			return nil, fmt.Errorf("load recording events: %w", err)
		}
		entry.StreamData = append(entry.StreamData, json.RawMessage(ev))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load recording events: %w", err)
	}

	var result string
	err = db.QueryRowContext(ctx,
		`SELECT result FROM recording_results WHERE recording_id = ?`,
		entry.RecordingID,
	).Scan(&result)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load recording result: %w", err)
	}
	if err == nil {
		entry.Result = json.RawMessage(result)
	}
	return &entry, nil
}

// List implements recorder.Store. Stream data stays out of listings.
func (s *Store) List(ctx context.Context) ([]*recorder.Entry, error) {
	rows, err := s.pool.Reader().QueryContext(ctx,
		`SELECT recording_id, hash, provider, prompt, complete, created_at FROM recordings ORDER BY rowid`,
	)
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	defer rows.Close()

	entries := []*recorder.Entry{}
	for rows.Next() {
		var (
			entry    recorder.Entry
			created  string
			complete int
		)
		if err := rows.Scan(&entry.RecordingID, &entry.Hash, &entry.Provider, &entry.Prompt, &complete, &created); err != nil {
			return nil, fmt.Errorf("list recordings: %w", err)
		}
		entry.Complete = complete != 0
		if entry.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("list recordings: parse created_at %q: %w", created, err)
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	return entries, nil
}

// Delete implements recorder.Store.
func (s *Store) Delete(ctx context.Context, hash string) error {
	tx, err := s.pool.Writer().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete recordings: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := deleteWhere(ctx, tx, `hash = ?`, hash); err != nil {
		return fmt.Errorf("delete recordings: %w", err)
	}
	return tx.Commit()
}

// deleteWhere removes the recordings matching the predicate together with
// their events and results. Callers own the transaction.
func deleteWhere(ctx context.Context, tx *sql.Tx, where string, args ...any) error {
	rows, err := tx.QueryContext(ctx, `SELECT recording_id FROM recordings WHERE `+where, args...)
	if err != nil {
		return err
	}
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM recording_events WHERE recording_id = ?`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM recording_results WHERE recording_id = ?`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM recordings WHERE recording_id = ?`, id); err != nil {
			return err
		}
	}
	return nil
}

func recordingComplete(ctx context.Context, tx *sql.Tx, recordingID string) (bool, error) {
	var complete int
	err := tx.QueryRowContext(ctx,
		`SELECT complete FROM recordings WHERE recording_id = ?`,
		recordingID,
	).Scan(&complete)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("append event: unknown recording %q", recordingID)
	}
	if err != nil {
		return false, fmt.Errorf("append event: %w", err)
	}
	return complete != 0, nil
}
