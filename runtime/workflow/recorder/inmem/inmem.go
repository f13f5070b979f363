// Package inmem provides the in-memory recorder store used by tests and
// single-process playback setups.
package inmem

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weftlab/weft/runtime/workflow/recorder"
)

type (
	// Store implements recorder.Store backed by process memory.
	Store struct {
		mu    sync.Mutex
		order []string
		recs  map[string]*recording
	}

	recording struct {
		entry  recorder.Entry
		events []json.RawMessage
		result json.RawMessage
	}
)

var _ recorder.Store = (*Store)(nil)

// New returns an empty in-memory recorder store.
func New() *Store {
	return &Store{recs: make(map[string]*recording)}
}

// StartRecording implements recorder.Store.
func (s *Store) StartRecording(_ context.Context, hash string, meta recorder.Meta) (string, error) {
	if hash == "" {
		return "", fmt.Errorf("start recording: hash is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleteWhere(func(r *recording) bool {
		return r.entry.Hash == hash && !r.entry.Complete
	})

	id := uuid.NewString()
	s.recs[id] = &recording{
		entry: recorder.Entry{
			RecordingID: id,
			Hash:        hash,
			Provider:    meta.Provider,
			Prompt:      meta.Prompt,
			CreatedAt:   time.Now().UTC(),
		},
	}
	s.order = append(s.order, id)
	return id, nil
}

// AppendEvent implements recorder.Store.
func (s *Store) AppendEvent(_ context.Context, recordingID string, ev json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[recordingID]
	if !ok {
		return fmt.Errorf("append event: unknown recording %q", recordingID)
	}
	if rec.entry.Complete {
		return fmt.Errorf("append event: recording %q is complete", recordingID)
	}
	rec.events = append(rec.events, append(json.RawMessage(nil), ev...))
	return nil
}

// FinalizeRecording implements recorder.Store.
func (s *Store) FinalizeRecording(_ context.Context, recordingID string, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[recordingID]
	if !ok {
		return fmt.Errorf("finalize recording: unknown recording %q", recordingID)
	}
	if rec.entry.Complete {
		return fmt.Errorf("finalize recording: recording %q is already complete", recordingID)
	}

	// The finalized recording becomes the only complete one for its hash.
	s.deleteWhere(func(r *recording) bool {
		return r.entry.Hash == rec.entry.Hash && r.entry.Complete
	})

	rec.entry.Complete = true
	rec.result = append(json.RawMessage(nil), result...)
	return nil
}

// Load implements recorder.Store.
func (s *Store) Load(_ context.Context, hash string) (*recorder.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		rec, ok := s.recs[id]
		if !ok || rec.entry.Hash != hash || !rec.entry.Complete {
			continue
		}
		entry := rec.entry
		entry.StreamData = make([]json.RawMessage, 0, len(rec.events))
		for _, ev := range rec.events {
			entry.StreamData = append(entry.StreamData, append(json.RawMessage(nil), ev...))
		}
		entry.Result = append(json.RawMessage(nil), rec.result...)
		return &entry, nil
	}
	return nil, nil
}

// List implements recorder.Store.
func (s *Store) List(_ context.Context) ([]*recorder.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]*recorder.Entry, 0, len(s.order))
	for _, id := range s.order {
		rec, ok := s.recs[id]
		if !ok {
			continue
		}
		entry := rec.entry
		entries = append(entries, &entry)
	}
	return entries, nil
}

// Delete implements recorder.Store.
func (s *Store) Delete(_ context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleteWhere(func(r *recording) bool { return r.entry.Hash == hash })
	return nil
}

// deleteWhere removes recordings matching the predicate. Callers hold s.mu.
func (s *Store) deleteWhere(match func(*recording) bool) {
	kept := s.order[:0]
	for _, id := range s.order {
		rec, ok := s.recs[id]
		if ok && match(rec) {
			delete(s.recs, id)
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
}
