package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/weftlab/weft/runtime/workflow/recorder"
)

// NewPlayback returns a provider that never performs live calls. Stream
// replays the finalized recording whose hash matches the request, event by
// event, and a request with no matching recording fails with
// recorder.NotFoundError.
func NewPlayback(name, model string, store recorder.Store) Provider {
	return &playbackProvider{name: name, model: model, store: store}
}

type playbackProvider struct {
	name  string
	model string
	store recorder.Store
}

func (p *playbackProvider) Name() string  { return p.name }
func (p *playbackProvider) Model() string { return p.model }

func (p *playbackProvider) Stream(ctx context.Context, opts StreamOptions) (Stream, error) {
	hash, err := requestHash(p.name, p.model, opts)
	if err != nil {
		return nil, err
	}
	entry, err := p.store.Load(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("load recording: %w", err)
	}
	if entry == nil {
		return nil, recorder.NewNotFound(hash, opts.Prompt)
	}
	events := make([]*StreamEvent, 0, len(entry.StreamData))
	for i, raw := range entry.StreamData {
		var ev StreamEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("decode recorded event %d: %w", i, err)
		}
		events = append(events, &ev)
	}
	return &sliceStream{events: events}, nil
}

// sliceStream replays a fixed sequence of events and then reports io.EOF.
type sliceStream struct {
	mu     sync.Mutex
	events []*StreamEvent
	next   int
	closed bool
}

func (s *sliceStream) Recv() (*StreamEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.next >= len(s.events) {
		return nil, io.EOF
	}
	ev := s.events[s.next]
	s.next++
	return ev, nil
}

func (s *sliceStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
