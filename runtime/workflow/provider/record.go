package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/weftlab/weft/runtime/workflow/recorder"
)

// NewRecording wraps a live provider so every streamed call is persisted
// incrementally to the recorder. The recording starts incomplete, grows one
// durable row per received event, and is finalized when the terminal result
// arrives; a crash mid stream therefore leaves an incomplete recording that
// the next call for the same hash reclaims.
func NewRecording(live Provider, store recorder.Store) Provider {
	return &recordingProvider{live: live, store: store}
}

type recordingProvider struct {
	live  Provider
	store recorder.Store
}

func (p *recordingProvider) Name() string  { return p.live.Name() }
func (p *recordingProvider) Model() string { return p.live.Model() }

func (p *recordingProvider) Stream(ctx context.Context, opts StreamOptions) (Stream, error) {
	hash, err := requestHash(p.live.Name(), p.live.Model(), opts)
	if err != nil {
		return nil, err
	}
	recID, err := p.store.StartRecording(ctx, hash, recorder.Meta{
		Provider: p.live.Name(),
		Prompt:   opts.Prompt,
	})
	if err != nil {
		return nil, fmt.Errorf("start recording: %w", err)
	}
	inner, err := p.live.Stream(ctx, opts)
	if err != nil {
		// The incomplete recording stays behind for reclamation.
		return nil, err
	}
	return &recordingStream{ctx: ctx, inner: inner, store: p.store, recID: recID}, nil
}

type recordingStream struct {
	ctx   context.Context
	inner Stream
	store recorder.Store
	recID string

	closeOnce sync.Once
	closeErr  error
}

func (s *recordingStream) Recv() (*StreamEvent, error) {
	ev, err := s.inner.Recv()
	if err != nil {
		// io.EOF or a provider error: either way nothing to record. An
		// errored stream never finalizes, so its recording is reclaimed.
		return nil, err
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode stream event: %w", err)
	}
	if err := s.store.AppendEvent(s.ctx, s.recID, raw); err != nil {
		return nil, fmt.Errorf("record stream event: %w", err)
	}
	if ev.Type == EventResult {
		result, err := json.Marshal(ev.Result)
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
		if err := s.store.FinalizeRecording(s.ctx, s.recID, result); err != nil {
			return nil, fmt.Errorf("finalize recording: %w", err)
		}
	}
	return ev, nil
}

func (s *recordingStream) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.inner.Close() })
	return s.closeErr
}

// requestHash fingerprints a stream request for the recorder.
func requestHash(name, model string, opts StreamOptions) (string, error) {
	tools := make([]recorder.Tool, 0, len(opts.Tools))
	for _, t := range opts.Tools {
		tools = append(tools, recorder.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	hash, err := recorder.Hash(recorder.HashRequest{
		Provider:     name,
		Model:        model,
		Prompt:       opts.Prompt,
		Tools:        tools,
		OutputSchema: opts.OutputSchema.Canonical(),
		Config:       opts.ProviderOptions,
	})
	if err != nil {
		return "", fmt.Errorf("hash request: %w", err)
	}
	return hash, nil
}
