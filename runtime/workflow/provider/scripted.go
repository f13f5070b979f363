package provider

import (
	"context"
	"encoding/json"
	"fmt"
)

type (
	// ScriptFunc computes the full event sequence for one scripted stream.
	ScriptFunc func(opts StreamOptions) ([]*StreamEvent, error)
)

// NewScripted returns a deterministic in-process provider that serves each
// stream from a script. It behaves like any other live provider, so it can be
// wrapped for recording and replayed later, which makes it the provider of
// choice for examples and runtime tests.
func NewScripted(name, model string, script ScriptFunc) Provider {
	return &scriptedProvider{name: name, model: model, script: script}
}

type scriptedProvider struct {
	name   string
	model  string
	script ScriptFunc
}

func (p *scriptedProvider) Name() string  { return p.name }
func (p *scriptedProvider) Model() string { return p.model }

func (p *scriptedProvider) Stream(_ context.Context, opts StreamOptions) (Stream, error) {
	events, err := p.script(opts)
	if err != nil {
		return nil, err
	}
	return &sliceStream{events: events}, nil
}

// ScriptOutput builds the canonical event sequence for a run that streams one
// block of text and finishes with a structured output.
func ScriptOutput(text string, output any) ([]*StreamEvent, error) {
	raw, err := json.Marshal(output)
	if err != nil {
		return nil, fmt.Errorf("encode scripted output: %w", err)
	}
	usage := Usage{InputTokens: len(text), OutputTokens: len(text)}
	return []*StreamEvent{
		TextDelta(text),
		TextComplete(text),
		Stop(StopEndTurn),
		{Type: EventUsage, Usage: &usage},
		ResultEvent(&Result{
			Output:     raw,
			StopReason: StopEndTurn,
			Text:       text,
			Usage:      &usage,
		}),
	}, nil
}
