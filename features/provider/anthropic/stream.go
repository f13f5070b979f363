package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/weftlab/weft/runtime/workflow/provider"
)

// streamer adapts an Anthropic Messages SSE stream to the provider.Stream
// interface.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]

	events chan *provider.StreamEvent

	errMu    sync.Mutex
	errSet   bool
	finalErr error
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], nameMap map[string]string, wantsOutput bool) provider.Stream {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:    cctx,
		cancel: cancel,
		stream: stream,
		events: make(chan *provider.StreamEvent, 32),
	}
	go s.run(nameMap, wantsOutput)
	return s
}

// Recv implements provider.Stream.
func (s *streamer) Recv() (*provider.StreamEvent, error) {
	select {
	case ev, ok := <-s.events:
		if ok {
			return ev, nil
		}
		if err := s.err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-s.ctx.Done():
		err := s.ctx.Err()
		if err == nil {
			err = context.Canceled
		}
		s.setErr(err)
		return nil, err
	}
}

// Close implements provider.Stream.
func (s *streamer) Close() error {
	s.cancel()
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

func (s *streamer) run(nameMap map[string]string, wantsOutput bool) {
	defer close(s.events)
	defer func() {
		if s.stream != nil {
			_ = s.stream.Close()
		}
	}()

	p := newEventProcessor(s.emit, nameMap, wantsOutput)

	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		default:
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				s.setErr(classifyError(err))
			} else if err := s.ctx.Err(); err != nil {
				s.setErr(err)
			} else if !p.done {
				s.setErr(provider.NewError(providerName, provider.ErrorNetwork, "stream ended before message_stop", true, nil))
			} else {
				s.setErr(nil)
			}
			return
		}
		if err := p.handle(s.stream.Current()); err != nil {
			s.setErr(err)
			return
		}
	}
}

func (s *streamer) emit(ev *provider.StreamEvent) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.events <- ev:
		return nil
	}
}

func (s *streamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *streamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

// eventProcessor converts Anthropic streaming events into provider stream
// events and accumulates the stream-wide text, thinking and usage needed for
// the terminal result.
type eventProcessor struct {
	emit        func(*provider.StreamEvent) error
	nameMap     map[string]string
	wantsOutput bool

	textBlocks     map[int]*strings.Builder
	thinkingBlocks map[int]*strings.Builder
	toolBlocks     map[int]*toolBuffer

	text      strings.Builder
	thinking  strings.Builder
	usage     provider.Usage
	stop      provider.StopReason
	messageID string
	done      bool
}

func newEventProcessor(emit func(*provider.StreamEvent) error, nameMap map[string]string, wantsOutput bool) *eventProcessor {
	return &eventProcessor{
		emit:           emit,
		nameMap:        nameMap,
		wantsOutput:    wantsOutput,
		textBlocks:     make(map[int]*strings.Builder),
		thinkingBlocks: make(map[int]*strings.Builder),
		toolBlocks:     make(map[int]*toolBuffer),
	}
}

func (p *eventProcessor) handle(event sdk.MessageStreamEventUnion) error {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		p.messageID = ev.Message.ID
		p.usage.InputTokens = int(ev.Message.Usage.InputTokens)
		if p.messageID != "" {
			return p.emit(provider.SessionInit(p.messageID))
		}
		return nil
	case sdk.ContentBlockStartEvent:
		idx := int(ev.Index)
		if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			if toolUse.ID == "" {
				return provider.NewError(providerName, provider.ErrorUnknown, "stream: tool use block missing id", false, nil)
			}
			if toolUse.Name == "" {
				return provider.NewError(providerName, provider.ErrorUnknown,
					fmt.Sprintf("stream: tool use block %q missing name", toolUse.ID), false, nil)
			}
			name := toolUse.Name
			// When the model hallucinates a tool that was not advertised in
			// this request, the reverse map will not contain it. Surface the
			// call as-is and let the runtime fail it as an unknown tool.
			if canonical, ok := p.nameMap[name]; ok {
				name = canonical
			}
			p.toolBlocks[idx] = &toolBuffer{id: toolUse.ID, name: name}
		}
		return nil
	case sdk.ContentBlockDeltaEvent:
		idx := int(ev.Index)
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return nil
			}
			b := p.textBlocks[idx]
			if b == nil {
				b = &strings.Builder{}
				p.textBlocks[idx] = b
			}
			b.WriteString(delta.Text)
			p.text.WriteString(delta.Text)
			return p.emit(provider.TextDelta(delta.Text))
		case sdk.InputJSONDelta:
			if delta.PartialJSON == "" {
				return nil
			}
			if tb := p.toolBlocks[idx]; tb != nil {
				tb.fragments = append(tb.fragments, delta.PartialJSON)
			}
			return nil
		case sdk.ThinkingDelta:
			if delta.Thinking == "" {
				return nil
			}
			b := p.thinkingBlocks[idx]
			if b == nil {
				b = &strings.Builder{}
				p.thinkingBlocks[idx] = b
			}
			b.WriteString(delta.Thinking)
			p.thinking.WriteString(delta.Thinking)
			return p.emit(provider.ThinkingDelta(delta.Thinking))
		default:
			return nil
		}
	case sdk.ContentBlockStopEvent:
		idx := int(ev.Index)
		if b := p.textBlocks[idx]; b != nil {
			delete(p.textBlocks, idx)
			if b.Len() == 0 {
				return nil
			}
			return p.emit(provider.TextComplete(b.String()))
		}
		if b := p.thinkingBlocks[idx]; b != nil {
			delete(p.thinkingBlocks, idx)
			if b.Len() == 0 {
				return nil
			}
			return p.emit(provider.ThinkingComplete(b.String()))
		}
		if tb := p.toolBlocks[idx]; tb != nil {
			delete(p.toolBlocks, idx)
			return p.emit(&provider.StreamEvent{
				Type: provider.EventToolCall,
				ToolCall: &provider.ToolCall{
					ToolID:   tb.id,
					ToolName: tb.name,
					Input:    tb.finalInput(),
				},
			})
		}
		return nil
	case sdk.MessageDeltaEvent:
		if r := string(ev.Delta.StopReason); r != "" {
			p.stop = mapStopReason(r)
		}
		if in := int(ev.Usage.InputTokens); in > 0 {
			p.usage.InputTokens = in
		}
		if out := int(ev.Usage.OutputTokens); out > 0 {
			p.usage.OutputTokens = out
		}
		usage := p.usage
		return p.emit(&provider.StreamEvent{Type: provider.EventUsage, Usage: &usage})
	case sdk.MessageStopEvent:
		p.done = true
		stop := p.stop
		if stop == "" {
			stop = provider.StopEndTurn
		}
		if err := p.emit(provider.Stop(stop)); err != nil {
			return err
		}
		return p.emit(provider.ResultEvent(p.result(stop)))
	}
	return nil
}

func (p *eventProcessor) result(stop provider.StopReason) *provider.Result {
	usage := p.usage
	r := &provider.Result{
		StopReason: stop,
		Text:       p.text.String(),
		Thinking:   p.thinking.String(),
		Usage:      &usage,
		SessionID:  p.messageID,
	}
	if p.wantsOutput {
		r.Output = extractOutput(r.Text)
	}
	return r
}

func mapStopReason(raw string) provider.StopReason {
	switch raw {
	case "tool_use":
		return provider.StopToolUse
	case "max_tokens":
		return provider.StopMaxTokens
	default:
		return provider.StopEndTurn
	}
}

type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

func (tb *toolBuffer) finalInput() json.RawMessage {
	joined := strings.TrimSpace(strings.Join(tb.fragments, ""))
	if joined == "" {
		joined = "{}"
	}
	return json.RawMessage(joined)
}

// extractOutput returns the JSON document carried by text, tolerating the
// markdown code fences models like to wrap JSON in.
func extractOutput(text string) json.RawMessage {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if i := strings.LastIndex(trimmed, "```"); i >= 0 {
			trimmed = trimmed[:i]
		}
		trimmed = strings.TrimSpace(trimmed)
	}
	if trimmed == "" || !json.Valid([]byte(trimmed)) {
		return nil
	}
	return json.RawMessage(trimmed)
}
