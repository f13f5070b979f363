package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/weftlab/weft/runtime/workflow/provider"
)

// eventStream is the subset of *bedrockruntime.ConverseStreamEventStream the
// streamer consumes, split out so tests can drive the pump with fabricated
// events.
type eventStream interface {
	Events() <-chan brtypes.ConverseStreamOutput
	Close() error
	Err() error
}

var _ eventStream = (*bedrockruntime.ConverseStreamEventStream)(nil)

// streamer adapts a Bedrock ConverseStream event stream to the
// provider.Stream interface.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream eventStream

	events chan *provider.StreamEvent

	errMu    sync.Mutex
	errSet   bool
	finalErr error
}

func newStreamer(ctx context.Context, stream eventStream, nameMap map[string]string, wantsOutput bool) provider.Stream {
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
	events := s.stream.Events()

	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		case event, ok := <-events:
			if !ok {
				if err := s.stream.Err(); err != nil {
					s.setErr(classifyError(err))
				} else if err := s.ctx.Err(); err != nil {
					s.setErr(err)
				} else if !p.sawStop {
					s.setErr(provider.NewError(providerName, provider.ErrorNetwork, "stream ended before message stop", true, nil))
				} else if err := p.complete(); err != nil {
					s.setErr(err)
				} else {
					s.setErr(nil)
				}
				return
			}
			if err := p.handle(event); err != nil {
				s.setErr(err)
				return
			}
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

// eventProcessor converts Converse streaming events into provider stream
// events and accumulates the stream-wide text, thinking and usage needed for
// the terminal result.
//
// Usage arrives on a metadata event after message stop, so the stop and
// result events wait until the stream is exhausted.
type eventProcessor struct {
	emit        func(*provider.StreamEvent) error
	nameMap     map[string]string
	wantsOutput bool

	textBlocks     map[int]*strings.Builder
	thinkingBlocks map[int]*strings.Builder
	toolBlocks     map[int]*toolBuffer

	text     strings.Builder
	thinking strings.Builder
	usage    provider.Usage
	stop     provider.StopReason
	sawStop  bool
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

func (p *eventProcessor) handle(event brtypes.ConverseStreamOutput) error {
	switch ev := event.(type) {
	case *brtypes.ConverseStreamOutputMemberMessageStart:
		return nil
	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		idx, err := contentIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
		if start, ok := ev.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); ok {
			if start.Value.ToolUseId == nil || *start.Value.ToolUseId == "" {
				return provider.NewError(providerName, provider.ErrorUnknown, "stream: tool use block missing id", false, nil)
			}
			if start.Value.Name == nil || *start.Value.Name == "" {
				return provider.NewError(providerName, provider.ErrorUnknown,
					fmt.Sprintf("stream: tool use block %q missing name", *start.Value.ToolUseId), false, nil)
			}
			name := *start.Value.Name
			// When the model hallucinates a tool that was not advertised in
			// this request, the reverse map will not contain it. Surface the
			// call as-is and let the runtime fail it as an unknown tool.
			if canonical, ok := p.nameMap[name]; ok {
				name = canonical
			}
			p.toolBlocks[idx] = &toolBuffer{id: *start.Value.ToolUseId, name: name}
		}
		return nil
	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		idx, err := contentIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
		switch delta := ev.Value.Delta.(type) {
		case *brtypes.ContentBlockDeltaMemberText:
			if delta.Value == "" {
				return nil
			}
			b := p.textBlocks[idx]
			if b == nil {
				b = &strings.Builder{}
				p.textBlocks[idx] = b
			}
			b.WriteString(delta.Value)
			p.text.WriteString(delta.Value)
			return p.emit(provider.TextDelta(delta.Value))
		case *brtypes.ContentBlockDeltaMemberReasoningContent:
			textDelta, ok := delta.Value.(*brtypes.ReasoningContentBlockDeltaMemberText)
			if !ok || textDelta.Value == "" {
				return nil
			}
			b := p.thinkingBlocks[idx]
			if b == nil {
				b = &strings.Builder{}
				p.thinkingBlocks[idx] = b
			}
			b.WriteString(textDelta.Value)
			p.thinking.WriteString(textDelta.Value)
			return p.emit(provider.ThinkingDelta(textDelta.Value))
		case *brtypes.ContentBlockDeltaMemberToolUse:
			if tb := p.toolBlocks[idx]; tb != nil && delta.Value.Input != nil && *delta.Value.Input != "" {
				tb.fragments = append(tb.fragments, *delta.Value.Input)
			}
			return nil
		default:
			return nil
		}
	case *brtypes.ConverseStreamOutputMemberContentBlockStop:
		idx, err := contentIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
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
	case *brtypes.ConverseStreamOutputMemberMessageStop:
		p.sawStop = true
		p.stop = mapStopReason(string(ev.Value.StopReason))
		return nil
	case *brtypes.ConverseStreamOutputMemberMetadata:
		if ev.Value.Usage == nil {
			return nil
		}
		if t := ev.Value.Usage.InputTokens; t != nil {
			p.usage.InputTokens = int(*t)
		}
		if t := ev.Value.Usage.OutputTokens; t != nil {
			p.usage.OutputTokens = int(*t)
		}
		usage := p.usage
		return p.emit(&provider.StreamEvent{Type: provider.EventUsage, Usage: &usage})
	}
	return nil
}

// complete emits the terminal stop and result events after the stream is
// exhausted, so the trailing metadata usage is already folded in.
func (p *eventProcessor) complete() error {
	stop := p.stop
	if stop == "" {
		stop = provider.StopEndTurn
	}
	if err := p.emit(provider.Stop(stop)); err != nil {
		return err
	}
	return p.emit(provider.ResultEvent(p.result(stop)))
}

func (p *eventProcessor) result(stop provider.StopReason) *provider.Result {
	usage := p.usage
	r := &provider.Result{
		StopReason: stop,
		Text:       p.text.String(),
		Thinking:   p.thinking.String(),
		Usage:      &usage,
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

func contentIndex(idx *int32) (int, error) {
	if idx == nil {
		return 0, provider.NewError(providerName, provider.ErrorUnknown, "stream: content block index missing", false, nil)
	}
	return int(*idx), nil
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
