package openai

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	openai "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/packages/ssestream"

	"github.com/weftlab/weft/runtime/workflow/provider"
)

// streamer adapts an OpenAI chat completion chunk stream to the
// provider.Stream interface.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[openai.ChatCompletionChunk]

	events chan *provider.StreamEvent

	errMu    sync.Mutex
	errSet   bool
	finalErr error
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[openai.ChatCompletionChunk], nameMap map[string]string, wantsOutput bool) provider.Stream {
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

	p := newChunkProcessor(s.emit, nameMap, wantsOutput)

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
			} else if p.finishReason == "" {
				s.setErr(provider.NewError(providerName, provider.ErrorNetwork, "stream ended before a finish reason", true, nil))
			} else if err := p.complete(); err != nil {
				s.setErr(err)
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

// chunkProcessor converts chat completion chunks into provider stream events
// and accumulates the stream-wide text and usage needed for the terminal
// result. Chat completions carry no thinking deltas, so only text, tool call
// and usage events are produced.
//
// The finish_reason chunk flushes accumulated content; usage arrives on a
// trailing chunk with no choices, so the stop and result events wait until
// the stream is exhausted.
type chunkProcessor struct {
	emit        func(*provider.StreamEvent) error
	nameMap     map[string]string
	wantsOutput bool

	toolCalls map[int64]*toolCallBuffer
	order     []int64

	text         strings.Builder
	usage        provider.Usage
	finishReason string
	completionID string
}

func newChunkProcessor(emit func(*provider.StreamEvent) error, nameMap map[string]string, wantsOutput bool) *chunkProcessor {
	return &chunkProcessor{
		emit:        emit,
		nameMap:     nameMap,
		wantsOutput: wantsOutput,
		toolCalls:   make(map[int64]*toolCallBuffer),
	}
}

func (p *chunkProcessor) handle(chunk openai.ChatCompletionChunk) error {
	if p.completionID == "" && chunk.ID != "" {
		p.completionID = chunk.ID
		if err := p.emit(provider.SessionInit(p.completionID)); err != nil {
			return err
		}
	}
	if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
		p.usage.InputTokens = int(chunk.Usage.PromptTokens)
		p.usage.OutputTokens = int(chunk.Usage.CompletionTokens)
		usage := p.usage
		if err := p.emit(&provider.StreamEvent{Type: provider.EventUsage, Usage: &usage}); err != nil {
			return err
		}
	}
	if len(chunk.Choices) == 0 {
		return nil
	}
	choice := chunk.Choices[0]

	if choice.Delta.Content != "" {
		p.text.WriteString(choice.Delta.Content)
		if err := p.emit(provider.TextDelta(choice.Delta.Content)); err != nil {
			return err
		}
	}
	for _, tc := range choice.Delta.ToolCalls {
		buf := p.toolCalls[tc.Index]
		if buf == nil {
			buf = &toolCallBuffer{}
			p.toolCalls[tc.Index] = buf
			p.order = append(p.order, tc.Index)
		}
		if tc.ID != "" {
			buf.id = tc.ID
		}
		if tc.Function.Name != "" {
			buf.name += tc.Function.Name
		}
		if tc.Function.Arguments != "" {
			buf.args.WriteString(tc.Function.Arguments)
		}
	}
	if choice.FinishReason != "" {
		p.finishReason = choice.FinishReason
		return p.flushContent()
	}
	return nil
}

// flushContent emits the completed text and assembled tool calls once the
// finish_reason chunk arrives.
func (p *chunkProcessor) flushContent() error {
	if p.text.Len() > 0 {
		if err := p.emit(provider.TextComplete(p.text.String())); err != nil {
			return err
		}
	}
	for _, idx := range p.order {
		buf := p.toolCalls[idx]
		if buf == nil {
			continue
		}
		if buf.id == "" {
			return provider.NewError(providerName, provider.ErrorUnknown, "stream: tool call missing id", false, nil)
		}
		if buf.name == "" {
			return provider.NewError(providerName, provider.ErrorUnknown, "stream: tool call "+buf.id+" missing name", false, nil)
		}
		name := buf.name
		// When the model hallucinates a tool that was not advertised in this
		// request, the reverse map will not contain it. Surface the call
		// as-is and let the runtime fail it as an unknown tool.
		if canonical, ok := p.nameMap[name]; ok {
			name = canonical
		}
		if err := p.emit(&provider.StreamEvent{
			Type: provider.EventToolCall,
			ToolCall: &provider.ToolCall{
				ToolID:   buf.id,
				ToolName: name,
				Input:    buf.finalArgs(),
			},
		}); err != nil {
			return err
		}
	}
	p.toolCalls = make(map[int64]*toolCallBuffer)
	p.order = nil
	return nil
}

// complete emits the terminal stop and result events after the stream is
// exhausted, so the trailing usage-only chunk is already folded in.
func (p *chunkProcessor) complete() error {
	stop := mapFinishReason(p.finishReason)
	if err := p.emit(provider.Stop(stop)); err != nil {
		return err
	}
	return p.emit(provider.ResultEvent(p.result(stop)))
}

func (p *chunkProcessor) result(stop provider.StopReason) *provider.Result {
	usage := p.usage
	r := &provider.Result{
		StopReason: stop,
		Text:       p.text.String(),
		Usage:      &usage,
		SessionID:  p.completionID,
	}
	if p.wantsOutput {
		r.Output = extractOutput(r.Text)
	}
	return r
}

func mapFinishReason(raw string) provider.StopReason {
	switch raw {
	case "tool_calls", "function_call":
		return provider.StopToolUse
	case "length":
		return provider.StopMaxTokens
	default:
		return provider.StopEndTurn
	}
}

type toolCallBuffer struct {
	id   string
	name string
	args strings.Builder
}

func (b *toolCallBuffer) finalArgs() json.RawMessage {
	trimmed := strings.TrimSpace(b.args.String())
	if trimmed == "" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(trimmed)
}

// extractOutput recovers a JSON document from the final text. The json_schema
// response format returns bare JSON, but models behind OpenAI-compatible
// gateways sometimes wrap it in a markdown fence.
func extractOutput(text string) json.RawMessage {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		trimmed = strings.TrimSpace(trimmed)
	}
	if trimmed == "" || !json.Valid([]byte(trimmed)) {
		return nil
	}
	return json.RawMessage(trimmed)
}
