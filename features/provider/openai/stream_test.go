package openai

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	openai "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlab/weft/runtime/workflow/provider"
)

type testDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return d.err }

func chunk(data string) ssestream.Event {
	return ssestream.Event{Data: []byte(data)}
}

func drain(t *testing.T, s provider.Stream) ([]*provider.StreamEvent, error) {
	t.Helper()
	var events []*provider.StreamEvent
	for {
		ev, err := s.Recv()
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}

func newTestStream(events []ssestream.Event, decodeErr error, nameMap map[string]string, wantsOutput bool) provider.Stream {
	dec := &testDecoder{events: events, err: decodeErr}
	stream := ssestream.NewStream[openai.ChatCompletionChunk](dec, nil)
	return newStreamer(context.Background(), stream, nameMap, wantsOutput)
}

func TestStreamerEmitsCanonicalSequence(t *testing.T) {
	s := newTestStream([]ssestream.Event{
		chunk(`{"id":"chatcmpl-1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","content":""},"finish_reason":null}]}`),
		chunk(`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":"Hel"},"finish_reason":null}]}`),
		chunk(`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":null}]}`),
		chunk(`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`),
		chunk(`{"id":"chatcmpl-1","choices":[],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`),
	}, nil, nil, false)

	events, err := drain(t, s)
	require.ErrorIs(t, err, io.EOF)

	var types []provider.EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []provider.EventType{
		provider.EventSessionInit,
		provider.EventTextDelta,
		provider.EventTextDelta,
		provider.EventTextComplete,
		provider.EventUsage,
		provider.EventStop,
		provider.EventResult,
	}, types)

	assert.Equal(t, "chatcmpl-1", events[0].SessionID)
	assert.Equal(t, "Hel", events[1].Delta)
	assert.Equal(t, "Hello", events[3].Text)
	require.NotNil(t, events[4].Usage)
	assert.Equal(t, 10, events[4].Usage.InputTokens)
	assert.Equal(t, 5, events[4].Usage.OutputTokens)
	assert.Equal(t, provider.StopEndTurn, events[5].StopReason)

	result := events[6].Result
	require.NotNil(t, result)
	assert.Equal(t, "Hello", result.Text)
	assert.Equal(t, provider.StopEndTurn, result.StopReason)
	assert.Equal(t, "chatcmpl-1", result.SessionID)
	require.NotNil(t, result.Usage)
	assert.Equal(t, 10, result.Usage.InputTokens)
	assert.Nil(t, result.Output)
}

func TestStreamerAssemblesToolCall(t *testing.T) {
	s := newTestStream([]ssestream.Event{
		chunk(`{"id":"chatcmpl-2","choices":[{"index":0,"delta":{"role":"assistant","tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"math_add","arguments":""}}]},"finish_reason":null}]}`),
		chunk(`{"id":"chatcmpl-2","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"x\":"}}]},"finish_reason":null}]}`),
		chunk(`{"id":"chatcmpl-2","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"1}"}}]},"finish_reason":null}]}`),
		chunk(`{"id":"chatcmpl-2","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`),
	}, nil, map[string]string{"math_add": "math.add"}, false)

	events, err := drain(t, s)
	require.ErrorIs(t, err, io.EOF)

	var call *provider.ToolCall
	for _, ev := range events {
		if ev.Type == provider.EventToolCall {
			call = ev.ToolCall
		}
	}
	require.NotNil(t, call)
	assert.Equal(t, "call_1", call.ToolID)
	assert.Equal(t, "math.add", call.ToolName)
	assert.JSONEq(t, `{"x":1}`, string(call.Input))

	last := events[len(events)-1]
	require.Equal(t, provider.EventResult, last.Type)
	assert.Equal(t, provider.StopToolUse, last.Result.StopReason)
}

func TestStreamerToolCallWithoutArgumentsGetsEmptyObject(t *testing.T) {
	s := newTestStream([]ssestream.Event{
		chunk(`{"id":"chatcmpl-3","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_9","type":"function","function":{"name":"unadvertised","arguments":""}}]},"finish_reason":null}]}`),
		chunk(`{"id":"chatcmpl-3","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`),
	}, nil, map[string]string{"math_add": "math.add"}, false)

	events, err := drain(t, s)
	require.ErrorIs(t, err, io.EOF)

	var call *provider.ToolCall
	for _, ev := range events {
		if ev.Type == provider.EventToolCall {
			call = ev.ToolCall
		}
	}
	require.NotNil(t, call)
	assert.Equal(t, "unadvertised", call.ToolName)
	assert.JSONEq(t, `{}`, string(call.Input))
}

func TestStreamerParallelToolCallsKeepIndexOrder(t *testing.T) {
	s := newTestStream([]ssestream.Event{
		chunk(`{"id":"chatcmpl-4","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"first","arguments":"{}"}},{"index":1,"id":"call_b","type":"function","function":{"name":"second","arguments":"{}"}}]},"finish_reason":null}]}`),
		chunk(`{"id":"chatcmpl-4","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`),
	}, nil, nil, false)

	events, err := drain(t, s)
	require.ErrorIs(t, err, io.EOF)

	var names []string
	for _, ev := range events {
		if ev.Type == provider.EventToolCall {
			names = append(names, ev.ToolCall.ToolName)
		}
	}
	assert.Equal(t, []string{"first", "second"}, names)
}

func TestStreamerStructuredOutput(t *testing.T) {
	s := newTestStream([]ssestream.Event{
		chunk(`{"id":"chatcmpl-5","choices":[{"index":0,"delta":{"content":"{\"sum\":5}"},"finish_reason":null}]}`),
		chunk(`{"id":"chatcmpl-5","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`),
	}, nil, nil, true)

	events, err := drain(t, s)
	require.ErrorIs(t, err, io.EOF)

	last := events[len(events)-1]
	require.Equal(t, provider.EventResult, last.Type)
	require.NotNil(t, last.Result.Output)
	assert.JSONEq(t, `{"sum":5}`, string(last.Result.Output))
}

func TestStreamerLengthFinishMapsToMaxTokens(t *testing.T) {
	s := newTestStream([]ssestream.Event{
		chunk(`{"id":"chatcmpl-6","choices":[{"index":0,"delta":{"content":"trunc"},"finish_reason":null}]}`),
		chunk(`{"id":"chatcmpl-6","choices":[{"index":0,"delta":{},"finish_reason":"length"}]}`),
	}, nil, nil, false)

	events, err := drain(t, s)
	require.ErrorIs(t, err, io.EOF)

	last := events[len(events)-1]
	require.Equal(t, provider.EventResult, last.Type)
	assert.Equal(t, provider.StopMaxTokens, last.Result.StopReason)
}

func TestStreamerEndsBeforeFinishReason(t *testing.T) {
	s := newTestStream([]ssestream.Event{
		chunk(`{"id":"chatcmpl-7","choices":[{"index":0,"delta":{"content":"partial"},"finish_reason":null}]}`),
	}, nil, nil, false)

	_, err := drain(t, s)
	pe, ok := provider.AsError(err)
	require.True(t, ok)
	assert.Equal(t, provider.ErrorNetwork, pe.Code())
	assert.True(t, pe.Retryable())
}

func TestStreamerSurfacesDecoderError(t *testing.T) {
	s := newTestStream(nil, errors.New("connection reset"), nil, false)

	_, err := drain(t, s)
	pe, ok := provider.AsError(err)
	require.True(t, ok)
	assert.Equal(t, provider.ErrorUnknown, pe.Code())
}

type blockingDecoder struct {
	closeOnce sync.Once
	unblock   chan struct{}
}

func (d *blockingDecoder) Event() ssestream.Event { return ssestream.Event{} }

func (d *blockingDecoder) Next() bool {
	<-d.unblock
	return false
}

func (d *blockingDecoder) Close() error {
	d.closeOnce.Do(func() { close(d.unblock) })
	return nil
}

func (d *blockingDecoder) Err() error { return nil }

func TestStreamerCancel(t *testing.T) {
	dec := &blockingDecoder{unblock: make(chan struct{})}
	stream := ssestream.NewStream[openai.ChatCompletionChunk](dec, nil)
	ctx, cancel := context.WithCancel(context.Background())
	s := newStreamer(ctx, stream, nil, false)

	cancel()
	_, err := s.Recv()
	require.ErrorIs(t, err, context.Canceled)
	require.NoError(t, s.Close())
}

func TestExtractOutput(t *testing.T) {
	assert.JSONEq(t, `{"a":1}`, string(extractOutput(`{"a":1}`)))
	assert.JSONEq(t, `{"a":1}`, string(extractOutput("```json\n{\"a\":1}\n```")))
	assert.JSONEq(t, `{"a":1}`, string(extractOutput("```\n{\"a\":1}\n```")))
	assert.Nil(t, extractOutput("not json"))
	assert.Nil(t, extractOutput(""))
}
