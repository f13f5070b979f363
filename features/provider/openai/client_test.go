package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	openai "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlab/weft/runtime/workflow/provider"
	"github.com/weftlab/weft/runtime/workflow/schema"
)

type stubChatClient struct {
	lastParams openai.ChatCompletionNewParams
	events     []ssestream.Event
}

func (s *stubChatClient) NewStreaming(_ context.Context, body openai.ChatCompletionNewParams, _ ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk] {
	s.lastParams = body
	return ssestream.NewStream[openai.ChatCompletionChunk](&testDecoder{events: s.events}, nil)
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, Options{Model: "gpt-4o"})
	require.Error(t, err)

	_, err = New(&stubChatClient{}, Options{})
	require.Error(t, err)

	c, err := New(&stubChatClient{}, Options{Model: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, "openai", c.Name())
	assert.Equal(t, "gpt-4o", c.Model())
	assert.Equal(t, defaultMaxTokens, c.maxTok)
}

func TestNewFromAPIKeyRequiresKey(t *testing.T) {
	_, err := NewFromAPIKey("", "gpt-4o")
	require.Error(t, err)
}

func TestPrepareRequestDefaults(t *testing.T) {
	c, err := New(&stubChatClient{}, Options{Model: "gpt-4o"})
	require.NoError(t, err)

	params, provToCanon, err := c.prepareRequest(provider.StreamOptions{Prompt: "hello"})
	require.NoError(t, err)
	assert.Nil(t, provToCanon)

	assert.Equal(t, openai.ChatModel("gpt-4o"), params.Model)
	assert.Equal(t, int64(defaultMaxTokens), params.MaxCompletionTokens.Value)
	require.Len(t, params.Messages, 1)
	assert.NotNil(t, params.Messages[0].OfUser)
	assert.Empty(t, params.Tools)
	assert.Zero(t, params.Temperature.Value)
	assert.Nil(t, params.ResponseFormat.OfJSONSchema)
	assert.True(t, params.StreamOptions.IncludeUsage.Value)
}

func TestPrepareRequestRequiresPrompt(t *testing.T) {
	c, err := New(&stubChatClient{}, Options{Model: "gpt-4o"})
	require.NoError(t, err)

	_, _, err = c.prepareRequest(provider.StreamOptions{})
	require.ErrorContains(t, err, "prompt is required")
}

func TestPrepareRequestSystemMessage(t *testing.T) {
	c, err := New(&stubChatClient{}, Options{Model: "gpt-4o", System: "be terse"})
	require.NoError(t, err)

	params, _, err := c.prepareRequest(provider.StreamOptions{Prompt: "hello"})
	require.NoError(t, err)
	require.Len(t, params.Messages, 2)
	assert.NotNil(t, params.Messages[0].OfSystem)
	assert.NotNil(t, params.Messages[1].OfUser)
}

func TestPrepareRequestEncodesToolsAndSchema(t *testing.T) {
	c, err := New(&stubChatClient{}, Options{Model: "gpt-4o"})
	require.NoError(t, err)

	out := schema.MustParse(`{"type":"object","properties":{"sum":{"type":"number"}}}`)
	params, provToCanon, err := c.prepareRequest(provider.StreamOptions{
		Prompt: "add 2 and 3",
		Tools: []provider.Tool{
			{
				Name:        "math.add",
				Description: "add two numbers",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"a":{"type":"number"}}}`),
			},
		},
		OutputSchema: out,
	})
	require.NoError(t, err)

	require.Len(t, params.Tools, 1)
	fn := params.Tools[0].OfFunction
	require.NotNil(t, fn)
	assert.Equal(t, "math_add", fn.Function.Name)
	assert.Equal(t, "add two numbers", fn.Function.Description.Value)
	assert.Contains(t, fn.Function.Parameters, "properties")
	assert.Equal(t, map[string]string{"math_add": "math.add"}, provToCanon)

	js := params.ResponseFormat.OfJSONSchema
	require.NotNil(t, js)
	assert.Equal(t, outputSchemaName, js.JSONSchema.Name)
	assert.True(t, js.JSONSchema.Strict.Value)
	schemaMap, ok := js.JSONSchema.Schema.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, schemaMap, "properties")
}

func TestPrepareRequestProviderOptionsOverride(t *testing.T) {
	c, err := New(&stubChatClient{}, Options{
		Model:       "gpt-4o",
		MaxTokens:   2048,
		Temperature: 0.2,
	})
	require.NoError(t, err)

	params, _, err := c.prepareRequest(provider.StreamOptions{
		Prompt:          "hi",
		ProviderOptions: json.RawMessage(`{"model":"gpt-4o-mini","max_tokens":512,"temperature":0.9,"system":"answer in French"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, openai.ChatModel("gpt-4o-mini"), params.Model)
	assert.Equal(t, int64(512), params.MaxCompletionTokens.Value)
	assert.InDelta(t, 0.9, params.Temperature.Value, 1e-9)
	require.Len(t, params.Messages, 2)
	assert.NotNil(t, params.Messages[0].OfSystem)
}

func TestPrepareRequestRejectsMalformedProviderOptions(t *testing.T) {
	c, err := New(&stubChatClient{}, Options{Model: "gpt-4o"})
	require.NoError(t, err)

	_, _, err = c.prepareRequest(provider.StreamOptions{
		Prompt:          "hi",
		ProviderOptions: json.RawMessage(`{"max_tokens":`),
	})
	require.ErrorContains(t, err, "decode provider options")
}

func TestEncodeToolsRejectsSanitizedCollision(t *testing.T) {
	_, _, err := encodeTools([]provider.Tool{
		{Name: "math.add", InputSchema: json.RawMessage(`{}`)},
		{Name: "math_add", InputSchema: json.RawMessage(`{}`)},
	})
	require.ErrorContains(t, err, "collides")
}

func TestEncodeToolsSkipsUnnamed(t *testing.T) {
	tools, provToCanon, err := encodeTools([]provider.Tool{{Name: ""}})
	require.NoError(t, err)
	assert.Nil(t, tools)
	assert.Nil(t, provToCanon)
}

func TestSanitizeToolName(t *testing.T) {
	cases := map[string]string{
		"add":       "add",
		"math.add":  "math_add",
		"a b/c":     "a_b_c",
		"Tool-1_ok": "Tool-1_ok",
	}
	for in, want := range cases {
		assert.Equal(t, want, sanitizeToolName(in), "input %q", in)
	}
}

func TestStreamSendsEncodedRequest(t *testing.T) {
	stub := &stubChatClient{
		events: []ssestream.Event{
			chunk(`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":"pong"},"finish_reason":null}]}`),
			chunk(`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`),
		},
	}
	c, err := New(stub, Options{Model: "gpt-4o", MaxTokens: 64})
	require.NoError(t, err)

	s, err := c.Stream(context.Background(), provider.StreamOptions{Prompt: "ping"})
	require.NoError(t, err)
	events, err := drain(t, s)
	require.ErrorIs(t, err, io.EOF)
	require.NotEmpty(t, events)

	assert.Equal(t, openai.ChatModel("gpt-4o"), stub.lastParams.Model)
	assert.Equal(t, int64(64), stub.lastParams.MaxCompletionTokens.Value)
	require.Len(t, stub.lastParams.Messages, 1)
}

func TestStreamRejectsBadOptionsBeforeCalling(t *testing.T) {
	stub := &stubChatClient{}
	c, err := New(stub, Options{Model: "gpt-4o"})
	require.NoError(t, err)

	_, err = c.Stream(context.Background(), provider.StreamOptions{})
	require.Error(t, err)
	assert.Empty(t, stub.lastParams.Model)
}

func apiError(t *testing.T, status int, header http.Header) *openai.Error {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "https://api.openai.com/v1/chat/completions", nil)
	require.NoError(t, err)
	if header == nil {
		header = http.Header{}
	}
	return &openai.Error{
		StatusCode: status,
		Request:    req,
		Response: &http.Response{
			StatusCode: status,
			Header:     header,
			Request:    req,
		},
	}
}

func TestClassifyErrorRateLimited(t *testing.T) {
	header := http.Header{}
	header.Set("Retry-After", "7")
	err := classifyError(apiError(t, http.StatusTooManyRequests, header))

	pe, ok := provider.AsError(err)
	require.True(t, ok)
	assert.Equal(t, provider.ErrorRateLimited, pe.Code())
	assert.Equal(t, "openai", pe.Provider())
	assert.True(t, pe.Retryable())
	require.NotNil(t, pe.RetryAfter())
	assert.Equal(t, 7*time.Second, *pe.RetryAfter())
}

func TestClassifyErrorAuth(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		pe, ok := provider.AsError(classifyError(apiError(t, status, nil)))
		require.True(t, ok, "status %d", status)
		assert.Equal(t, provider.ErrorAuthFailed, pe.Code())
		assert.False(t, pe.Retryable())
	}
}

func TestClassifyErrorContextExceeded(t *testing.T) {
	pe, ok := provider.AsError(classifyError(apiError(t, http.StatusRequestEntityTooLarge, nil)))
	require.True(t, ok)
	assert.Equal(t, provider.ErrorContextExceeded, pe.Code())
	assert.False(t, pe.Retryable())
}

func TestContextExceededMessage(t *testing.T) {
	assert.True(t, contextExceededMessage("error code context_length_exceeded"))
	assert.True(t, contextExceededMessage("This model's maximum context length is 128000 tokens"))
	assert.False(t, contextExceededMessage("invalid request"))
}

func TestClassifyErrorServer(t *testing.T) {
	pe, ok := provider.AsError(classifyError(apiError(t, http.StatusInternalServerError, nil)))
	require.True(t, ok)
	assert.Equal(t, provider.ErrorNetwork, pe.Code())
	assert.True(t, pe.Retryable())
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "dial tcp: i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyErrorNetTimeout(t *testing.T) {
	pe, ok := provider.AsError(classifyError(timeoutErr{}))
	require.True(t, ok)
	assert.Equal(t, provider.ErrorNetwork, pe.Code())
	assert.True(t, pe.Retryable())
}

func TestClassifyErrorPassesThroughCancellation(t *testing.T) {
	assert.Equal(t, context.Canceled, classifyError(context.Canceled))
	assert.Equal(t, context.DeadlineExceeded, classifyError(context.DeadlineExceeded))
	assert.NoError(t, classifyError(nil))
}

func TestClassifyErrorPlain(t *testing.T) {
	pe, ok := provider.AsError(classifyError(fmt.Errorf("boom")))
	require.True(t, ok)
	assert.Equal(t, provider.ErrorUnknown, pe.Code())
	assert.False(t, pe.Retryable())
}

func TestRetryAfterHint(t *testing.T) {
	_, ok := retryAfterHint(nil)
	assert.False(t, ok)

	resp := &http.Response{Header: http.Header{}}
	_, ok = retryAfterHint(resp)
	assert.False(t, ok)

	resp.Header.Set("Retry-After", "30")
	d, ok := retryAfterHint(resp)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, d)

	resp.Header.Set("Retry-After", "garbage")
	_, ok = retryAfterHint(resp)
	assert.False(t, ok)
}
