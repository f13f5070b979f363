// Package openai provides a provider.Provider implementation backed by the
// OpenAI Chat Completions API. It renders agent requests into streaming chat
// completion calls using github.com/openai/openai-go/v2 and maps the chunk
// stream (text, tool calls, usage) onto the generic provider stream.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/ssestream"
	"github.com/openai/openai-go/v2/shared"

	"github.com/weftlab/weft/runtime/workflow/provider"
	"github.com/weftlab/weft/runtime/workflow/schema"
)

type (
	// ChatClient captures the subset of the OpenAI SDK client used by the
	// adapter. It is satisfied by *openai.ChatCompletionService so callers
	// can pass either a real client or a fake in tests.
	ChatClient interface {
		NewStreaming(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk]
	}

	// Options configures the OpenAI adapter.
	Options struct {
		// Model is the model identifier used for every call, for example
		// "gpt-4o" or one of the openai.ChatModel constants.
		Model string

		// MaxTokens caps completion length when a call does not override it.
		// Defaults to 4096 when zero or negative.
		MaxTokens int

		// Temperature is forwarded to the API when positive.
		Temperature float64

		// System is prepended to every call as a system message.
		System string
	}

	// Client implements provider.Provider on top of OpenAI chat completions.
	Client struct {
		chat   ChatClient
		model  string
		maxTok int
		temp   float64
		system string
	}

	// callConfig is the per-call override shape accepted in
	// StreamOptions.ProviderOptions. Fields left zero keep the client
	// defaults. The shape is part of the recording hash, so only
	// deterministic request configuration belongs here.
	callConfig struct {
		Model       string  `json:"model,omitempty"`
		MaxTokens   int     `json:"max_tokens,omitempty"`
		Temperature float64 `json:"temperature,omitempty"`
		System      string  `json:"system,omitempty"`
	}
)

const (
	providerName     = "openai"
	defaultMaxTokens = 4096

	// outputSchemaName labels the response_format schema; the API requires a
	// name but does not interpret it.
	outputSchemaName = "structured_output"
)

// New builds an OpenAI-backed provider from the provided chat completion
// client and configuration options.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = defaultMaxTokens
	}
	return &Client{
		chat:   chat,
		model:  opts.Model,
		maxTok: maxTok,
		temp:   opts.Temperature,
		system: opts.System,
	}, nil
}

// NewFromAPIKey constructs a client using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	oc := openai.NewClient(option.WithAPIKey(apiKey))
	return New(&oc.Chat.Completions, Options{Model: model})
}

// Name implements provider.Provider.
func (c *Client) Name() string { return providerName }

// Model implements provider.Provider.
func (c *Client) Model() string { return c.model }

// Stream invokes Chat.Completions.NewStreaming and adapts the chunk stream
// into provider stream events.
func (c *Client) Stream(ctx context.Context, opts provider.StreamOptions) (provider.Stream, error) {
	params, provToCanon, err := c.prepareRequest(opts)
	if err != nil {
		return nil, err
	}
	stream := c.chat.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, classifyError(err)
	}
	return newStreamer(ctx, stream, provToCanon, opts.OutputSchema != nil), nil
}

func (c *Client) prepareRequest(opts provider.StreamOptions) (*openai.ChatCompletionNewParams, map[string]string, error) {
	if opts.Prompt == "" {
		return nil, nil, errors.New("openai: prompt is required")
	}
	cfg := callConfig{
		Model:       c.model,
		MaxTokens:   c.maxTok,
		Temperature: c.temp,
		System:      c.system,
	}
	if len(opts.ProviderOptions) > 0 {
		var override callConfig
		if err := json.Unmarshal(opts.ProviderOptions, &override); err != nil {
			return nil, nil, fmt.Errorf("openai: decode provider options: %w", err)
		}
		cfg.apply(override)
	}

	tools, provToCanon, err := encodeTools(opts.Tools)
	if err != nil {
		return nil, nil, err
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if cfg.System != "" {
		messages = append(messages, openai.SystemMessage(cfg.System))
	}
	messages = append(messages, openai.UserMessage(opts.Prompt))

	params := openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               openai.ChatModel(cfg.Model),
		MaxCompletionTokens: openai.Int(int64(cfg.MaxTokens)),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	if cfg.Temperature > 0 {
		params.Temperature = openai.Float(cfg.Temperature)
	}
	if opts.OutputSchema != nil {
		format, err := responseFormat(opts.OutputSchema)
		if err != nil {
			return nil, nil, err
		}
		params.ResponseFormat = format
	}
	return &params, provToCanon, nil
}

func (c *callConfig) apply(o callConfig) {
	if o.Model != "" {
		c.Model = o.Model
	}
	if o.MaxTokens > 0 {
		c.MaxTokens = o.MaxTokens
	}
	if o.Temperature > 0 {
		c.Temperature = o.Temperature
	}
	if o.System != "" {
		c.System = o.System
	}
}

// responseFormat forwards the output schema through the first-class
// json_schema response format so the API enforces the shape server-side.
func responseFormat(output *schema.Schema) (openai.ChatCompletionNewParamsResponseFormatUnion, error) {
	var m map[string]any
	if err := json.Unmarshal(output.Canonical(), &m); err != nil {
		return openai.ChatCompletionNewParamsResponseFormatUnion{}, fmt.Errorf("openai: decode output schema: %w", err)
	}
	return openai.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
			JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
				Name:   outputSchemaName,
				Schema: m,
				Strict: openai.Bool(true),
			},
		},
	}, nil
}

func encodeTools(defs []provider.Tool) ([]openai.ChatCompletionToolUnionParam, map[string]string, error) {
	if len(defs) == 0 {
		return nil, nil, nil
	}
	toolList := make([]openai.ChatCompletionToolUnionParam, 0, len(defs))
	provToCanon := make(map[string]string, len(defs))

	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		sanitized := sanitizeToolName(def.Name)
		if prev, ok := provToCanon[sanitized]; ok && prev != def.Name {
			return nil, nil, fmt.Errorf(
				"openai: tool name %q sanitizes to %q which collides with %q",
				def.Name, sanitized, prev,
			)
		}
		provToCanon[sanitized] = def.Name
		fn := shared.FunctionDefinitionParam{Name: sanitized}
		if def.Description != "" {
			fn.Description = openai.String(def.Description)
		}
		if len(def.InputSchema) > 0 {
			var m map[string]any
			if err := json.Unmarshal(def.InputSchema, &m); err != nil {
				return nil, nil, fmt.Errorf("openai: tool %q schema: %w", def.Name, err)
			}
			fn.Parameters = shared.FunctionParameters(m)
		}
		toolList = append(toolList, openai.ChatCompletionFunctionTool(fn))
	}
	if len(toolList) == 0 {
		return nil, nil, nil
	}
	return toolList, provToCanon, nil
}

// sanitizeToolName maps a tool name to the characters accepted for function
// names by replacing any disallowed rune with '_'.
func sanitizeToolName(in string) string {
	out := make([]rune, 0, len(in))
	for _, r := range in {
		if (r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '_' || r == '-' {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}

// classifyError maps SDK failures onto the provider error taxonomy. Context
// cancellation passes through untouched so callers can tell their own aborts
// apart from provider failures.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Error()
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			pe := provider.NewError(providerName, provider.ErrorRateLimited, msg, true, err)
			if d, ok := retryAfterHint(apiErr.Response); ok {
				pe = pe.WithRetryAfter(d)
			}
			return pe
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return provider.NewError(providerName, provider.ErrorAuthFailed, msg, false, err)
		case apiErr.StatusCode == http.StatusRequestEntityTooLarge,
			apiErr.StatusCode == http.StatusBadRequest && contextExceededMessage(msg):
			return provider.NewError(providerName, provider.ErrorContextExceeded, msg, false, err)
		case apiErr.StatusCode >= http.StatusInternalServerError:
			return provider.NewError(providerName, provider.ErrorNetwork, msg, true, err)
		default:
			return provider.NewError(providerName, provider.ErrorUnknown, msg, false, err)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return provider.NewError(providerName, provider.ErrorNetwork, err.Error(), true, err)
	}
	return provider.NewError(providerName, provider.ErrorUnknown, err.Error(), false, err)
}

// contextExceededMessage recognizes the 400 responses the API uses to signal
// prompt overflow, which carry code context_length_exceeded.
func contextExceededMessage(msg string) bool {
	return strings.Contains(msg, "context_length_exceeded") ||
		strings.Contains(msg, "maximum context length")
}

// retryAfterHint reads the provider-suggested delay from the Retry-After
// header, accepting both the delta-seconds and the HTTP-date form.
func retryAfterHint(resp *http.Response) (time.Duration, bool) {
	if resp == nil {
		return 0, false
	}
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d, true
		}
	}
	return 0, false
}
