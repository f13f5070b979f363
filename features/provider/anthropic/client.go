// Package anthropic provides a provider.Provider implementation backed by
// the Anthropic Claude Messages API. It renders agent requests into streaming
// Messages calls using github.com/anthropics/anthropic-sdk-go and maps the
// SSE events (text, tools, thinking, usage) onto the generic provider stream.
package anthropic

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

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/weftlab/weft/runtime/workflow/provider"
	"github.com/weftlab/weft/runtime/workflow/schema"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the adapter. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a fake in tests.
	MessagesClient interface {
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures the Anthropic adapter.
	Options struct {
		// Model is the Claude model identifier used for every call. Use the
		// typed model constants from github.com/anthropics/anthropic-sdk-go
		// (for example string(sdk.ModelClaudeSonnet4_5_20250929)) or the
		// identifiers from the Anthropic model reference.
		Model string

		// MaxTokens caps completion length when a call does not override it.
		// Defaults to 4096 when zero or negative.
		MaxTokens int

		// Temperature is forwarded to the API when positive.
		Temperature float64

		// ThinkingBudget enables extended thinking with the given token
		// budget when positive. Anthropic requires at least 1024 tokens and
		// the budget must stay below MaxTokens.
		ThinkingBudget int64

		// System is prepended to every call as a system block.
		System string
	}

	// Client implements provider.Provider on top of Anthropic Claude Messages.
	Client struct {
		msg    MessagesClient
		model  string
		maxTok int
		temp   float64
		think  int64
		system string
	}

	// callConfig is the per-call override shape accepted in
	// StreamOptions.ProviderOptions. Fields left zero keep the client
	// defaults. The shape is part of the recording hash, so only
	// deterministic request configuration belongs here.
	callConfig struct {
		Model          string  `json:"model,omitempty"`
		MaxTokens      int     `json:"max_tokens,omitempty"`
		Temperature    float64 `json:"temperature,omitempty"`
		ThinkingBudget int64   `json:"thinking_budget,omitempty"`
		System         string  `json:"system,omitempty"`
	}
)

const (
	providerName     = "anthropic"
	defaultMaxTokens = 4096
)

// New builds an Anthropic-backed provider from the provided Messages client
// and configuration options.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = defaultMaxTokens
	}
	return &Client{
		msg:    msg,
		model:  opts.Model,
		maxTok: maxTok,
		temp:   opts.Temperature,
		think:  opts.ThinkingBudget,
		system: opts.System,
	}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{Model: model})
}

// Name implements provider.Provider.
func (c *Client) Name() string { return providerName }

// Model implements provider.Provider.
func (c *Client) Model() string { return c.model }

// Stream invokes Messages.NewStreaming and adapts the incremental SSE events
// into provider stream events.
func (c *Client) Stream(ctx context.Context, opts provider.StreamOptions) (provider.Stream, error) {
	params, provToCanon, err := c.prepareRequest(opts)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, classifyError(err)
	}
	return newStreamer(ctx, stream, provToCanon, opts.OutputSchema != nil), nil
}

func (c *Client) prepareRequest(opts provider.StreamOptions) (*sdk.MessageNewParams, map[string]string, error) {
	if opts.Prompt == "" {
		return nil, nil, errors.New("anthropic: prompt is required")
	}
	cfg := callConfig{
		Model:          c.model,
		MaxTokens:      c.maxTok,
		Temperature:    c.temp,
		ThinkingBudget: c.think,
		System:         c.system,
	}
	if len(opts.ProviderOptions) > 0 {
		var override callConfig
		if err := json.Unmarshal(opts.ProviderOptions, &override); err != nil {
			return nil, nil, fmt.Errorf("anthropic: decode provider options: %w", err)
		}
		cfg.apply(override)
	}

	tools, provToCanon, err := encodeTools(opts.Tools)
	if err != nil {
		return nil, nil, err
	}

	params := sdk.MessageNewParams{
		MaxTokens: int64(cfg.MaxTokens),
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(opts.Prompt))},
		Model:     sdk.Model(cfg.Model),
	}
	if system := systemBlocks(cfg.System, opts.OutputSchema); len(system) > 0 {
		params.System = system
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	if cfg.Temperature > 0 {
		params.Temperature = sdk.Float(cfg.Temperature)
	}
	if cfg.ThinkingBudget > 0 {
		if cfg.ThinkingBudget < 1024 {
			return nil, nil, fmt.Errorf("anthropic: thinking budget %d must be >= 1024", cfg.ThinkingBudget)
		}
		if cfg.ThinkingBudget >= int64(cfg.MaxTokens) {
			return nil, nil, fmt.Errorf("anthropic: thinking budget %d must be less than max_tokens %d", cfg.ThinkingBudget, cfg.MaxTokens)
		}
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(cfg.ThinkingBudget)
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
	if o.ThinkingBudget > 0 {
		c.ThinkingBudget = o.ThinkingBudget
	}
	if o.System != "" {
		c.System = o.System
	}
}

// systemBlocks assembles the system prompt. The Messages API has no
// first-class structured output parameter, so an output schema is forwarded
// as an instruction block.
func systemBlocks(system string, output *schema.Schema) []sdk.TextBlockParam {
	var blocks []sdk.TextBlockParam
	if system != "" {
		blocks = append(blocks, sdk.TextBlockParam{Text: system})
	}
	if canonical := output.Canonical(); len(canonical) > 0 {
		blocks = append(blocks, sdk.TextBlockParam{
			Text: "Respond with a single JSON document that conforms to this JSON Schema:\n" + string(canonical),
		})
	}
	return blocks
}

func encodeTools(defs []provider.Tool) ([]sdk.ToolUnionParam, map[string]string, error) {
	if len(defs) == 0 {
		return nil, nil, nil
	}
	toolList := make([]sdk.ToolUnionParam, 0, len(defs))
	provToCanon := make(map[string]string, len(defs))

	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		sanitized := sanitizeToolName(def.Name)
		if prev, ok := provToCanon[sanitized]; ok && prev != def.Name {
			return nil, nil, fmt.Errorf(
				"anthropic: tool name %q sanitizes to %q which collides with %q",
				def.Name, sanitized, prev,
			)
		}
		provToCanon[sanitized] = def.Name
		inputSchema, err := toolInputSchema(def.InputSchema)
		if err != nil {
			return nil, nil, fmt.Errorf("anthropic: tool %q schema: %w", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(inputSchema, sanitized)
		if def.Description != "" && u.OfTool != nil {
			u.OfTool.Description = sdk.String(def.Description)
		}
		toolList = append(toolList, u)
	}
	if len(toolList) == 0 {
		return nil, nil, nil
	}
	return toolList, provToCanon, nil
}

func toolInputSchema(raw json.RawMessage) (sdk.ToolInputSchemaParam, error) {
	if len(raw) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{
		ExtraFields: m,
	}, nil
}

// sanitizeToolName maps a tool name to the characters allowed by Anthropic
// tool naming constraints by replacing any disallowed rune with '_'.
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
	var apiErr *sdk.Error
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
			apiErr.StatusCode == http.StatusBadRequest && strings.Contains(msg, "too long"):
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
