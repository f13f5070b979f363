// Package bedrock provides a provider.Provider implementation backed by the
// AWS Bedrock Converse API. It renders agent requests into ConverseStream
// calls using github.com/aws/aws-sdk-go-v2/service/bedrockruntime and maps
// the event stream (text, tools, reasoning, usage) onto the generic provider
// stream.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/weftlab/weft/runtime/workflow/provider"
	"github.com/weftlab/weft/runtime/workflow/schema"
)

type (
	// RuntimeClient mirrors the subset of the AWS Bedrock runtime client
	// required by the adapter. It matches *bedrockruntime.Client so callers
	// can pass either the real client or a fake in tests.
	RuntimeClient interface {
		ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
	}

	// Options configures the Bedrock adapter.
	Options struct {
		// Model is the Bedrock model identifier used for every call, for
		// example "anthropic.claude-sonnet-4-20250514-v1:0".
		Model string

		// MaxTokens caps completion length when a call does not override it.
		// Defaults to 4096 when zero or negative.
		MaxTokens int

		// Temperature is forwarded to the API when positive.
		Temperature float64

		// System is prepended to every call as a system block.
		System string
	}

	// Client implements provider.Provider on top of Bedrock Converse.
	Client struct {
		runtime RuntimeClient
		model   string
		maxTok  int
		temp    float64
		system  string
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
	providerName     = "bedrock"
	defaultMaxTokens = 4096
)

// New builds a Bedrock-backed provider from the provided runtime client and
// configuration options.
func New(runtime RuntimeClient, opts Options) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = defaultMaxTokens
	}
	return &Client{
		runtime: runtime,
		model:   opts.Model,
		maxTok:  maxTok,
		temp:    opts.Temperature,
		system:  opts.System,
	}, nil
}

// NewFromConfig constructs a client from resolved AWS configuration.
func NewFromConfig(cfg aws.Config, model string) (*Client, error) {
	return New(bedrockruntime.NewFromConfig(cfg), Options{Model: model})
}

// Name implements provider.Provider.
func (c *Client) Name() string { return providerName }

// Model implements provider.Provider.
func (c *Client) Model() string { return c.model }

// Stream invokes the Bedrock ConverseStream API and adapts incremental
// events into provider stream events.
func (c *Client) Stream(ctx context.Context, opts provider.StreamOptions) (provider.Stream, error) {
	input, provToCanon, err := c.prepareRequest(opts)
	if err != nil {
		return nil, err
	}
	out, err := c.runtime.ConverseStream(ctx, input)
	if err != nil {
		return nil, classifyError(err)
	}
	es := out.GetStream()
	if es == nil {
		return nil, errors.New("bedrock: stream output missing event stream")
	}
	return newStreamer(ctx, es, provToCanon, opts.OutputSchema != nil), nil
}

func (c *Client) prepareRequest(opts provider.StreamOptions) (*bedrockruntime.ConverseStreamInput, map[string]string, error) {
	if opts.Prompt == "" {
		return nil, nil, errors.New("bedrock: prompt is required")
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
			return nil, nil, fmt.Errorf("bedrock: decode provider options: %w", err)
		}
		cfg.apply(override)
	}

	toolConfig, provToCanon, err := encodeTools(opts.Tools)
	if err != nil {
		return nil, nil, err
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId: aws.String(cfg.Model),
		Messages: []brtypes.Message{{
			Role:    brtypes.ConversationRoleUser,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: opts.Prompt}},
		}},
	}
	if system := systemBlocks(cfg.System, opts.OutputSchema); len(system) > 0 {
		input.System = system
	}
	if toolConfig != nil {
		input.ToolConfig = toolConfig
	}
	if ic := inferenceConfig(cfg.MaxTokens, cfg.Temperature); ic != nil {
		input.InferenceConfig = ic
	}
	return input, provToCanon, nil
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

// systemBlocks assembles the system prompt. Converse has no first-class
// structured output parameter, so an output schema is forwarded as an
// instruction block.
func systemBlocks(system string, output *schema.Schema) []brtypes.SystemContentBlock {
	var blocks []brtypes.SystemContentBlock
	if system != "" {
		blocks = append(blocks, &brtypes.SystemContentBlockMemberText{Value: system})
	}
	if canonical := output.Canonical(); len(canonical) > 0 {
		blocks = append(blocks, &brtypes.SystemContentBlockMemberText{
			Value: "Respond with a single JSON document that conforms to this JSON Schema:\n" + string(canonical),
		})
	}
	return blocks
}

func inferenceConfig(maxTokens int, temp float64) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	if maxTokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(maxTokens)) //nolint:gosec // AWS SDK requires int32
	}
	if temp > 0 {
		cfg.Temperature = aws.Float32(float32(temp))
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil {
		return nil
	}
	return &cfg
}

func encodeTools(defs []provider.Tool) (*brtypes.ToolConfiguration, map[string]string, error) {
	if len(defs) == 0 {
		return nil, nil, nil
	}
	toolList := make([]brtypes.Tool, 0, len(defs))
	provToCanon := make(map[string]string, len(defs))

	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		sanitized := sanitizeToolName(def.Name)
		if prev, ok := provToCanon[sanitized]; ok && prev != def.Name {
			return nil, nil, fmt.Errorf(
				"bedrock: tool name %q sanitizes to %q which collides with %q",
				def.Name, sanitized, prev,
			)
		}
		provToCanon[sanitized] = def.Name
		doc, err := toolSchemaDocument(def.InputSchema)
		if err != nil {
			return nil, nil, fmt.Errorf("bedrock: tool %q schema: %w", def.Name, err)
		}
		spec := brtypes.ToolSpecification{
			Name:        aws.String(sanitized),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: doc},
		}
		if def.Description != "" {
			spec.Description = aws.String(def.Description)
		}
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: spec})
	}
	if len(toolList) == 0 {
		return nil, nil, nil
	}
	return &brtypes.ToolConfiguration{Tools: toolList}, provToCanon, nil
}

func toolSchemaDocument(raw json.RawMessage) (document.Interface, error) {
	if len(raw) == 0 {
		return lazyDocument(map[string]any{"type": "object"}), nil
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	return lazyDocument(decoded), nil
}

func lazyDocument(v any) document.Interface {
	return document.NewLazyDocument(&v)
}

// sanitizeToolName maps a tool name to the characters allowed by Bedrock tool
// naming constraints by replacing any disallowed rune with '_'.
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
	if isRateLimited(err) {
		return provider.NewError(providerName, provider.ErrorRateLimited, err.Error(), true, err)
	}

	var code string
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
	}
	var status int
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}

	switch {
	case code == "AccessDeniedException" || code == "UnrecognizedClientException" || code == "ExpiredTokenException",
		status == http.StatusUnauthorized || status == http.StatusForbidden:
		return provider.NewError(providerName, provider.ErrorAuthFailed, err.Error(), false, err)
	case code == "ValidationException" && contextExceededMessage(err.Error()):
		return provider.NewError(providerName, provider.ErrorContextExceeded, err.Error(), false, err)
	case code == "ServiceUnavailableException" || code == "InternalServerException" ||
		code == "ModelTimeoutException" || code == "ModelNotReadyException",
		status >= http.StatusInternalServerError:
		return provider.NewError(providerName, provider.ErrorNetwork, err.Error(), true, err)
	default:
		return provider.NewError(providerName, provider.ErrorUnknown, err.Error(), false, err)
	}
}

// isRateLimited reports whether err represents a provider rate limiting
// condition. It treats both HTTP 429 responses and provider error codes like
// ThrottlingException as rate-limited signals.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusTooManyRequests {
		return true
	}
	return false
}

// contextExceededMessage recognizes the ValidationException messages Bedrock
// uses to signal prompt overflow.
func contextExceededMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "too long") ||
		strings.Contains(lower, "too many input tokens")
}
