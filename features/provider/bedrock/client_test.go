package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlab/weft/runtime/workflow/provider"
	"github.com/weftlab/weft/runtime/workflow/schema"
)

// stubRuntimeClient records the last ConverseStream input. The zero-value
// output carries no event stream, which Stream reports as an error, so these
// tests exercise request encoding and error classification rather than the
// pump.
type stubRuntimeClient struct {
	lastInput *bedrockruntime.ConverseStreamInput
	err       error
}

func (s *stubRuntimeClient) ConverseStream(
	_ context.Context,
	params *bedrockruntime.ConverseStreamInput,
	_ ...func(*bedrockruntime.Options),
) (*bedrockruntime.ConverseStreamOutput, error) {
	s.lastInput = params
	if s.err != nil {
		return nil, s.err
	}
	return &bedrockruntime.ConverseStreamOutput{}, nil
}

func responseError(status int, err error) error {
	return &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
		Err:      err,
	}
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, Options{Model: "m"})
	require.Error(t, err)

	_, err = New(&stubRuntimeClient{}, Options{})
	require.Error(t, err)

	c, err := New(&stubRuntimeClient{}, Options{Model: "anthropic.claude-3"})
	require.NoError(t, err)
	assert.Equal(t, "bedrock", c.Name())
	assert.Equal(t, "anthropic.claude-3", c.Model())
	assert.Equal(t, defaultMaxTokens, c.maxTok)
}

func TestPrepareRequestDefaults(t *testing.T) {
	c, err := New(&stubRuntimeClient{}, Options{Model: "model-x"})
	require.NoError(t, err)

	input, nameMap, err := c.prepareRequest(provider.StreamOptions{Prompt: "Hello"})
	require.NoError(t, err)
	assert.Nil(t, nameMap)

	require.NotNil(t, input.ModelId)
	assert.Equal(t, "model-x", *input.ModelId)

	require.Len(t, input.Messages, 1)
	assert.Equal(t, brtypes.ConversationRoleUser, input.Messages[0].Role)
	require.Len(t, input.Messages[0].Content, 1)
	text, ok := input.Messages[0].Content[0].(*brtypes.ContentBlockMemberText)
	require.True(t, ok)
	assert.Equal(t, "Hello", text.Value)

	assert.Empty(t, input.System)
	assert.Nil(t, input.ToolConfig)

	require.NotNil(t, input.InferenceConfig)
	require.NotNil(t, input.InferenceConfig.MaxTokens)
	assert.Equal(t, int32(defaultMaxTokens), *input.InferenceConfig.MaxTokens)
	assert.Nil(t, input.InferenceConfig.Temperature)
}

func TestPrepareRequestRequiresPrompt(t *testing.T) {
	c, err := New(&stubRuntimeClient{}, Options{Model: "model-x"})
	require.NoError(t, err)

	_, _, err = c.prepareRequest(provider.StreamOptions{})
	require.ErrorContains(t, err, "prompt is required")
}

func TestPrepareRequestEncodesToolsAndSchema(t *testing.T) {
	c, err := New(&stubRuntimeClient{}, Options{Model: "model-x", System: "be brief"})
	require.NoError(t, err)

	out := schema.MustParse(`{
		"type": "object",
		"properties": {"sum": {"type": "number"}},
		"required": ["sum"]
	}`)
	input, nameMap, err := c.prepareRequest(provider.StreamOptions{
		Prompt: "add",
		Tools: []provider.Tool{{
			Name:        "math.add",
			Description: "Adds two numbers",
			InputSchema: json.RawMessage(`{"type": "object", "properties": {"x": {"type": "number"}}}`),
		}},
		OutputSchema: out,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"math_add": "math.add"}, nameMap)

	require.NotNil(t, input.ToolConfig)
	require.Len(t, input.ToolConfig.Tools, 1)
	spec, ok := input.ToolConfig.Tools[0].(*brtypes.ToolMemberToolSpec)
	require.True(t, ok)
	require.NotNil(t, spec.Value.Name)
	assert.Equal(t, "math_add", *spec.Value.Name)
	require.NotNil(t, spec.Value.Description)
	assert.Equal(t, "Adds two numbers", *spec.Value.Description)
	jsonSchema, ok := spec.Value.InputSchema.(*brtypes.ToolInputSchemaMemberJson)
	require.True(t, ok)
	assert.NotNil(t, jsonSchema.Value)

	require.Len(t, input.System, 2)
	first, ok := input.System[0].(*brtypes.SystemContentBlockMemberText)
	require.True(t, ok)
	assert.Equal(t, "be brief", first.Value)
	second, ok := input.System[1].(*brtypes.SystemContentBlockMemberText)
	require.True(t, ok)
	assert.Contains(t, second.Value, "JSON Schema")
	assert.Contains(t, second.Value, `"sum"`)
}

func TestPrepareRequestProviderOptionsOverride(t *testing.T) {
	c, err := New(&stubRuntimeClient{}, Options{Model: "model-x", Temperature: 0.2})
	require.NoError(t, err)

	input, _, err := c.prepareRequest(provider.StreamOptions{
		Prompt:          "hi",
		ProviderOptions: json.RawMessage(`{"model": "model-y", "max_tokens": 512, "temperature": 0.9, "system": "terse"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, "model-y", *input.ModelId)
	require.NotNil(t, input.InferenceConfig)
	assert.Equal(t, int32(512), *input.InferenceConfig.MaxTokens)
	require.NotNil(t, input.InferenceConfig.Temperature)
	assert.InDelta(t, 0.9, float64(*input.InferenceConfig.Temperature), 1e-6)
	require.Len(t, input.System, 1)
	sys, ok := input.System[0].(*brtypes.SystemContentBlockMemberText)
	require.True(t, ok)
	assert.Equal(t, "terse", sys.Value)
}

func TestPrepareRequestRejectsMalformedProviderOptions(t *testing.T) {
	c, err := New(&stubRuntimeClient{}, Options{Model: "model-x"})
	require.NoError(t, err)

	_, _, err = c.prepareRequest(provider.StreamOptions{
		Prompt:          "hi",
		ProviderOptions: json.RawMessage(`{"max_tokens": "many"}`),
	})
	require.ErrorContains(t, err, "provider options")
}

func TestEncodeToolsRejectsSanitizedCollision(t *testing.T) {
	_, _, err := encodeTools([]provider.Tool{
		{Name: "math.add"},
		{Name: "math/add"},
	})
	require.ErrorContains(t, err, "collides")
}

func TestEncodeToolsSkipsUnnamed(t *testing.T) {
	cfg, nameMap, err := encodeTools([]provider.Tool{{Name: ""}})
	require.NoError(t, err)
	assert.Nil(t, cfg)
	assert.Nil(t, nameMap)
}

func TestToolSchemaDocument(t *testing.T) {
	doc, err := toolSchemaDocument(nil)
	require.NoError(t, err)
	assert.NotNil(t, doc)

	doc, err = toolSchemaDocument(json.RawMessage(`{"type": "object"}`))
	require.NoError(t, err)
	assert.NotNil(t, doc)

	_, err = toolSchemaDocument(json.RawMessage(`{broken`))
	require.Error(t, err)
}

func TestSanitizeToolName(t *testing.T) {
	cases := map[string]string{
		"math.add":   "math_add",
		"spaced out": "spaced_out",
		"keep-me_1":  "keep-me_1",
		"über.tool!": "__ber_tool_",
	}
	for in, want := range cases {
		assert.Equal(t, want, sanitizeToolName(in), in)
	}
}

func TestStreamSendsEncodedRequest(t *testing.T) {
	stub := &stubRuntimeClient{}
	c, err := New(stub, Options{Model: "model-x"})
	require.NoError(t, err)

	_, err = c.Stream(context.Background(), provider.StreamOptions{Prompt: "Hello"})
	// The stub returns a zero-value output with no event stream attached.
	require.ErrorContains(t, err, "missing event stream")

	require.NotNil(t, stub.lastInput)
	assert.Equal(t, "model-x", *stub.lastInput.ModelId)
}

func TestStreamRejectsBadOptionsBeforeCalling(t *testing.T) {
	stub := &stubRuntimeClient{}
	c, err := New(stub, Options{Model: "model-x"})
	require.NoError(t, err)

	_, err = c.Stream(context.Background(), provider.StreamOptions{})
	require.Error(t, err)
	assert.Nil(t, stub.lastInput)
}

func TestStreamClassifiesCallError(t *testing.T) {
	stub := &stubRuntimeClient{err: &brtypes.ThrottlingException{Message: aws.String("slow down")}}
	c, err := New(stub, Options{Model: "model-x"})
	require.NoError(t, err)

	_, err = c.Stream(context.Background(), provider.StreamOptions{Prompt: "hi"})
	var perr *provider.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, provider.ErrorRateLimited, perr.Code())
	assert.True(t, perr.Retryable())
}

func TestClassifyErrorRateLimited(t *testing.T) {
	err := classifyError(&brtypes.ThrottlingException{Message: aws.String("throttled")})
	var perr *provider.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "bedrock", perr.Provider())
	assert.Equal(t, provider.ErrorRateLimited, perr.Code())
	assert.True(t, perr.Retryable())

	err = classifyError(responseError(http.StatusTooManyRequests, errors.New("429")))
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, provider.ErrorRateLimited, perr.Code())
}

func TestClassifyErrorAuth(t *testing.T) {
	err := classifyError(&brtypes.AccessDeniedException{Message: aws.String("no access")})
	var perr *provider.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, provider.ErrorAuthFailed, perr.Code())
	assert.False(t, perr.Retryable())

	err = classifyError(responseError(http.StatusForbidden, errors.New("denied")))
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, provider.ErrorAuthFailed, perr.Code())
}

func TestClassifyErrorContextExceeded(t *testing.T) {
	err := classifyError(&brtypes.ValidationException{
		Message: aws.String("Input is too long for requested model"),
	})
	var perr *provider.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, provider.ErrorContextExceeded, perr.Code())
	assert.False(t, perr.Retryable())
}

func TestClassifyErrorValidationWithoutOverflowIsUnknown(t *testing.T) {
	err := classifyError(&brtypes.ValidationException{
		Message: aws.String("temperature out of range"),
	})
	var perr *provider.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, provider.ErrorUnknown, perr.Code())
}

func TestClassifyErrorServer(t *testing.T) {
	err := classifyError(&brtypes.ServiceUnavailableException{Message: aws.String("busy")})
	var perr *provider.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, provider.ErrorNetwork, perr.Code())
	assert.True(t, perr.Retryable())

	err = classifyError(&brtypes.ModelTimeoutException{Message: aws.String("timed out")})
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, provider.ErrorNetwork, perr.Code())

	err = classifyError(responseError(http.StatusBadGateway, errors.New("bad gateway")))
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, provider.ErrorNetwork, perr.Code())
}

func TestClassifyErrorPassesThroughCancellation(t *testing.T) {
	assert.ErrorIs(t, classifyError(context.Canceled), context.Canceled)
	assert.ErrorIs(t, classifyError(context.DeadlineExceeded), context.DeadlineExceeded)
}

func TestClassifyErrorPlain(t *testing.T) {
	err := classifyError(errors.New("dial tcp: broken"))
	var perr *provider.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, provider.ErrorUnknown, perr.Code())
	assert.False(t, perr.Retryable())
}

func TestIsRateLimited(t *testing.T) {
	assert.True(t, isRateLimited(&brtypes.ThrottlingException{Message: aws.String("x")}))
	assert.True(t, isRateLimited(responseError(http.StatusTooManyRequests, errors.New("x"))))
	assert.False(t, isRateLimited(errors.New("x")))
	assert.False(t, isRateLimited(nil))
}

func TestContextExceededMessage(t *testing.T) {
	assert.True(t, contextExceededMessage("Input is too long for requested model"))
	assert.True(t, contextExceededMessage("Too many input tokens"))
	assert.False(t, contextExceededMessage("malformed input request"))
}
