// Package anthropic supplies the one concrete engine.LLMClient this
// repo ships: a thin adapter over github.com/anthropics/anthropic-sdk-go's
// Messages API. Grounded in goadesign-goa-ai's
// features/model/anthropic/client.go (the same SDK, the same
// params/response shape, the same tool_use/tool_result block encoding)
// rather than the teacher's hand-rolled net/http + manual SSE parser —
// the SDK already does exactly what that hand-rolled code was
// reimplementing.
package anthropic

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/scottidler/loopr/internal/engine"
)

// MessagesClient captures the subset of the SDK client the adapter
// calls, so tests can substitute a fake without a live API key.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures the adapter's defaults for requests that don't
// specify their own. Tools is the fixed set of tool definitions offered
// on every turn; an empty Tools disables tool use entirely (the model
// can only ever return StopReasonEndTurn).
type Options struct {
	Model       string
	MaxTokens   int
	Temperature float64
	Tools       []sdk.ToolUnionParam
}

// Client implements engine.LLMClient on top of the Anthropic Messages
// API.
type Client struct {
	msg  MessagesClient
	opts Options
}

// New builds a Client from an already-constructed SDK message service
// (or a test fake satisfying MessagesClient) and default options.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: message client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("anthropic: default model is required")
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 8192
	}
	return &Client{msg: msg, opts: opts}, nil
}

// NewFromAPIKey constructs a Client using the SDK's default HTTP
// client, authenticated with apiKey.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	sdkClient := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&sdkClient.Messages, opts)
}

// turnState carries the prior message exchange a ContinueWithToolResults
// call needs in order to append the model's tool_use turn and the tool
// results onto the same conversation, preserving the in-provider turn
// boundary spec.md §6 requires. It travels through CompletionResult.State
// rather than living on Client, since a single Client is shared across
// many concurrently-running loop goroutines.
type turnState struct {
	systemPrompt string
	messages     []sdk.MessageParam
}

// Complete implements engine.LLMClient. It sends systemPrompt as the
// Messages API's top-level system field and userPrompt as the sole
// user-turn message — exactly the fresh-context shape spec.md §4.5
// requires: no prior turns are ever attached.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string) (engine.CompletionResult, error) {
	messages := []sdk.MessageParam{
		sdk.NewUserMessage(sdk.NewTextBlock(userPrompt)),
	}
	return c.send(ctx, systemPrompt, messages)
}

// ContinueWithToolResults hands executed tool results back to the model
// so it can continue the turn that requested them: the prior turn's
// assistant message (including its tool_use blocks) and a new user
// message carrying one tool_result block per result are appended to the
// conversation recovered from prior.State, and the exchange continues
// under the same system prompt.
func (c *Client) ContinueWithToolResults(ctx context.Context, prior engine.CompletionResult, results []engine.ToolResult) (engine.CompletionResult, error) {
	state, ok := prior.State.(*turnState)
	if !ok || state == nil {
		return engine.CompletionResult{}, errors.New("anthropic: missing turn state for tool-result continuation")
	}

	resultBlocks := make([]sdk.ContentBlockParamUnion, 0, len(results))
	for _, r := range results {
		resultBlocks = append(resultBlocks, sdk.NewToolResultBlock(r.ToolCallID, r.Output, r.IsError))
	}
	messages := append(state.messages, sdk.NewUserMessage(resultBlocks...))
	return c.send(ctx, state.systemPrompt, messages)
}

func (c *Client) send(ctx context.Context, systemPrompt string, messages []sdk.MessageParam) (engine.CompletionResult, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.opts.Model),
		MaxTokens: int64(c.opts.MaxTokens),
		Messages:  messages,
	}
	if systemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: systemPrompt}}
	}
	if c.opts.Temperature > 0 {
		params.Temperature = sdk.Float(c.opts.Temperature)
	}
	if len(c.opts.Tools) > 0 {
		params.Tools = c.opts.Tools
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return engine.CompletionResult{}, fmt.Errorf("%w: %w", ErrRateLimited, err)
		}
		return engine.CompletionResult{}, fmt.Errorf("anthropic messages.new: %w", err)
	}

	result := engine.CompletionResult{
		Content:    extractText(msg),
		ToolCalls:  extractToolCalls(msg),
		StopReason: mapStopReason(msg),
	}
	result.State = &turnState{
		systemPrompt: systemPrompt,
		messages:     append(messages, assistantTurn(msg)),
	}
	return result, nil
}

// assistantTurn re-encodes an API response's content blocks as the
// assistant-role MessageParam needed to append that turn onto the
// conversation for a follow-up request, mirroring encodeMessages's
// handling of model.ToolUsePart/TextPart in the shared reference client.
func assistantTurn(msg *sdk.Message) sdk.MessageParam {
	blocks := make([]sdk.ContentBlockParamUnion, 0, len(msg.Content))
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				blocks = append(blocks, sdk.NewTextBlock(block.Text))
			}
		case "tool_use":
			blocks = append(blocks, sdk.NewToolUseBlock(block.ID, block.Input, block.Name))
		}
	}
	return sdk.NewAssistantMessage(blocks...)
}

// ErrRateLimited marks an error as provider-side backpressure so the
// caller (internal/infrastructure/llm's breaker wrapper) can populate
// the scheduler's shared rate-limit window instead of treating it as
// an ordinary failure.
var ErrRateLimited = errors.New("anthropic: rate limited")

func isRateLimited(err error) bool {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}

func extractText(msg *sdk.Message) string {
	if msg == nil {
		return ""
	}
	var out string
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			if out != "" {
				out += "\n"
			}
			out += block.Text
		}
	}
	return out
}

func extractToolCalls(msg *sdk.Message) []engine.ToolCall {
	if msg == nil {
		return nil
	}
	var calls []engine.ToolCall
	for _, block := range msg.Content {
		if block.Type != "tool_use" {
			continue
		}
		calls = append(calls, engine.ToolCall{
			ID:    block.ID,
			Name:  block.Name,
			Input: string(block.Input),
		})
	}
	return calls
}

func mapStopReason(msg *sdk.Message) engine.StopReason {
	if msg == nil {
		return engine.StopReasonEndTurn
	}
	switch msg.StopReason {
	case sdk.StopReasonToolUse:
		return engine.StopReasonToolUse
	case sdk.StopReasonMaxTokens:
		return engine.StopReasonMaxTokens
	case sdk.StopReasonStopSequence:
		return engine.StopReasonStopSequence
	default:
		return engine.StopReasonEndTurn
	}
}
