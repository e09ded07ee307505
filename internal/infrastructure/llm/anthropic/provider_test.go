package anthropic

import (
	"context"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/scottidler/loopr/internal/engine"
)

type fakeMessages struct {
	resp *sdk.Message
	err  error
	got  sdk.MessageNewParams
}

func (f *fakeMessages) New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error) {
	f.got = body
	return f.resp, f.err
}

func TestCompleteExtractsTextAndSetsFreshUserTurn(t *testing.T) {
	fake := &fakeMessages{
		resp: &sdk.Message{
			Content: []sdk.ContentBlockUnion{
				{Type: "text", Text: "hello"},
				{Type: "text", Text: "world"},
			},
			StopReason: sdk.StopReasonEndTurn,
		},
	}
	c, err := New(fake, Options{Model: "claude-sonnet-4-5-20250929", MaxTokens: 100})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out, err := c.Complete(context.Background(), "system prompt", "user task")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out.Content != "hello\nworld" {
		t.Errorf("expected concatenated text blocks, got %q", out.Content)
	}
	if out.StopReason != engine.StopReasonEndTurn {
		t.Errorf("expected end_turn stop reason, got %q", out.StopReason)
	}
	if len(fake.got.Messages) != 1 {
		t.Fatalf("expected exactly one fresh user message, got %d", len(fake.got.Messages))
	}
}

func TestCompleteRequiresModel(t *testing.T) {
	if _, err := New(&fakeMessages{}, Options{}); err == nil {
		t.Error("expected error when Model is empty")
	}
}

func TestCompleteWrapsRateLimitError(t *testing.T) {
	fake := &fakeMessages{err: &sdk.Error{StatusCode: 429}}
	c, err := New(fake, Options{Model: "m", MaxTokens: 10})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Complete(context.Background(), "", "task")
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected ErrRateLimited, got %v", err)
	}
}

func TestCompleteExtractsToolCallsAndStopReason(t *testing.T) {
	fake := &fakeMessages{
		resp: &sdk.Message{
			Content: []sdk.ContentBlockUnion{
				{Type: "tool_use", ID: "tc-1", Name: "edit_file", Input: []byte(`{"path":"a.go"}`)},
			},
			StopReason: sdk.StopReasonToolUse,
		},
	}
	c, err := New(fake, Options{Model: "m", MaxTokens: 10})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out, err := c.Complete(context.Background(), "sys", "task")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out.StopReason != engine.StopReasonToolUse {
		t.Fatalf("expected tool_use stop reason, got %q", out.StopReason)
	}
	if len(out.ToolCalls) != 1 || out.ToolCalls[0].ID != "tc-1" || out.ToolCalls[0].Name != "edit_file" {
		t.Fatalf("unexpected tool calls: %+v", out.ToolCalls)
	}
}

func TestContinueWithToolResultsAppendsOntoPriorTurn(t *testing.T) {
	fake := &fakeMessages{
		resp: &sdk.Message{
			Content:    []sdk.ContentBlockUnion{{Type: "tool_use", ID: "tc-1", Name: "edit_file"}},
			StopReason: sdk.StopReasonToolUse,
		},
	}
	c, err := New(fake, Options{Model: "m", MaxTokens: 10})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	first, err := c.Complete(context.Background(), "sys", "task")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	fake.resp = &sdk.Message{
		Content:    []sdk.ContentBlockUnion{{Type: "text", Text: "done"}},
		StopReason: sdk.StopReasonEndTurn,
	}
	second, err := c.ContinueWithToolResults(context.Background(), first, []engine.ToolResult{{ToolCallID: "tc-1", Output: "ok"}})
	if err != nil {
		t.Fatalf("ContinueWithToolResults: %v", err)
	}
	if second.Content != "done" {
		t.Fatalf("expected 'done', got %q", second.Content)
	}
	// The continuation request must carry forward the original user
	// turn, the assistant's tool_use turn, and the new tool_result turn.
	if len(fake.got.Messages) != 3 {
		t.Fatalf("expected 3 messages in the continued conversation, got %d", len(fake.got.Messages))
	}
}

func TestContinueWithToolResultsRequiresPriorState(t *testing.T) {
	c, err := New(&fakeMessages{}, Options{Model: "m", MaxTokens: 10})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.ContinueWithToolResults(context.Background(), engine.CompletionResult{}, nil); err == nil {
		t.Fatal("expected error when prior completion carries no turn state")
	}
}
