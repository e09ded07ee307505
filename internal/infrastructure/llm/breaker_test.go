package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/scottidler/loopr/internal/engine"
	"github.com/scottidler/loopr/internal/infrastructure/llm/anthropic"
)

type fakeClient struct {
	calls int
	err   error
	out   engine.CompletionResult
}

func (f *fakeClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (engine.CompletionResult, error) {
	f.calls++
	if f.err != nil {
		return engine.CompletionResult{}, f.err
	}
	return f.out, nil
}

func (f *fakeClient) ContinueWithToolResults(ctx context.Context, prior engine.CompletionResult, results []engine.ToolResult) (engine.CompletionResult, error) {
	f.calls++
	if f.err != nil {
		return engine.CompletionResult{}, f.err
	}
	return f.out, nil
}

type fakeRateWindow struct {
	recorded []time.Duration
}

func (f *fakeRateWindow) RecordLimited(d time.Duration) {
	f.recorded = append(f.recorded, d)
}

func TestBreakerClientPassesThroughSuccess(t *testing.T) {
	inner := &fakeClient{out: engine.CompletionResult{Content: "ok", StopReason: engine.StopReasonEndTurn}}
	bc := NewBreakerClient(inner, BreakerConfig{MaxRequests: 1, Interval: time.Minute, Timeout: time.Second, FailureRatio: 0.5}, nil, 0, zap.NewNop())

	out, err := bc.Complete(context.Background(), "sys", "user")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out.Content != "ok" {
		t.Errorf("expected 'ok', got %q", out.Content)
	}
}

func TestBreakerClientRecordsRateLimit(t *testing.T) {
	inner := &fakeClient{err: anthropic.ErrRateLimited}
	rw := &fakeRateWindow{}
	bc := NewBreakerClient(inner, BreakerConfig{MaxRequests: 1, Interval: time.Minute, Timeout: time.Second, FailureRatio: 0.9}, rw, time.Second, zap.NewNop())

	_, err := bc.Complete(context.Background(), "sys", "user")
	if !errors.Is(err, anthropic.ErrRateLimited) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if len(rw.recorded) != 1 {
		t.Fatalf("expected one RecordLimited call, got %d", len(rw.recorded))
	}
}

func TestBreakerClientContinueWithToolResultsPassesThrough(t *testing.T) {
	inner := &fakeClient{out: engine.CompletionResult{Content: "continued", StopReason: engine.StopReasonEndTurn}}
	bc := NewBreakerClient(inner, BreakerConfig{MaxRequests: 1, Interval: time.Minute, Timeout: time.Second, FailureRatio: 0.5}, nil, 0, zap.NewNop())

	out, err := bc.ContinueWithToolResults(context.Background(), engine.CompletionResult{}, []engine.ToolResult{{ToolCallID: "tc-1", Output: "done"}})
	if err != nil {
		t.Fatalf("ContinueWithToolResults: %v", err)
	}
	if out.Content != "continued" {
		t.Errorf("expected 'continued', got %q", out.Content)
	}
}
