// Package llm wraps a concrete engine.LLMClient with a circuit breaker
// so a run of provider failures stops hammering the API and instead
// feeds the scheduler's shared rate-limit window, same effect as the
// teacher's hand-rolled circuit_breaker.go state machine but built on
// github.com/sony/gobreaker (present in jordigilh-kubernaut for exactly
// this per-channel-isolation purpose) instead of ~120 lines of bespoke
// closed/open/half-open bookkeeping.
package llm

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/scottidler/loopr/internal/engine"
	"github.com/scottidler/loopr/internal/infrastructure/llm/anthropic"
)

// Client is exactly engine.LLMClient's shape; restated here rather than
// embedded so callers can construct a BreakerClient without importing
// internal/engine directly.
type Client interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (engine.CompletionResult, error)
	ContinueWithToolResults(ctx context.Context, prior engine.CompletionResult, results []engine.ToolResult) (engine.CompletionResult, error)
}

// RateLimitReporter receives a retry-after deadline whenever the
// wrapped client reports provider-side backpressure. scheduler.RateWindow
// satisfies this interface via its RecordLimited method.
type RateLimitReporter interface {
	RecordLimited(retryAfter time.Duration)
}

// BreakerConfig tunes when the breaker trips and how long it stays
// open before probing again.
type BreakerConfig struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
}

// BreakerClient implements Client, routing every Complete call through
// a gobreaker.CircuitBreaker.
type BreakerClient struct {
	inner   Client
	cb      *gobreaker.CircuitBreaker
	rate    RateLimitReporter
	logger  *zap.Logger
	backoff time.Duration
}

// NewBreakerClient wraps inner with a circuit breaker configured per
// cfg. rate receives RecordLimited calls whenever inner returns
// anthropic.ErrRateLimited, and defaultBackoff is the retry-after
// duration applied when the provider's error doesn't carry one of its
// own (the Anthropic SDK's rate-limit error does not expose a
// Retry-After value through the narrow MessagesClient interface this
// repo wraps, so a fixed conservative backoff is used instead).
func NewBreakerClient(inner Client, cfg BreakerConfig, rate RateLimitReporter, defaultBackoff time.Duration, logger *zap.Logger) *BreakerClient {
	name := "anthropic-llm"
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 3 {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("llm circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	if defaultBackoff <= 0 {
		defaultBackoff = 30 * time.Second
	}
	return &BreakerClient{
		inner:   inner,
		cb:      gobreaker.NewCircuitBreaker(settings),
		rate:    rate,
		logger:  logger,
		backoff: defaultBackoff,
	}
}

// Complete executes inner.Complete through the circuit breaker. A
// rate-limit error additionally populates the shared RateWindow so the
// scheduler stops admitting new loops until the backoff elapses — the
// same feedback loop spec.md §5's backpressure paragraph describes.
func (c *BreakerClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (engine.CompletionResult, error) {
	result, err := c.cb.Execute(func() (interface{}, error) {
		return c.inner.Complete(ctx, systemPrompt, userPrompt)
	})
	if err != nil {
		c.reportIfRateLimited(err)
		return engine.CompletionResult{}, err
	}
	out, _ := result.(engine.CompletionResult)
	return out, nil
}

// ContinueWithToolResults executes inner.ContinueWithToolResults through
// the same circuit breaker as Complete, so a failing continuation trips
// the breaker exactly like a failing initial turn.
func (c *BreakerClient) ContinueWithToolResults(ctx context.Context, prior engine.CompletionResult, results []engine.ToolResult) (engine.CompletionResult, error) {
	result, err := c.cb.Execute(func() (interface{}, error) {
		return c.inner.ContinueWithToolResults(ctx, prior, results)
	})
	if err != nil {
		c.reportIfRateLimited(err)
		return engine.CompletionResult{}, err
	}
	out, _ := result.(engine.CompletionResult)
	return out, nil
}

func (c *BreakerClient) reportIfRateLimited(err error) {
	if c.rate == nil {
		return
	}
	if errors.Is(err, anthropic.ErrRateLimited) || errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		c.rate.RecordLimited(c.backoff)
	}
}

// State reports the breaker's current state for diagnostics (metrics.get).
func (c *BreakerClient) State() string {
	return c.cb.State().String()
}
