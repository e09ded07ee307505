package engine

import (
	"context"
	"time"

	"github.com/scottidler/loopr/internal/domain/tooljob"
	apperrors "github.com/scottidler/loopr/pkg/errors"
)

// LaneLimit is one lane's concurrency slot count and default timeout.
type LaneLimit struct {
	Slots   int
	Timeout time.Duration
}

// DefaultLaneLimits mirrors the daemon config defaults: plenty of slots
// for local no-net tools, fewer for network tools, fewest for heavy
// tools (builds, test suites), each with a matching timeout.
func DefaultLaneLimits() map[tooljob.Lane]LaneLimit {
	return map[tooljob.Lane]LaneLimit{
		tooljob.LaneNoNet: {Slots: 8, Timeout: 30 * time.Second},
		tooljob.LaneNet:   {Slots: 4, Timeout: 60 * time.Second},
		tooljob.LaneHeavy: {Slots: 2, Timeout: 5 * time.Minute},
	}
}

// laneRouter decorates a ToolRouter with per-lane concurrency caps and
// default timeouts. The semaphores are shared across every loop using
// the same Engine, so concurrent loops contend for the same lane slots
// rather than each getting its own budget.
type laneRouter struct {
	inner  ToolRouter
	sems   map[tooljob.Lane]chan struct{}
	limits map[tooljob.Lane]LaneLimit
}

// NewLaneRouter wraps inner so every RunTool call first acquires a slot
// in its lane's semaphore and runs under the lane's default timeout. A
// call whose lane has no configured limit passes through unchanged; an
// unset Lane falls into the no-net lane.
func NewLaneRouter(inner ToolRouter, limits map[tooljob.Lane]LaneLimit) ToolRouter {
	if limits == nil {
		limits = DefaultLaneLimits()
	}
	sems := make(map[tooljob.Lane]chan struct{}, len(limits))
	for lane, lim := range limits {
		slots := lim.Slots
		if slots <= 0 {
			slots = 1
		}
		sems[lane] = make(chan struct{}, slots)
	}
	return &laneRouter{inner: inner, sems: sems, limits: limits}
}

func (r *laneRouter) RunTool(ctx context.Context, loopID string, call ToolCall) (string, error) {
	lane := call.Lane
	if lane == "" {
		lane = tooljob.LaneNoNet
	}

	if sem, ok := r.sems[lane]; ok {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
		case <-ctx.Done():
			return "", apperrors.NewToolErrorWithCause("cancelled waiting for a "+string(lane)+" lane slot", ctx.Err())
		}
	}

	if lim, ok := r.limits[lane]; ok && lim.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, lim.Timeout)
		defer cancel()
	}

	out, err := r.inner.RunTool(ctx, loopID, call)
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		return out, apperrors.NewToolErrorWithCause("tool "+call.Name+" exceeded its "+string(lane)+" lane timeout", err)
	}
	return out, err
}
