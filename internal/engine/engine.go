// Package engine drives one Loop through its iterations: build a fresh
// prompt from the loop's Task and Progress alone, call the LLM, run whatever tools it asks
// for, validate the result, advance or fail. Every iteration starts
// from a blank slate except for the loop's Progress/Iteration/Status —
// the "iterate with fresh context" discipline the whole daemon exists
// to implement. Grounded in the teacher's DAG/agent-loop concurrency
// idiom (internal/domain/agent/dag.go: semaphore-bounded goroutines,
// panic-safe node execution, explicit status enum) generalized from a
// one-shot DAG run into a perpetual per-loop iteration cycle, and in
// the original implementation's engine design in spec.md §4.5 /
// original_source/src/runner/loop_runner.rs.
package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	loopdomain "github.com/scottidler/loopr/internal/domain/loop"
	"github.com/scottidler/loopr/internal/domain/tooljob"
	"github.com/scottidler/loopr/internal/id"
	apperrors "github.com/scottidler/loopr/pkg/errors"
)

// StopReason is the model's reason for ending a turn, the taxonomy
// spec.md §6 requires of the LLM collaborator's response.
type StopReason string

const (
	StopReasonEndTurn      StopReason = "end_turn"
	StopReasonToolUse      StopReason = "tool_use"
	StopReasonMaxTokens    StopReason = "max_tokens"
	StopReasonStopSequence StopReason = "stop_sequence"
)

// ToolCall is one tool invocation the model's response asked for. ID
// correlates it to the ToolResult handed back in the same turn via
// ContinueWithToolResults.
type ToolCall struct {
	ID    string
	Name  string
	Input string
	Lane  tooljob.Lane
}

// ToolResult is the outcome of one dispatched tool call, threaded back
// to the model so it can continue the turn that requested it.
type ToolResult struct {
	ToolCallID string
	Output     string
	IsError    bool
}

// CompletionResult is one LLM turn's outcome: text content, any tool
// calls the model wants executed, and the reason it stopped. State
// carries whatever provider-specific bookkeeping ContinueWithToolResults
// needs to preserve the in-provider turn boundary; the engine threads it
// through without ever inspecting it.
type CompletionResult struct {
	Content    string
	ToolCalls  []ToolCall
	StopReason StopReason
	State      any
}

// LLMClient is the engine's sole dependency on a model backend. A
// concrete implementation wraps github.com/anthropics/anthropic-sdk-go
// behind github.com/sony/gobreaker (see internal/infrastructure/llm).
type LLMClient interface {
	// Complete sends a prompt built from the loop's fresh context and
	// returns the model's response: text, any tool calls, and a stop
	// reason.
	Complete(ctx context.Context, systemPrompt, userPrompt string) (CompletionResult, error)

	// ContinueWithToolResults hands executed tool results back to the
	// model so it can continue the same turn that requested them,
	// preserving the in-provider turn boundary (spec.md §6) rather than
	// starting a new completion from scratch.
	ContinueWithToolResults(ctx context.Context, prior CompletionResult, results []ToolResult) (CompletionResult, error)
}

// ToolRouter executes a tool call on behalf of a loop iteration. Kind
// and Policy enforcement are specified by the same contract as the
// teacher's internal/domain/tool package (Kind enum, mutator/safe
// classification, ExecutionContext-scoped policy checks); this
// interface narrows that down to the single method the engine needs.
type ToolRouter interface {
	RunTool(ctx context.Context, loopID string, call ToolCall) (output string, err error)
}

// Validator checks a loop iteration's output against the loop's
// ValidationSpec before the engine accepts it as progress.
type Validator interface {
	Validate(ctx context.Context, validationSpec, output string) (passed bool, feedback string, err error)
}

// ArtifactParser reports whether the model's final turn content
// represents completion of the loop and extracts whatever progress text
// should be recorded for it.
type ArtifactParser interface {
	ParseResponse(raw string) (isComplete bool, progress string, err error)
}

// SignalChecker is the engine's view of the signal bus at the
// iteration-boundary check: stop-like signals are consumed
// (acknowledged) as they are acted on, pause/rebase signals are only
// observed — they stay pending until an explicit resume acknowledges
// them, which is what keeps a paused loop paused across scheduler
// ticks and daemon restarts.
type SignalChecker interface {
	// TakeStopSignal acknowledges and reports the oldest pending
	// stop-like (Stop or Invalidate) signal addressed to loopID, so an
	// older Stop wins over any newer Pause.
	TakeStopSignal(loopID string, nowMillis int64) (bool, error)
	HasPauseSignal(loopID string) (bool, error)
	HasRebaseSignal(loopID string) (bool, error)
}

// Persister is the narrow slice of storage.Store the engine needs to
// save a loop's state and audit its tool jobs after every iteration.
type Persister interface {
	SaveLoop(l *loopdomain.Loop) error
	SaveToolJob(j *tooljob.ToolJob) error
}

// Clock abstracts wall-clock time so iteration timestamps are
// injectable in tests without the disallowed time.Now() call pattern
// spreading through engine logic.
type Clock func() int64

// Engine runs one loop's iterations to completion, failure, or
// interruption by a coordination signal.
type Engine struct {
	llm       LLMClient
	tools     ToolRouter
	validator Validator
	parser    ArtifactParser
	signals   SignalChecker
	store     Persister
	logger    *zap.Logger
	now       Clock
}

// New constructs an Engine from its collaborators.
func New(llm LLMClient, tools ToolRouter, validator Validator, parser ArtifactParser, signals SignalChecker, store Persister, logger *zap.Logger, now Clock) *Engine {
	if now == nil {
		now = id.NowMillis
	}
	return &Engine{
		llm: llm, tools: tools, validator: validator, parser: parser,
		signals: signals, store: store, logger: logger, now: now,
	}
}

// Outcome is what RunIteration accomplished, used by the scheduler to
// decide whether to requeue the loop for another tick.
type Outcome int

const (
	// OutcomeContinue means the loop advanced and should be scheduled
	// again.
	OutcomeContinue Outcome = iota
	// OutcomeComplete means the loop finished successfully.
	OutcomeComplete
	// OutcomeFailed means the loop hit a fatal error or exhausted its
	// iteration budget.
	OutcomeFailed
	// OutcomeStopped means a stop-like signal interrupted the loop: the
	// signal was acknowledged and the loop transitioned to Invalidated
	// (not re-scheduled by the caller).
	OutcomeStopped
	// OutcomePaused means a pause or rebase signal was observed and the
	// loop parked in the matching status; the caller should not
	// re-schedule until a resume acknowledges the signal.
	OutcomePaused
)

// RunIteration executes exactly one fresh-context iteration of l:
// consumes a pending stop-like signal (acknowledging it and parking the
// loop in Invalidated) or observes a pause/rebase, checks the iteration
// budget,
// resets transient state, builds a prompt from Task and Progress alone, calls the
// LLM, dispatches any requested tools (handing their results back to the
// model to continue the same turn), validates the result, and — only on
// a non-passing outcome — advances Iteration. It never runs more than
// one iteration per call; the scheduler decides whether and when to
// call again.
//
// Iteration counts failed attempts, not total attempts: it is
// incremented exactly once, when an iteration does not end the loop,
// mirroring original_source/src/runner/loop_runner.rs's "increment only
// on a non-passing outcome, never on entry" accounting. Entry is gated
// on BudgetExhausted so Iteration never exceeds MaxIterations.
func (e *Engine) RunIteration(ctx context.Context, l *loopdomain.Loop, systemPrompt string) (Outcome, error) {
	if stop, err := e.signals.TakeStopSignal(l.ID, e.now()); err != nil {
		return OutcomeFailed, err
	} else if stop {
		if err := l.Transition(loopdomain.StatusInvalidated, e.now()); err != nil {
			return OutcomeFailed, err
		}
		return OutcomeStopped, e.store.SaveLoop(l)
	}
	if pause, err := e.signals.HasPauseSignal(l.ID); err != nil {
		return OutcomeFailed, err
	} else if pause {
		if err := l.Transition(loopdomain.StatusPaused, e.now()); err != nil {
			return OutcomeFailed, err
		}
		return OutcomePaused, e.store.SaveLoop(l)
	}
	if rebase, err := e.signals.HasRebaseSignal(l.ID); err != nil {
		return OutcomeFailed, err
	} else if rebase {
		if err := l.Transition(loopdomain.StatusRebasing, e.now()); err != nil {
			return OutcomeFailed, err
		}
		return OutcomePaused, e.store.SaveLoop(l)
	}

	if l.BudgetExhausted() {
		budgetErr := l.FailBudgetExhausted(e.now())
		if err := e.store.SaveLoop(l); err != nil {
			return OutcomeFailed, err
		}
		return OutcomeFailed, budgetErr
	}

	l.ResetTransient()

	userPrompt := buildUserPrompt(l)
	result, err := e.llm.Complete(ctx, systemPrompt, userPrompt)
	if err != nil {
		// An LLM transport error is a retriable outcome of the
		// iteration, not a loop failure: it becomes feedback and counts
		// against the budget.
		return e.retryWithFeedback(l, fmt.Sprintf("LLM call failed: %v", err))
	}

	var toolFeedback string
	for result.StopReason == StopReasonToolUse {
		toolResults := make([]ToolResult, 0, len(result.ToolCalls))
		for _, call := range result.ToolCalls {
			output, runErr := e.runTool(ctx, l, call)
			if runErr != nil {
				// A tool failure is feedback, not fatal: it becomes part
				// of progress for the next iteration rather than
				// failing the loop outright, unless the error is itself
				// fatal (a workspace-level failure).
				if apperrors.IsFatal(runErr) {
					return e.fail(l, runErr)
				}
				toolFeedback = fmt.Sprintf("%s\ntool %q failed: %v", toolFeedback, call.Name, runErr)
				toolResults = append(toolResults, ToolResult{ToolCallID: call.ID, Output: runErr.Error(), IsError: true})
				continue
			}
			toolResults = append(toolResults, ToolResult{ToolCallID: call.ID, Output: output})
		}
		result, err = e.llm.ContinueWithToolResults(ctx, result, toolResults)
		if err != nil {
			return e.retryWithFeedback(l, fmt.Sprintf("LLM tool-result continuation failed: %v", err))
		}
	}

	isComplete, progress, err := e.parser.ParseResponse(result.Content)
	if err != nil {
		// A malformed model response is feedback for the next attempt,
		// the same as a failed validation.
		return e.retryWithFeedback(l, fmt.Sprintf("response could not be parsed: %v", err))
	}
	if toolFeedback != "" {
		progress = appendProgress(progress, toolFeedback)
	}

	if l.ValidationSpec != "" {
		passed, feedback, err := e.validator.Validate(ctx, l.ValidationSpec, progress)
		if err != nil {
			passed, feedback = false, fmt.Sprintf("validator error: %v", err)
		}
		isComplete = passed
		if !passed {
			progress = feedback
		}
	}

	if isComplete {
		l.SetProgress(appendProgress(l.Progress, progress), e.now())
		if err := l.Transition(loopdomain.StatusComplete, e.now()); err != nil {
			return OutcomeFailed, err
		}
		if err := e.store.SaveLoop(l); err != nil {
			return OutcomeFailed, err
		}
		return OutcomeComplete, nil
	}

	return e.retryWithFeedback(l, progress)
}

// buildUserPrompt assembles the fresh-context prompt handed to the model
// each iteration: the loop's unchanging task description, plus, from the
// second iteration on, a "Previous Iteration Feedback" section carrying
// forward whatever the last iteration recorded as Progress. No other
// history survives an iteration boundary.
func buildUserPrompt(l *loopdomain.Loop) string {
	if l.Progress == "" {
		return l.Task
	}
	return fmt.Sprintf("%s\n\n## Previous Iteration Feedback\n\n%s", l.Task, l.Progress)
}

// appendProgress concatenates addition onto existing, never discarding
// what came before — the "push_str, never overwrite" accumulation
// discipline the original runner uses for loop_instance.progress.
func appendProgress(existing, addition string) string {
	if addition == "" {
		return existing
	}
	if existing == "" {
		return addition
	}
	return existing + "\n\n" + addition
}

// appendIterationFailure accumulates a non-passing iteration's feedback
// onto existing progress, one "## Iteration N Failed" section per
// rejected attempt, so the next fresh-context prompt sees the full run
// of past attempts rather than only the most recent one.
func appendIterationFailure(existing string, iteration int, feedback string) string {
	section := fmt.Sprintf("## Iteration %d Failed\n\n%s", iteration, feedback)
	return appendProgress(existing, section)
}

func (e *Engine) runTool(ctx context.Context, l *loopdomain.Loop, call ToolCall) (string, error) {
	job := &tooljob.ToolJob{
		ID:              id.NewToolJobID(l.ID, l.Iteration),
		LoopID:          l.ID,
		Iteration:       l.Iteration,
		ToolName:        call.Name,
		Lane:            call.Lane,
		Status:          tooljob.StatusRunning,
		StartedAtMillis: e.now(),
	}
	job.SetInput(call.Input)
	if err := e.store.SaveToolJob(job); err != nil {
		e.logger.Warn("failed to persist tool job start", zap.Error(err))
	}

	output, err := e.tools.RunTool(ctx, l.ID, call)
	job.CompletedAtMillis = e.now()
	if err != nil {
		job.Status = tooljob.StatusFailed
		job.ErrorMessage = err.Error()
	} else {
		job.Status = tooljob.StatusSucceeded
		job.SetOutput(output)
	}
	if saveErr := e.store.SaveToolJob(job); saveErr != nil {
		e.logger.Warn("failed to persist tool job completion", zap.Error(saveErr))
	}
	return output, err
}

// retryWithFeedback records a retriable iteration failure (LLM
// transport error, unparseable response): the text becomes the
// iteration's failure section in Progress, the iteration counter
// advances against the budget, and the loop stays Running for another
// attempt.
func (e *Engine) retryWithFeedback(l *loopdomain.Loop, feedback string) (Outcome, error) {
	l.SetProgress(appendIterationFailure(l.Progress, l.Iteration+1, feedback), e.now())
	if err := l.IncrementIteration(e.now()); err != nil {
		_ = e.store.SaveLoop(l)
		return OutcomeFailed, err
	}
	if err := e.store.SaveLoop(l); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeContinue, nil
}

func (e *Engine) fail(l *loopdomain.Loop, cause error) (Outcome, error) {
	if err := l.Transition(loopdomain.StatusFailed, e.now()); err != nil {
		e.logger.Error("failed to transition loop to failed status", zap.Error(err))
	}
	if err := e.store.SaveLoop(l); err != nil {
		e.logger.Error("failed to persist failed loop", zap.Error(err))
	}
	return OutcomeFailed, cause
}
