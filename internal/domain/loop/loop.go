// Package loop defines the Loop aggregate: the unit of work scheduled,
// executed, and persisted by the daemon. A Loop is one node in the
// Plan -> Spec -> Phase -> Code hierarchy; its Type fixes which level it
// occupies and its Status is driven through an explicit state machine,
// following the pattern (string enum + validTransitions map + guarded
// Transition method) used by the teacher's
// internal/domain/service/state_machine.go for AgentState.
package loop

import (
	"fmt"
	"sync"

	apperrors "github.com/scottidler/loopr/pkg/errors"
	"github.com/scottidler/loopr/internal/storage"
)

// Type is the level a Loop occupies in the hierarchy. Only a Plan loop
// may have no parent; every other type must descend from one.
type Type string

const (
	TypePlan  Type = "plan"
	TypeSpec  Type = "spec"
	TypePhase Type = "phase"
	TypeCode  Type = "code"
)

func (t Type) Valid() bool {
	switch t {
	case TypePlan, TypeSpec, TypePhase, TypeCode:
		return true
	default:
		return false
	}
}

// Status is a Loop's position in its execution state machine.
type Status string

const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusPaused      Status = "paused"
	StatusRebasing    Status = "rebasing"
	StatusComplete    Status = "complete"
	StatusFailed      Status = "failed"
	StatusInvalidated Status = "invalidated"
)

// IsTerminal reports whether a loop in this status will never transition
// again.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusInvalidated:
		return true
	default:
		return false
	}
}

// validTransitions enumerates every legal Status -> Status edge, matching
// the ASCII diagram in the loop engine's design: a loop may be paused or
// rebased mid-flight and resumed, but once it lands on a terminal status
// it is done.
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusRunning: true,
		StatusFailed:  true, // e.g. max_iterations == 0 at start
	},
	StatusRunning: {
		StatusPaused:      true,
		StatusRebasing:    true,
		StatusComplete:    true,
		StatusFailed:      true,
		StatusInvalidated: true,
		StatusPending:     true, // crash recovery requeues an orphaned Running loop
	},
	StatusPaused: {
		StatusRunning:     true,
		StatusInvalidated: true,
		StatusFailed:      true,
	},
	StatusRebasing: {
		StatusRunning:     true,
		StatusFailed:      true,
		StatusInvalidated: true,
	},
	StatusComplete:    {},
	StatusFailed:      {},
	StatusInvalidated: {},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	edges, ok := validTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// Loop is the persisted state of one unit of work. Field names and
// semantics follow the data model: identity and hierarchy, execution
// parameters fixed at creation, and mutable run state advanced by the
// engine.
type Loop struct {
	mu sync.RWMutex

	ID       string
	ParentID string // empty iff Type == TypePlan
	Type     Type

	// Task is the loop's fixed description of what it is meant to
	// accomplish, set once at creation and never touched by
	// ResetTransient. Every iteration's prompt is rebuilt from Task plus
	// whatever the previous iteration left in Progress — nothing else
	// survives an iteration boundary.
	Task string

	PromptTemplatePath string
	ValidationSpec     string
	MaxIterations      int
	WorkspacePath      string
	InputArtifactPath  string
	OutputArtifacts    []string

	Iteration int
	Status    Status
	Progress  string
	Context   map[string]string

	CreatedAtMillis int64
	UpdatedAtMillis int64
}

// New constructs a Loop in StatusPending, validating the invariants that
// must hold at creation time: a Plan loop has no parent, every other
// type must have one, and MaxIterations cannot be negative.
func New(id string, typ Type, parentID string, maxIterations int, nowMillis int64) (*Loop, error) {
	if !typ.Valid() {
		return nil, apperrors.NewInvalidInputError(fmt.Sprintf("unknown loop type %q", typ))
	}
	if typ == TypePlan && parentID != "" {
		return nil, apperrors.NewInvalidInputError("a plan loop must not have a parent")
	}
	if typ != TypePlan && parentID == "" {
		return nil, apperrors.NewInvalidInputError(fmt.Sprintf("a %s loop requires a parent", typ))
	}
	if maxIterations < 0 {
		return nil, apperrors.NewInvalidInputError("max_iterations must be >= 0")
	}

	l := &Loop{
		ID:              id,
		ParentID:        parentID,
		Type:            typ,
		MaxIterations:   maxIterations,
		Status:          StatusPending,
		Context:         make(map[string]string),
		CreatedAtMillis: nowMillis,
		UpdatedAtMillis: nowMillis,
	}
	return l, nil
}

// Transition moves the loop from its current status to to, rejecting
// edges not present in validTransitions. Guarded by the loop's own lock
// so concurrent engine/scheduler/ipc callers never observe a torn
// status update.
func (l *Loop) Transition(to Status, nowMillis int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.Status.IsTerminal() {
		return apperrors.NewInvalidStateError(fmt.Sprintf("loop %s is terminal (%s), cannot transition to %s", l.ID, l.Status, to))
	}
	if !CanTransition(l.Status, to) {
		return apperrors.NewInvalidStateError(fmt.Sprintf("loop %s: illegal transition %s -> %s", l.ID, l.Status, to))
	}
	l.Status = to
	l.UpdatedAtMillis = nowMillis
	return nil
}

// CurrentStatus returns the loop's status under the read lock.
func (l *Loop) CurrentStatus() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.Status
}

// BudgetExhausted reports whether the loop has already used up its
// iteration budget (Iteration >= MaxIterations) and must not enter
// another iteration. MaxIterations == 0 reports exhausted immediately,
// before a single iteration has run.
func (l *Loop) BudgetExhausted() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.Iteration >= l.MaxIterations
}

// FailBudgetExhausted transitions the loop straight to StatusFailed
// because its iteration budget is used up. Called at the start of an
// iteration (never after incrementing), so Iteration is left exactly at
// MaxIterations — it is never allowed to exceed it.
func (l *Loop) FailBudgetExhausted(nowMillis int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.Status.IsTerminal() {
		return apperrors.NewInvalidStateError(fmt.Sprintf("loop %s is terminal, cannot fail on budget", l.ID))
	}
	if !CanTransition(l.Status, StatusFailed) {
		return apperrors.NewInvalidStateError(fmt.Sprintf("loop %s: illegal transition %s -> %s", l.ID, l.Status, StatusFailed))
	}
	l.Status = StatusFailed
	l.UpdatedAtMillis = nowMillis
	return apperrors.NewInvalidStateError(fmt.Sprintf("loop %s exceeded max_iterations=%d", l.ID, l.MaxIterations))
}

// IncrementIteration advances Iteration by one, called only when an
// iteration ends without passing (failed validation, LLM error, or an
// unparseable response) and the loop is about to retry with
// accumulated feedback. A successful validation never increments —
// Iteration counts failed attempts, not total attempts, matching the
// original runner's "increment on failure only" accounting.
func (l *Loop) IncrementIteration(nowMillis int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.Status.IsTerminal() {
		return apperrors.NewInvalidStateError(fmt.Sprintf("loop %s is terminal, cannot advance iteration", l.ID))
	}
	l.Iteration++
	l.UpdatedAtMillis = nowMillis
	return nil
}

// ResetTransient clears everything the fresh-context discipline requires
// a new iteration to discard, leaving Progress, Iteration, and Status
// untouched. Context is the grab-bag of transient per-iteration state
// (tool outputs, scratch notes) the engine builds up during a single
// iteration and must not leak into the next.
func (l *Loop) ResetTransient() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Context = make(map[string]string)
}

// SetProgress updates the loop's sole canonical cross-iteration feedback
// channel.
func (l *Loop) SetProgress(progress string, nowMillis int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Progress = progress
	l.UpdatedAtMillis = nowMillis
}

// RecordCollection implements storage.Record.
func (l *Loop) RecordCollection() string { return "loops" }

// RecordID implements storage.Record.
func (l *Loop) RecordID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ID
}

// RecordUpdatedAtMillis implements storage.Record.
func (l *Loop) RecordUpdatedAtMillis() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.UpdatedAtMillis
}

// RecordIndexedFields implements storage.Record, projecting the columns
// task_store.rs indexes on: status, loop_type, and parent_loop.
func (l *Loop) RecordIndexedFields() map[string]storage.IndexValue {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return map[string]storage.IndexValue{
		"status":      storage.StringValue(string(l.Status)),
		"loop_type":   storage.StringValue(string(l.Type)),
		"parent_loop": storage.StringValue(l.ParentID),
	}
}

// RecordTombstone implements storage.Record. Loops are never logically
// deleted, only driven to a terminal status.
func (l *Loop) RecordTombstone() bool { return false }
