package loop

import (
	"testing"

	apperrors "github.com/scottidler/loopr/pkg/errors"
)

func TestNew_PlanRequiresNoParent(t *testing.T) {
	if _, err := New("1-aaaa", TypePlan, "parent", 10, 1000); err == nil {
		t.Fatal("expected error constructing a plan loop with a parent")
	}
	if _, err := New("1-aaaa", TypePlan, "", 10, 1000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNew_NonPlanRequiresParent(t *testing.T) {
	if _, err := New("1-aaaa", TypeSpec, "", 10, 1000); err == nil {
		t.Fatal("expected error constructing a spec loop with no parent")
	}
	if _, err := New("1-aaaa", TypeSpec, "root-001", 10, 1000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNew_RejectsUnknownType(t *testing.T) {
	if _, err := New("1-aaaa", Type("bogus"), "", 10, 1000); err == nil {
		t.Fatal("expected error for unknown loop type")
	}
}

func TestNew_RejectsNegativeMaxIterations(t *testing.T) {
	if _, err := New("1-aaaa", TypePlan, "", -1, 1000); err == nil {
		t.Fatal("expected error for negative max_iterations")
	}
}

func TestTransition_PendingToRunning(t *testing.T) {
	l, err := New("1-aaaa", TypePlan, "", 10, 1000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l.Transition(StatusRunning, 1001); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if got := l.CurrentStatus(); got != StatusRunning {
		t.Fatalf("got status %q, want running", got)
	}
	if l.UpdatedAtMillis != 1001 {
		t.Fatalf("UpdatedAtMillis not advanced: %d", l.UpdatedAtMillis)
	}
}

func TestTransition_RejectsIllegalEdge(t *testing.T) {
	l, err := New("1-aaaa", TypePlan, "", 10, 1000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Pending -> Complete is not a legal edge; a loop must run first.
	err = l.Transition(StatusComplete, 1001)
	if err == nil {
		t.Fatal("expected error transitioning pending -> complete")
	}
	if !apperrors.IsInvalidState(err) {
		t.Fatalf("expected invalid-state error, got %v", err)
	}
}

func TestTransition_RejectsFromTerminal(t *testing.T) {
	l, err := New("1-aaaa", TypePlan, "", 10, 1000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l.Transition(StatusRunning, 1001); err != nil {
		t.Fatalf("Transition to running: %v", err)
	}
	if err := l.Transition(StatusComplete, 1002); err != nil {
		t.Fatalf("Transition to complete: %v", err)
	}
	if err := l.Transition(StatusRunning, 1003); err == nil {
		t.Fatal("expected error transitioning out of a terminal status")
	}
}

func TestTransition_PauseAndResume(t *testing.T) {
	l, _ := New("1-aaaa", TypePlan, "", 10, 1000)
	_ = l.Transition(StatusRunning, 1001)
	if err := l.Transition(StatusPaused, 1002); err != nil {
		t.Fatalf("Transition to paused: %v", err)
	}
	if err := l.Transition(StatusRunning, 1003); err != nil {
		t.Fatalf("Transition back to running: %v", err)
	}
}

func TestBudgetExhausted_ZeroMaxIterationsFailsImmediately(t *testing.T) {
	l, err := New("1-aaaa", TypePlan, "", 0, 1000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l.Transition(StatusRunning, 1001); err != nil {
		t.Fatalf("Transition to running: %v", err)
	}
	if !l.BudgetExhausted() {
		t.Fatal("expected budget exhausted at max_iterations=0 before a single iteration")
	}
	if err := l.FailBudgetExhausted(1002); err == nil {
		t.Fatal("expected error failing on exhausted budget")
	}
	if got := l.CurrentStatus(); got != StatusFailed {
		t.Fatalf("got status %q, want failed", got)
	}
	if l.Iteration != 0 {
		t.Fatalf("iteration should stay at 0, got %d", l.Iteration)
	}
}

func TestIncrementIteration_WithinBudget(t *testing.T) {
	l, _ := New("1-aaaa", TypePlan, "", 3, 1000)
	_ = l.Transition(StatusRunning, 1001)
	for i := 0; i < 3; i++ {
		if l.BudgetExhausted() {
			t.Fatalf("budget should not be exhausted at iteration %d of 3", l.Iteration)
		}
		if err := l.IncrementIteration(int64(1002 + i)); err != nil {
			t.Fatalf("IncrementIteration %d: %v", i, err)
		}
	}
	if got := l.CurrentStatus(); got != StatusRunning {
		t.Fatalf("loop should remain running within budget, got %q", got)
	}
	if l.Iteration != 3 {
		t.Fatalf("got iteration %d, want 3 (never exceeds max_iterations)", l.Iteration)
	}
	if !l.BudgetExhausted() {
		t.Fatal("expected budget exhausted once iteration reaches max_iterations")
	}
	if err := l.FailBudgetExhausted(1010); err == nil {
		t.Fatal("expected error failing on exhausted budget")
	}
	if got := l.CurrentStatus(); got != StatusFailed {
		t.Fatalf("got status %q, want failed after exceeding budget", got)
	}
}

func TestResetTransient_ClearsContextOnly(t *testing.T) {
	l, _ := New("1-aaaa", TypePlan, "", 10, 1000)
	l.Context["scratch"] = "leftover"
	l.Progress = "halfway there"
	l.ResetTransient()
	if len(l.Context) != 0 {
		t.Fatalf("expected Context cleared, got %v", l.Context)
	}
	if l.Progress != "halfway there" {
		t.Fatal("ResetTransient must not touch Progress")
	}
}

func TestRecordIndexedFields(t *testing.T) {
	l, _ := New("1-aaaa", TypeSpec, "root-001", 10, 1000)
	fields := l.RecordIndexedFields()
	if fields["status"].Str != string(StatusPending) {
		t.Fatalf("unexpected status field: %+v", fields["status"])
	}
	if fields["loop_type"].Str != string(TypeSpec) {
		t.Fatalf("unexpected loop_type field: %+v", fields["loop_type"])
	}
	if fields["parent_loop"].Str != "root-001" {
		t.Fatalf("unexpected parent_loop field: %+v", fields["parent_loop"])
	}
}

func TestCanTransition_TerminalStatesHaveNoOutgoingEdges(t *testing.T) {
	for _, s := range []Status{StatusComplete, StatusFailed, StatusInvalidated} {
		for _, to := range []Status{StatusPending, StatusRunning, StatusPaused, StatusRebasing, StatusComplete, StatusFailed, StatusInvalidated} {
			if CanTransition(s, to) {
				t.Fatalf("terminal status %q must have no outgoing edges, found edge to %q", s, to)
			}
		}
	}
}
