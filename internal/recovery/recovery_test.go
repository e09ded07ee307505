package recovery

import (
	"encoding/json"
	"strings"
	"testing"

	loopdomain "github.com/scottidler/loopr/internal/domain/loop"
	"github.com/scottidler/loopr/internal/storage"
)

type memStore struct {
	loops map[string]*loopdomain.Loop
}

func newMemStore() *memStore { return &memStore{loops: make(map[string]*loopdomain.Loop)} }

func (s *memStore) put(l *loopdomain.Loop) {
	cp := *l
	s.loops[l.ID] = &cp
}

func (s *memStore) All(collection string) ([][]byte, error) {
	var out [][]byte
	for _, l := range s.loops {
		raw, err := json.Marshal(l)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

func (s *memStore) Save(rec storage.Record) error {
	l, ok := rec.(*loopdomain.Loop)
	if !ok {
		return nil
	}
	s.put(l)
	return nil
}

type fakeWorkspace struct {
	exists          map[string]bool
	autoCommitCalls []string
}

func (w *fakeWorkspace) Exists(loopID string) bool { return w.exists[loopID] }
func (w *fakeWorkspace) AutoCommit(loopID, message string) error {
	w.autoCommitCalls = append(w.autoCommitCalls, loopID)
	return nil
}

func runningLoop(t *testing.T, id string) *loopdomain.Loop {
	t.Helper()
	l, err := loopdomain.New(id, loopdomain.TypeCode, "phase-000", 10, 1000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l.Transition(loopdomain.StatusRunning, 1001); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	l.Iteration = 3
	l.Progress = "previous progress"
	return l
}

func TestRecoverLoop_SkipsNonRunning(t *testing.T) {
	store := newMemStore()
	ws := &fakeWorkspace{exists: map[string]bool{}}
	r := New(store, ws, DefaultConfig())

	l, err := loopdomain.New("p1", loopdomain.TypeCode, "phase-000", 10, 1000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	action, err := r.RecoverLoop(l, 2000)
	if err != nil {
		t.Fatalf("RecoverLoop: %v", err)
	}
	if action.Kind != ActionSkipped {
		t.Fatalf("got kind %v, want Skipped", action.Kind)
	}
}

func TestRecoverLoop_MarksFailedIfWorktreeMissing(t *testing.T) {
	store := newMemStore()
	ws := &fakeWorkspace{exists: map[string]bool{}}
	r := New(store, ws, DefaultConfig())

	l := runningLoop(t, "r2")
	store.put(l)

	action, err := r.RecoverLoop(l, 2000)
	if err != nil {
		t.Fatalf("RecoverLoop: %v", err)
	}
	if action.Kind != ActionMarkedFailed {
		t.Fatalf("got kind %v, want MarkedFailed", action.Kind)
	}
	if store.loops["r2"].CurrentStatus() != loopdomain.StatusFailed {
		t.Fatalf("got status %q, want failed", store.loops["r2"].CurrentStatus())
	}
	if !strings.Contains(store.loops["r2"].Progress, "worktree lost") {
		t.Fatalf("expected progress to mention lost worktree, got %q", store.loops["r2"].Progress)
	}
}

func TestRecoverLoop_ResumesIfWorktreeExists(t *testing.T) {
	store := newMemStore()
	ws := &fakeWorkspace{exists: map[string]bool{"r3": true}}
	r := New(store, ws, DefaultConfig())

	l := runningLoop(t, "r3")
	store.put(l)

	action, err := r.RecoverLoop(l, 2000)
	if err != nil {
		t.Fatalf("RecoverLoop: %v", err)
	}
	if action.Kind != ActionResumed {
		t.Fatalf("got kind %v, want Resumed", action.Kind)
	}
	if store.loops["r3"].CurrentStatus() != loopdomain.StatusPending {
		t.Fatalf("got status %q, want pending", store.loops["r3"].CurrentStatus())
	}
	if !strings.Contains(store.loops["r3"].Progress, "Recovered at iteration 3") {
		t.Fatalf("expected progress to mention recovery, got %q", store.loops["r3"].Progress)
	}
	if len(ws.autoCommitCalls) != 1 || ws.autoCommitCalls[0] != "r3" {
		t.Fatalf("expected one auto-commit call for r3, got %v", ws.autoCommitCalls)
	}
}

func TestRecoverLoop_SkipsAutoCommitWhenDisabled(t *testing.T) {
	store := newMemStore()
	ws := &fakeWorkspace{exists: map[string]bool{"r4": true}}
	r := New(store, ws, Config{CommitMessage: "x", AutoCommit: false})

	l := runningLoop(t, "r4")
	store.put(l)

	if _, err := r.RecoverLoop(l, 2000); err != nil {
		t.Fatalf("RecoverLoop: %v", err)
	}
	if len(ws.autoCommitCalls) != 0 {
		t.Fatalf("expected no auto-commit calls, got %v", ws.autoCommitCalls)
	}
}

func TestCountInterruptedAndNeedsRecovery(t *testing.T) {
	store := newMemStore()
	ws := &fakeWorkspace{exists: map[string]bool{}}
	r := New(store, ws, DefaultConfig())

	store.put(runningLoop(t, "r1"))
	store.put(runningLoop(t, "r2"))
	pending, err := loopdomain.New("p1", loopdomain.TypeCode, "phase-000", 10, 1000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	store.put(pending)

	count, err := r.CountInterrupted()
	if err != nil {
		t.Fatalf("CountInterrupted: %v", err)
	}
	if count != 2 {
		t.Fatalf("got %d interrupted, want 2", count)
	}

	needs, err := r.NeedsRecovery()
	if err != nil {
		t.Fatalf("NeedsRecovery: %v", err)
	}
	if !needs {
		t.Fatal("expected NeedsRecovery to be true")
	}
}

func TestRecoverAll_ProcessesEveryRunningLoop(t *testing.T) {
	store := newMemStore()
	ws := &fakeWorkspace{exists: map[string]bool{}}
	r := New(store, ws, DefaultConfig())

	store.put(runningLoop(t, "r1"))
	store.put(runningLoop(t, "r2"))
	pending, err := loopdomain.New("p1", loopdomain.TypeCode, "phase-000", 10, 1000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	store.put(pending)

	actions, err := r.RecoverAll(2000)
	if err != nil {
		t.Fatalf("RecoverAll: %v", err)
	}
	if len(actions) != 2 {
		t.Fatalf("got %d actions, want 2", len(actions))
	}
	for _, a := range actions {
		if a.Kind != ActionMarkedFailed {
			t.Fatalf("expected every loop to be marked failed (no worktrees exist), got %v", a.Kind)
		}
	}
}
