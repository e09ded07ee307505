package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	loopdomain "github.com/scottidler/loopr/internal/domain/loop"
	"github.com/scottidler/loopr/internal/domain/tooljob"
	"github.com/scottidler/loopr/internal/engine"
	"github.com/scottidler/loopr/internal/storage"
)

// memStore is a minimal in-memory Store sufficient for scheduler tests;
// it only implements the "loops" collection operations the scheduler
// actually issues.
type memStore struct {
	loops map[string]*loopdomain.Loop
}

func newMemStore() *memStore { return &memStore{loops: make(map[string]*loopdomain.Loop)} }

func (s *memStore) put(l *loopdomain.Loop) {
	cp := *l
	s.loops[l.ID] = &cp
}

func (s *memStore) Query(collection string, filters ...storage.Filter) ([][]byte, error) {
	if collection != "loops" {
		return nil, nil
	}
	var out [][]byte
	for _, l := range s.loops {
		if matchesAll(l, filters) {
			raw, err := json.Marshal(l)
			if err != nil {
				return nil, err
			}
			out = append(out, raw)
		}
	}
	return out, nil
}

func matchesAll(l *loopdomain.Loop, filters []storage.Filter) bool {
	for _, f := range filters {
		if f.Field == "status" && string(l.CurrentStatus()) != f.Value.Str {
			return false
		}
	}
	return true
}

func (s *memStore) Get(collection, id string) ([]byte, bool, error) {
	l, ok := s.loops[id]
	if !ok {
		return nil, false, nil
	}
	raw, err := json.Marshal(l)
	return raw, true, err
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

// fakeLLM completes every loop on its first iteration.
type fakeLLM struct{}

func (fakeLLM) Complete(ctx context.Context, systemPrompt, userPrompt string) (engine.CompletionResult, error) {
	return engine.CompletionResult{Content: "done", StopReason: engine.StopReasonEndTurn}, nil
}

func (fakeLLM) ContinueWithToolResults(ctx context.Context, prior engine.CompletionResult, results []engine.ToolResult) (engine.CompletionResult, error) {
	return engine.CompletionResult{Content: "done", StopReason: engine.StopReasonEndTurn}, nil
}

type fakeTools struct{}

func (fakeTools) RunTool(ctx context.Context, loopID string, call engine.ToolCall) (string, error) {
	return "", nil
}

type fakeValidator struct{}

func (fakeValidator) Validate(ctx context.Context, spec, output string) (bool, string, error) {
	return true, "", nil
}

type fakeParser struct{}

func (fakeParser) ParseResponse(raw string) (bool, string, error) {
	return true, "all done", nil
}

type fakeSignals struct{}

func (fakeSignals) TakeStopSignal(loopID string, nowMillis int64) (bool, error) { return false, nil }
func (fakeSignals) HasPauseSignal(loopID string) (bool, error)                  { return false, nil }
func (fakeSignals) HasRebaseSignal(loopID string) (bool, error)                 { return false, nil }

// fakeEngineStore adapts memStore to engine.Persister; tool jobs are
// discarded since the scheduler tests don't inspect them.
type fakeEngineStore struct{ *memStore }

func (s fakeEngineStore) SaveLoop(l *loopdomain.Loop) error { return s.Save(l) }
func (s fakeEngineStore) SaveToolJob(j *tooljob.ToolJob) error { return nil }

func newTestScheduler(store *memStore) (*Scheduler, *memStore) {
	eng := engine.New(fakeLLM{}, fakeTools{}, fakeValidator{}, fakeParser{}, fakeSignals{}, fakeEngineStore{store}, zap.NewNop(), nil)
	rw := NewRateWindow(rate.Inf, 1000)
	cfg := Config{MaxLoops: 5, TickInterval: time.Millisecond}
	clk := int64(1000)
	now := func() int64 { clk++; return clk }
	return New(store, eng, rw, cfg, zap.NewNop(), now), store
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestTick_AdmitsPendingLoopAndCompletesIt(t *testing.T) {
	store := newMemStore()
	l, err := loopdomain.New("1-aaaa", loopdomain.TypePlan, "", 10, 1000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Task = "do the thing"
	store.put(l)

	s, store := newTestScheduler(store)
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	// A finished task leaves the running set only when it is reaped,
	// which Tick does first on its next pass.
	waitUntil(t, func() bool { s.reapCompleted(); return s.RunningCount() == 0 })

	saved := store.loops["1-aaaa"]
	if saved.CurrentStatus() != loopdomain.StatusComplete {
		t.Fatalf("got status %q, want complete", saved.CurrentStatus())
	}
}

func TestSelectRunnable_RespectsMaxLoopsCap(t *testing.T) {
	store := newMemStore()
	for i := 0; i < 3; i++ {
		id := string(rune('a'+i)) + "-0000"
		l, err := loopdomain.New(id, loopdomain.TypePlan, "", 10, 1000+int64(i))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		store.put(l)
	}
	eng := engine.New(fakeLLM{}, fakeTools{}, fakeValidator{}, fakeParser{}, fakeSignals{}, fakeEngineStore{store}, zap.NewNop(), nil)
	rw := NewRateWindow(rate.Inf, 1000)
	s := New(store, eng, rw, Config{MaxLoops: 2, TickInterval: time.Hour}, zap.NewNop(), func() int64 { return 2000 })

	selected, err := s.selectRunnable()
	if err != nil {
		t.Fatalf("selectRunnable: %v", err)
	}
	if len(selected) != 2 {
		t.Fatalf("got %d candidates, want 2 (capped by MaxLoops)", len(selected))
	}
}

func TestSelectRunnable_RespectsPerTypeCap(t *testing.T) {
	store := newMemStore()
	plan, _ := loopdomain.New("plan-000", loopdomain.TypePlan, "", 10, 1000)
	store.put(plan)
	spec1, _ := loopdomain.New("spec-000", loopdomain.TypeSpec, "plan-000", 10, 1001)
	store.put(spec1)
	spec2, _ := loopdomain.New("spec-001", loopdomain.TypeSpec, "plan-000", 10, 1002)
	store.put(spec2)

	eng := engine.New(fakeLLM{}, fakeTools{}, fakeValidator{}, fakeParser{}, fakeSignals{}, fakeEngineStore{store}, zap.NewNop(), nil)
	rw := NewRateWindow(rate.Inf, 1000)
	cfg := Config{MaxLoops: 10, PerTypeCaps: map[loopdomain.Type]int{loopdomain.TypeSpec: 1}, TickInterval: time.Hour}
	s := New(store, eng, rw, cfg, zap.NewNop(), func() int64 { return 2000 })

	selected, err := s.selectRunnable()
	if err != nil {
		t.Fatalf("selectRunnable: %v", err)
	}
	specCount := 0
	for _, l := range selected {
		if l.Type == loopdomain.TypeSpec {
			specCount++
		}
	}
	if specCount != 1 {
		t.Fatalf("got %d spec candidates, want 1 (capped by PerTypeCaps)", specCount)
	}
}

func TestRateWindow_BlocksAdmissionUntilRetryAfterElapses(t *testing.T) {
	store := newMemStore()
	l, _ := loopdomain.New("1-aaaa", loopdomain.TypePlan, "", 10, 1000)
	l.Task = "do the thing"
	store.put(l)

	eng := engine.New(fakeLLM{}, fakeTools{}, fakeValidator{}, fakeParser{}, fakeSignals{}, fakeEngineStore{store}, zap.NewNop(), nil)
	rw := NewRateWindow(rate.Inf, 1000)
	rw.RecordLimited(time.Hour)
	s := New(store, eng, rw, Config{MaxLoops: 5, TickInterval: time.Hour}, zap.NewNop(), func() int64 { return 2000 })

	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if s.RunningCount() != 0 {
		t.Fatal("a blocked rate window must not admit any loop")
	}
}

func TestCancelLoop_InvalidatesAndStopsRunning(t *testing.T) {
	store := newMemStore()
	l, _ := loopdomain.New("1-aaaa", loopdomain.TypePlan, "", 10, 1000)
	l.Task = "never finishes"
	store.put(l)

	s, _ := newTestScheduler(store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.spawnLoop(ctx, l)

	ok, err := s.CancelLoop("1-aaaa", 5000)
	if err != nil {
		t.Fatalf("CancelLoop: %v", err)
	}
	if !ok {
		t.Fatal("expected CancelLoop to report the loop was running")
	}
	if s.IsLoopRunning("1-aaaa") {
		t.Fatal("loop should no longer be tracked as running")
	}
}

func TestHandleOrphans_InvalidatesChildrenOfInvalidatedParent(t *testing.T) {
	store := newMemStore()
	parent, _ := loopdomain.New("plan-000", loopdomain.TypePlan, "", 10, 1000)
	if err := parent.Transition(loopdomain.StatusRunning, 1001); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if err := parent.Transition(loopdomain.StatusInvalidated, 1002); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	store.put(parent)

	child, _ := loopdomain.New("spec-000", loopdomain.TypeSpec, "plan-000", 10, 1003)
	if err := child.Transition(loopdomain.StatusRunning, 1004); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	store.put(child)

	eng := engine.New(fakeLLM{}, fakeTools{}, fakeValidator{}, fakeParser{}, fakeSignals{}, fakeEngineStore{store}, zap.NewNop(), nil)
	rw := NewRateWindow(rate.Inf, 1000)
	s := New(store, eng, rw, DefaultConfig(), zap.NewNop(), func() int64 { return 5000 })

	count, err := s.HandleOrphans(5000)
	if err != nil {
		t.Fatalf("HandleOrphans: %v", err)
	}
	if count != 1 {
		t.Fatalf("got %d orphans handled, want 1", count)
	}
	if store.loops["spec-000"].CurrentStatus() != loopdomain.StatusInvalidated {
		t.Fatalf("got status %q, want invalidated", store.loops["spec-000"].CurrentStatus())
	}
}
