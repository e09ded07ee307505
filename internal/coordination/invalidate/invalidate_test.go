package invalidate

import (
	"encoding/json"
	"testing"

	loopdomain "github.com/scottidler/loopr/internal/domain/loop"
	"github.com/scottidler/loopr/internal/storage"
)

type memStore struct {
	byCollection map[string]map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{byCollection: make(map[string]map[string][]byte)}
}

func (m *memStore) Save(rec storage.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	coll := rec.RecordCollection()
	if m.byCollection[coll] == nil {
		m.byCollection[coll] = make(map[string][]byte)
	}
	m.byCollection[coll][rec.RecordID()] = data
	return nil
}

func (m *memStore) Get(collection, id string) ([]byte, bool, error) {
	rows, ok := m.byCollection[collection]
	if !ok {
		return nil, false, nil
	}
	raw, ok := rows[id]
	return raw, ok, nil
}

func (m *memStore) Query(collection string, filters ...storage.Filter) ([][]byte, error) {
	rows := m.byCollection[collection]
	var out [][]byte
	for _, raw := range rows {
		var lr loopRecord
		if err := json.Unmarshal(raw, &lr); err != nil {
			return nil, err
		}
		fields := map[string]storage.IndexValue{
			"parent_loop": storage.StringValue(lr.ParentID),
		}
		match := true
		for _, f := range filters {
			if v, ok := fields[f.Field]; !ok || !v.Equal(f.Value) {
				match = false
				break
			}
		}
		if match {
			out = append(out, raw)
		}
	}
	return out, nil
}

func putLoop(t *testing.T, store *memStore, l *loopdomain.Loop) {
	t.Helper()
	if err := store.Save(l); err != nil {
		t.Fatalf("Save: %v", err)
	}
}

func TestFindDescendants_WalksMultipleLevels(t *testing.T) {
	store := newMemStore()
	root, _ := loopdomain.New("plan-1", loopdomain.TypePlan, "", 10, 1000)
	child, _ := loopdomain.New("spec-1", loopdomain.TypeSpec, "plan-1", 10, 1000)
	grandchild, _ := loopdomain.New("phase-1", loopdomain.TypePhase, "spec-1", 10, 1000)
	putLoop(t, store, root)
	putLoop(t, store, child)
	putLoop(t, store, grandchild)

	mgr := New(store)
	descendants, err := mgr.FindDescendants("plan-1")
	if err != nil {
		t.Fatalf("FindDescendants: %v", err)
	}
	if len(descendants) != 2 {
		t.Fatalf("got %d descendants, want 2", len(descendants))
	}
}

func TestInvalidateDescendants_SkipsTerminal(t *testing.T) {
	store := newMemStore()
	root, _ := loopdomain.New("plan-1", loopdomain.TypePlan, "", 10, 1000)
	running, _ := loopdomain.New("spec-1", loopdomain.TypeSpec, "plan-1", 10, 1000)
	_ = running.Transition(loopdomain.StatusRunning, 1001)
	done, _ := loopdomain.New("spec-2", loopdomain.TypeSpec, "plan-1", 10, 1000)
	_ = done.Transition(loopdomain.StatusRunning, 1001)
	_ = done.Transition(loopdomain.StatusComplete, 1002)

	putLoop(t, store, root)
	putLoop(t, store, running)
	putLoop(t, store, done)

	mgr := New(store)
	count, err := mgr.InvalidateDescendants("plan-1", "parent rebased", 2000)
	if err != nil {
		t.Fatalf("InvalidateDescendants: %v", err)
	}
	if count != 1 {
		t.Fatalf("got count %d, want 1 (the completed loop should be skipped)", count)
	}

	raw, ok, err := store.Get(loopsCollection, "spec-1")
	if err != nil || !ok {
		t.Fatalf("Get spec-1: ok=%v err=%v", ok, err)
	}
	var lr loopRecord
	_ = json.Unmarshal(raw, &lr)
	if lr.Status != loopdomain.StatusInvalidated {
		t.Fatalf("got status %q, want invalidated", lr.Status)
	}

	signals, err := store.All2("signals")
	if err != nil {
		t.Fatalf("All2: %v", err)
	}
	if len(signals) != 1 {
		t.Fatalf("got %d signals, want 1", len(signals))
	}
}

// All2 is a test-only helper that lists every stored row of a
// collection; invalidate.Store has no All method, so memStore needs
// none to satisfy it.
func (m *memStore) All2(collection string) ([][]byte, error) {
	rows := m.byCollection[collection]
	out := make([][]byte, 0, len(rows))
	for _, raw := range rows {
		out = append(out, raw)
	}
	return out, nil
}

func TestIsDescendantOf(t *testing.T) {
	store := newMemStore()
	root, _ := loopdomain.New("plan-1", loopdomain.TypePlan, "", 10, 1000)
	child, _ := loopdomain.New("spec-1", loopdomain.TypeSpec, "plan-1", 10, 1000)
	grandchild, _ := loopdomain.New("phase-1", loopdomain.TypePhase, "spec-1", 10, 1000)
	putLoop(t, store, root)
	putLoop(t, store, child)
	putLoop(t, store, grandchild)

	mgr := New(store)
	ok, err := mgr.IsDescendantOf("phase-1", "plan-1")
	if err != nil {
		t.Fatalf("IsDescendantOf: %v", err)
	}
	if !ok {
		t.Fatal("expected phase-1 to descend from plan-1 transitively")
	}

	ok, err = mgr.IsDescendantOf("plan-1", "phase-1")
	if err != nil {
		t.Fatalf("IsDescendantOf: %v", err)
	}
	if ok {
		t.Fatal("expected plan-1 to not descend from phase-1")
	}
}

func TestGetAncestorChain(t *testing.T) {
	store := newMemStore()
	root, _ := loopdomain.New("plan-1", loopdomain.TypePlan, "", 10, 1000)
	child, _ := loopdomain.New("spec-1", loopdomain.TypeSpec, "plan-1", 10, 1000)
	grandchild, _ := loopdomain.New("phase-1", loopdomain.TypePhase, "spec-1", 10, 1000)
	putLoop(t, store, root)
	putLoop(t, store, child)
	putLoop(t, store, grandchild)

	mgr := New(store)
	chain, err := mgr.GetAncestorChain("phase-1")
	if err != nil {
		t.Fatalf("GetAncestorChain: %v", err)
	}
	if len(chain) != 2 || chain[0] != "spec-1" || chain[1] != "plan-1" {
		t.Fatalf("got chain %v, want [spec-1 plan-1]", chain)
	}
}
