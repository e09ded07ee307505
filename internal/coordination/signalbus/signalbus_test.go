package signalbus

import (
	"encoding/json"
	"testing"

	"github.com/scottidler/loopr/internal/domain/signal"
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
	if rec.RecordTombstone() {
		delete(m.byCollection[coll], rec.RecordID())
		return nil
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

func (m *memStore) All(collection string) ([][]byte, error) {
	rows := m.byCollection[collection]
	out := make([][]byte, 0, len(rows))
	for _, raw := range rows {
		out = append(out, raw)
	}
	return out, nil
}

func (m *memStore) Query(collection string, filters ...storage.Filter) ([][]byte, error) {
	all, err := m.All(collection)
	if err != nil {
		return nil, err
	}
	var out [][]byte
	for _, raw := range all {
		var s signal.Signal
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		fields := map[string]storage.IndexValue{
			"target_loop": storage.StringValue(s.Target.LoopID),
			"kind":        storage.StringValue(string(s.Kind)),
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

func TestSendStop_IsVisibleViaCheck(t *testing.T) {
	bus := New(newMemStore())
	if _, err := bus.SendStop("plan-1", "spec-1", "superseded", 1000); err != nil {
		t.Fatalf("SendStop: %v", err)
	}
	signals, err := bus.Check("spec-1")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(signals) != 1 {
		t.Fatalf("got %d signals, want 1", len(signals))
	}
	if signals[0].Kind != signal.KindStop {
		t.Fatalf("got kind %q, want stop", signals[0].Kind)
	}
}

func TestHasStopSignal_TreatsInvalidateAsStopLike(t *testing.T) {
	bus := New(newMemStore())
	if _, err := bus.SendInvalidate("plan-1", "spec-1", "ancestor rebased", 1000); err != nil {
		t.Fatalf("SendInvalidate: %v", err)
	}
	has, err := bus.HasStopSignal("spec-1")
	if err != nil {
		t.Fatalf("HasStopSignal: %v", err)
	}
	if !has {
		t.Fatal("expected an invalidate signal to count as a stop signal")
	}
}

func TestHasStopSignal_FalseForPause(t *testing.T) {
	bus := New(newMemStore())
	if _, err := bus.SendPause("plan-1", "spec-1", "operator requested", 1000); err != nil {
		t.Fatalf("SendPause: %v", err)
	}
	has, err := bus.HasStopSignal("spec-1")
	if err != nil {
		t.Fatalf("HasStopSignal: %v", err)
	}
	if has {
		t.Fatal("a pause signal must not count as a stop signal")
	}
}

func TestAcknowledge_RemovesFromPending(t *testing.T) {
	bus := New(newMemStore())
	s, err := bus.SendStop("plan-1", "spec-1", "done", 1000)
	if err != nil {
		t.Fatalf("SendStop: %v", err)
	}
	if err := bus.Acknowledge(s.ID, 2000); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	signals, err := bus.Check("spec-1")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(signals) != 0 {
		t.Fatalf("expected no pending signals after acknowledge, got %d", len(signals))
	}
}

func TestTakeStopSignal_AcknowledgesOldestStopLike(t *testing.T) {
	bus := New(newMemStore())
	if _, err := bus.SendPause("plan-1", "spec-1", "pause first", 1000); err != nil {
		t.Fatalf("SendPause: %v", err)
	}
	older, err := bus.SendStop("plan-1", "spec-1", "older stop", 2000)
	if err != nil {
		t.Fatalf("SendStop: %v", err)
	}
	if _, err := bus.SendInvalidate("plan-1", "spec-1", "newer invalidate", 3000); err != nil {
		t.Fatalf("SendInvalidate: %v", err)
	}

	taken, err := bus.TakeStopSignal("spec-1", 4000)
	if err != nil {
		t.Fatalf("TakeStopSignal: %v", err)
	}
	if !taken {
		t.Fatal("expected a stop-like signal to be taken")
	}

	pending, err := bus.Check("spec-1")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	for _, s := range pending {
		if s.ID == older.ID {
			t.Fatal("the oldest stop-like signal should have been acknowledged")
		}
	}
	// The pause and the newer invalidate are still pending.
	if len(pending) != 2 {
		t.Fatalf("got %d pending signals, want 2", len(pending))
	}
}

func TestTakeStopSignal_FalseWhenOnlyPausePending(t *testing.T) {
	bus := New(newMemStore())
	if _, err := bus.SendPause("plan-1", "spec-1", "operator requested", 1000); err != nil {
		t.Fatalf("SendPause: %v", err)
	}
	taken, err := bus.TakeStopSignal("spec-1", 2000)
	if err != nil {
		t.Fatalf("TakeStopSignal: %v", err)
	}
	if taken {
		t.Fatal("a pause signal must not be taken as stop-like")
	}
}

func TestAcknowledge_UnknownSignalIsNotFound(t *testing.T) {
	bus := New(newMemStore())
	if err := bus.Acknowledge("sig-nonexistent", 1000); err == nil {
		t.Fatal("expected error acknowledging an unknown signal id")
	}
}

func TestDescendantsSelector_RoundTrip(t *testing.T) {
	selector := DescendantsSelector("plan-1")
	ancestor, ok := ParseDescendantsSelector(selector)
	if !ok || ancestor != "plan-1" {
		t.Fatalf("got ancestor=%q ok=%v, want plan-1/true", ancestor, ok)
	}
	if _, ok := ParseDescendantsSelector("not-a-selector"); ok {
		t.Fatal("expected ok=false for a non-selector string")
	}
}
