package event

import "testing"

func TestRecordIndexedFields(t *testing.T) {
	e := &Event{ID: "evt-1", Topic: TopicLoopStatus, LoopID: "loop-a", CreatedAtMillis: 1000}
	fields := e.RecordIndexedFields()
	if fields["topic"].Str != string(TopicLoopStatus) {
		t.Fatalf("unexpected topic field: %+v", fields["topic"])
	}
	if fields["loop_id"].Str != "loop-a" {
		t.Fatalf("unexpected loop_id field: %+v", fields["loop_id"])
	}
}

func TestRecordUpdatedAtMillis_IsCreationTime(t *testing.T) {
	e := &Event{ID: "evt-1", CreatedAtMillis: 42}
	if got := e.RecordUpdatedAtMillis(); got != 42 {
		t.Fatalf("got %d, want 42", got)
	}
}
