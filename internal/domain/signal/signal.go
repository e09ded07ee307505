// Package signal defines the coordination record broadcast over the
// signal bus: Stop, Pause, Resume, Rebase, Invalidate, Error, and Info.
// Grounded in the original implementation's src/coordination/signals.rs,
// including its classification of Invalidate as a stop-like signal
// (confirmed there by the test test_invalidate_signal_is_stop_signal).
package signal

import "github.com/scottidler/loopr/internal/storage"

// Kind is the closed set of signal kinds a loop may send or receive.
type Kind string

const (
	KindStop       Kind = "stop"
	KindPause      Kind = "pause"
	KindResume     Kind = "resume"
	KindRebase     Kind = "rebase"
	KindInvalidate Kind = "invalidate"
	KindError      Kind = "error"
	KindInfo       Kind = "info"
)

// IsStopLike reports whether a signal of this kind should cause a
// receiving loop to halt its current iteration. Both Stop and Invalidate
// qualify: an invalidated loop's work is no longer wanted, so it must
// stop exactly as if it had been told to directly.
func (k Kind) IsStopLike() bool {
	return k == KindStop || k == KindInvalidate
}

// Target selects which loop(s) a Signal addresses: exactly one of
// LoopID or Selector is set. Selector values follow the
// "descendants:<id>" convention used by the invalidation cascade to
// address every descendant of a loop in one signal send per recipient.
type Target struct {
	LoopID   string
	Selector string
}

// Signal is one persisted coordination record.
type Signal struct {
	ID             string
	Kind           Kind
	SourceLoopID   string
	Target         Target
	Reason               string
	Payload              map[string]string
	CreatedAtMillis      int64
	AcknowledgedAtMillis *int64 // nil until acknowledged
}

// Acknowledged reports whether this signal has been picked up by its
// recipient.
func (s *Signal) Acknowledged() bool {
	return s.AcknowledgedAtMillis != nil
}

// Acknowledge marks the signal as consumed at nowMillis. Idempotent:
// acknowledging an already-acknowledged signal leaves its original
// acknowledgement time untouched, matching signals.rs's acknowledge,
// which is safe to call more than once for the same signal id.
func (s *Signal) Acknowledge(nowMillis int64) {
	if s.AcknowledgedAtMillis != nil {
		return
	}
	t := nowMillis
	s.AcknowledgedAtMillis = &t
}

// MatchesLoop reports whether this signal is addressed directly to
// loopID. A signal addressed by a "descendants:<ancestorID>" selector
// never matches here; signalbus.CheckSelector looks such signals up by
// their exact ancestor id.
func (s *Signal) MatchesLoop(loopID string) bool {
	return s.Target.Selector == "" && s.Target.LoopID == loopID
}

// RecordCollection implements storage.Record.
func (s *Signal) RecordCollection() string { return "signals" }

// RecordID implements storage.Record.
func (s *Signal) RecordID() string { return s.ID }

// RecordUpdatedAtMillis implements storage.Record. Signals are
// immutable except for acknowledgement, so "updated" tracks whichever
// happened most recently.
func (s *Signal) RecordUpdatedAtMillis() int64 {
	if s.AcknowledgedAtMillis != nil && *s.AcknowledgedAtMillis > s.CreatedAtMillis {
		return *s.AcknowledgedAtMillis
	}
	return s.CreatedAtMillis
}

// RecordIndexedFields implements storage.Record.
func (s *Signal) RecordIndexedFields() map[string]storage.IndexValue {
	return map[string]storage.IndexValue{
		"kind":         storage.StringValue(string(s.Kind)),
		"target_loop":  storage.StringValue(s.Target.LoopID),
		"source_loop":  storage.StringValue(s.SourceLoopID),
		"acknowledged": storage.BoolValue(s.Acknowledged()),
	}
}

// RecordTombstone implements storage.Record. Signals are never deleted,
// only acknowledged.
func (s *Signal) RecordTombstone() bool { return false }
