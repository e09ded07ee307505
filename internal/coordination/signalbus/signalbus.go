// Package signalbus persists and delivers coordination signals between
// loops: Stop, Pause, Resume, Rebase, Invalidate, Error, and Info.
// Ported from the original implementation's
// src/coordination/signals.rs (SignalManager), backed here by the
// shared storage.Store rather than a bespoke connection.
package signalbus

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/scottidler/loopr/internal/domain/signal"
	"github.com/scottidler/loopr/internal/id"
	"github.com/scottidler/loopr/internal/storage"
	apperrors "github.com/scottidler/loopr/pkg/errors"
)

// Store is the subset of storage.Store the bus needs, narrowed so tests
// can substitute an in-memory fake.
type Store interface {
	Save(rec storage.Record) error
	Get(collection, id string) ([]byte, bool, error)
	Query(collection string, filters ...storage.Filter) ([][]byte, error)
	All(collection string) ([][]byte, error)
}

// Bus sends, queries, and acknowledges signals against a Store.
type Bus struct {
	mu    sync.Mutex
	store Store
}

// New constructs a Bus over store.
func New(store Store) *Bus {
	return &Bus{store: store}
}

const descendantsPrefix = "descendants:"

// Send persists a new signal addressed either to a specific loop or to
// a selector, and returns it.
func (b *Bus) Send(kind signal.Kind, sourceLoopID string, target signal.Target, reason string, payload map[string]string, nowMillis int64) (*signal.Signal, error) {
	if target.LoopID == "" && target.Selector == "" {
		return nil, apperrors.NewInvalidInputError("signal target must set LoopID or Selector")
	}
	s := &signal.Signal{
		ID:              id.NewSignalID(),
		Kind:            kind,
		SourceLoopID:    sourceLoopID,
		Target:          target,
		Reason:          reason,
		Payload:         payload,
		CreatedAtMillis: nowMillis,
	}
	if err := b.store.Save(s); err != nil {
		return nil, err
	}
	return s, nil
}

// SendStop is a convenience wrapper over Send for the common case of
// telling one loop to stop, mirroring signals.rs's send_stop.
func (b *Bus) SendStop(sourceLoopID, targetLoopID, reason string, nowMillis int64) (*signal.Signal, error) {
	return b.Send(signal.KindStop, sourceLoopID, signal.Target{LoopID: targetLoopID}, reason, nil, nowMillis)
}

// SendPause mirrors signals.rs's send_pause.
func (b *Bus) SendPause(sourceLoopID, targetLoopID, reason string, nowMillis int64) (*signal.Signal, error) {
	return b.Send(signal.KindPause, sourceLoopID, signal.Target{LoopID: targetLoopID}, reason, nil, nowMillis)
}

// SendResume mirrors signals.rs's send_resume.
func (b *Bus) SendResume(sourceLoopID, targetLoopID, reason string, nowMillis int64) (*signal.Signal, error) {
	return b.Send(signal.KindResume, sourceLoopID, signal.Target{LoopID: targetLoopID}, reason, nil, nowMillis)
}

// SendInvalidate mirrors signals.rs's send_invalidate, addressing a
// single loop; the invalidation cascade (package invalidate) is
// responsible for sending one such signal per affected descendant.
func (b *Bus) SendInvalidate(sourceLoopID, targetLoopID, reason string, nowMillis int64) (*signal.Signal, error) {
	return b.Send(signal.KindInvalidate, sourceLoopID, signal.Target{LoopID: targetLoopID}, reason, nil, nowMillis)
}

func (b *Bus) load(raw []byte) (*signal.Signal, error) {
	var s signal.Signal
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, apperrors.NewInternalErrorWithCause("decoding signal", err)
	}
	return &s, nil
}

// Check returns every unacknowledged signal addressed directly to
// loopID (target_loop == loopID). Selector-addressed signals are not
// resolved here; callers that need descendants:<id> matching should use
// CheckSelector with the ancestor id, or consult invalidate.Manager for
// hierarchy-aware resolution.
func (b *Bus) Check(loopID string) ([]*signal.Signal, error) {
	rows, err := b.store.Query("signals", storage.Eq("target_loop", storage.StringValue(loopID)))
	if err != nil {
		return nil, err
	}
	var out []*signal.Signal
	for _, raw := range rows {
		s, err := b.load(raw)
		if err != nil {
			return nil, err
		}
		if !s.Acknowledged() {
			out = append(out, s)
		}
	}
	return out, nil
}

// CheckSelector returns every unacknowledged signal whose selector is
// exactly "descendants:<ancestorID>".
func (b *Bus) CheckSelector(ancestorID string) ([]*signal.Signal, error) {
	all, err := b.Pending()
	if err != nil {
		return nil, err
	}
	want := descendantsPrefix + ancestorID
	var out []*signal.Signal
	for _, s := range all {
		if s.Target.Selector == want {
			out = append(out, s)
		}
	}
	return out, nil
}

// HasStopSignal reports whether loopID has an unacknowledged stop-like
// signal (Stop or Invalidate) addressed directly to it.
func (b *Bus) HasStopSignal(loopID string) (bool, error) {
	signals, err := b.Check(loopID)
	if err != nil {
		return false, err
	}
	for _, s := range signals {
		if s.Kind.IsStopLike() {
			return true, nil
		}
	}
	return false, nil
}

// HasPauseSignal reports whether loopID has an unacknowledged pause
// signal addressed directly to it.
func (b *Bus) HasPauseSignal(loopID string) (bool, error) {
	return b.hasKind(loopID, signal.KindPause)
}

// HasRebaseSignal reports whether loopID has an unacknowledged rebase
// signal addressed directly to it.
func (b *Bus) HasRebaseSignal(loopID string) (bool, error) {
	return b.hasKind(loopID, signal.KindRebase)
}

func (b *Bus) hasKind(loopID string, kind signal.Kind) (bool, error) {
	signals, err := b.Check(loopID)
	if err != nil {
		return false, err
	}
	for _, s := range signals {
		if s.Kind == kind {
			return true, nil
		}
	}
	return false, nil
}

// TakeStopSignal consumes the oldest unacknowledged stop-like signal
// addressed to loopID: the signal is acknowledged and true is returned.
// The oldest one wins (by created_at, ties by id) so a Stop issued
// before a later Pause is the one acted on. Returns false when no
// stop-like signal is pending.
func (b *Bus) TakeStopSignal(loopID string, nowMillis int64) (bool, error) {
	signals, err := b.Check(loopID)
	if err != nil {
		return false, err
	}
	var oldest *signal.Signal
	for _, s := range signals {
		if !s.Kind.IsStopLike() {
			continue
		}
		if oldest == nil ||
			s.CreatedAtMillis < oldest.CreatedAtMillis ||
			(s.CreatedAtMillis == oldest.CreatedAtMillis && s.ID < oldest.ID) {
			oldest = s
		}
	}
	if oldest == nil {
		return false, nil
	}
	if err := b.Acknowledge(oldest.ID, nowMillis); err != nil {
		return false, err
	}
	return true, nil
}

// Acknowledge marks a signal consumed. Acknowledging an unknown id is a
// not-found error; acknowledging an already-acknowledged signal is a
// no-op, matching signal.Signal.Acknowledge's idempotence.
func (b *Bus) Acknowledge(signalID string, nowMillis int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	raw, ok, err := b.store.Get("signals", signalID)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.NewNotFoundError("signal not found: " + signalID)
	}
	s, err := b.load(raw)
	if err != nil {
		return err
	}
	s.Acknowledge(nowMillis)
	return b.store.Save(s)
}

// Pending returns every unacknowledged signal in the system.
func (b *Bus) Pending() ([]*signal.Signal, error) {
	rows, err := b.store.All("signals")
	if err != nil {
		return nil, err
	}
	var out []*signal.Signal
	for _, raw := range rows {
		s, err := b.load(raw)
		if err != nil {
			return nil, err
		}
		if !s.Acknowledged() {
			out = append(out, s)
		}
	}
	return out, nil
}

// DescendantsSelector builds the "descendants:<id>" selector string the
// invalidation cascade addresses a whole subtree with.
func DescendantsSelector(ancestorID string) string {
	return descendantsPrefix + ancestorID
}

// ParseDescendantsSelector extracts the ancestor id from a
// "descendants:<id>" selector, or ok==false if selector isn't one.
func ParseDescendantsSelector(selector string) (ancestorID string, ok bool) {
	if !strings.HasPrefix(selector, descendantsPrefix) {
		return "", false
	}
	return strings.TrimPrefix(selector, descendantsPrefix), true
}
