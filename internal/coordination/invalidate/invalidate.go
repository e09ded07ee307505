// Package invalidate implements the invalidation cascade: when a loop
// re-iterates (rebases), every descendant loop spawned from its
// previous iteration is stale and must stop. Ported from the original
// implementation's src/coordination/invalidate.rs (InvalidationManager),
// with find_descendants walking an explicit worklist rather than
// recursing, matching the Rust source exactly.
package invalidate

import (
	"encoding/json"

	loopdomain "github.com/scottidler/loopr/internal/domain/loop"
	"github.com/scottidler/loopr/internal/domain/signal"
	"github.com/scottidler/loopr/internal/id"
	"github.com/scottidler/loopr/internal/storage"
	apperrors "github.com/scottidler/loopr/pkg/errors"
)

const loopsCollection = "loops"

// Store is the subset of storage.Store the cascade needs.
type Store interface {
	Save(rec storage.Record) error
	Get(collection, id string) ([]byte, bool, error)
	Query(collection string, filters ...storage.Filter) ([][]byte, error)
}

// loopRecord is a thin JSON view of loop.Loop sufficient for the
// cascade: it needs ID, ParentID, and Status without requiring a
// storage.Record-capable mutex-bearing value.
type loopRecord struct {
	ID       string            `json:"ID"`
	ParentID string            `json:"ParentID"`
	Status   loopdomain.Status `json:"Status"`
}

// Manager walks the parent/child hierarchy persisted in Store to find
// and invalidate descendants.
type Manager struct {
	store Store
}

// New constructs a Manager over store.
func New(store Store) *Manager {
	return &Manager{store: store}
}

func (m *Manager) children(parentID string) ([]loopRecord, error) {
	rows, err := m.store.Query(loopsCollection, storage.Eq("parent_loop", storage.StringValue(parentID)))
	if err != nil {
		return nil, err
	}
	children := make([]loopRecord, 0, len(rows))
	for _, raw := range rows {
		var lr loopRecord
		if err := json.Unmarshal(raw, &lr); err != nil {
			return nil, apperrors.NewInternalErrorWithCause("decoding loop during descendant search", err)
		}
		children = append(children, lr)
	}
	return children, nil
}

// FindDescendants returns every loop transitively parented by parentID,
// walking an explicit worklist (not recursion) over parent_loop links.
func (m *Manager) FindDescendants(parentID string) ([]loopRecord, error) {
	var descendants []loopRecord
	toCheck := []string{parentID}

	for len(toCheck) > 0 {
		n := len(toCheck) - 1
		currentID := toCheck[n]
		toCheck = toCheck[:n]

		children, err := m.children(currentID)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			toCheck = append(toCheck, child.ID)
			descendants = append(descendants, child)
		}
	}
	return descendants, nil
}

// InvalidateDescendants sends an Invalidate signal to, and marks
// Invalidated, every non-terminal descendant of parentID. Returns the
// number of loops actually invalidated; terminal-status descendants are
// skipped and not counted.
func (m *Manager) InvalidateDescendants(parentID, reason string, nowMillis int64) (int, error) {
	descendants, err := m.FindDescendants(parentID)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, descendant := range descendants {
		if descendant.Status.IsTerminal() {
			continue
		}

		sig := &signal.Signal{
			ID:              id.NewSignalID(),
			Kind:            signal.KindInvalidate,
			SourceLoopID:    parentID,
			Target:          signal.Target{LoopID: descendant.ID},
			Reason:          reason,
			CreatedAtMillis: nowMillis,
		}
		if err := m.store.Save(sig); err != nil {
			return count, err
		}

		raw, ok, err := m.store.Get(loopsCollection, descendant.ID)
		if err != nil {
			return count, err
		}
		if !ok {
			continue
		}
		patched, err := patchStatus(raw, loopdomain.StatusInvalidated, nowMillis)
		if err != nil {
			return count, err
		}
		if err := m.store.Save(patched); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// patchStatus decodes a raw loop record, forces its status field, and
// returns a storage.Record wrapping the patched JSON so callers don't
// need the full loop.Loop type (with its unexported mutex) to persist a
// status-only update.
func patchStatus(raw []byte, status loopdomain.Status, nowMillis int64) (storage.Record, error) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, apperrors.NewInternalErrorWithCause("decoding loop for status patch", err)
	}
	statusJSON, err := json.Marshal(status)
	if err != nil {
		return nil, err
	}
	generic["Status"] = statusJSON
	updatedJSON, err := json.Marshal(nowMillis)
	if err != nil {
		return nil, err
	}
	generic["UpdatedAtMillis"] = updatedJSON

	patched, err := json.Marshal(generic)
	if err != nil {
		return nil, apperrors.NewInternalErrorWithCause("re-encoding patched loop", err)
	}

	var id, loopType, parentID string
	_ = json.Unmarshal(generic["ID"], &id)
	_ = json.Unmarshal(generic["Type"], &loopType)
	_ = json.Unmarshal(generic["ParentID"], &parentID)

	return &patchedLoopRecord{
		id:              id,
		updatedAtMillis: nowMillis,
		loopType:        loopType,
		status:          string(status),
		parentID:        parentID,
		raw:             patched,
	}, nil
}

type patchedLoopRecord struct {
	id              string
	updatedAtMillis int64
	loopType        string
	status          string
	parentID        string
	raw             json.RawMessage
}

func (p *patchedLoopRecord) RecordCollection() string     { return loopsCollection }
func (p *patchedLoopRecord) RecordID() string             { return p.id }
func (p *patchedLoopRecord) RecordUpdatedAtMillis() int64 { return p.updatedAtMillis }
func (p *patchedLoopRecord) RecordIndexedFields() map[string]storage.IndexValue {
	return map[string]storage.IndexValue{
		"status":      storage.StringValue(p.status),
		"loop_type":   storage.StringValue(p.loopType),
		"parent_loop": storage.StringValue(p.parentID),
	}
}
func (p *patchedLoopRecord) RecordTombstone() bool { return false }

// MarshalJSON lets storage.Store.Save (which json.Marshal's the Record
// it is given) emit the already-patched raw bytes verbatim instead of
// re-serializing the wrapper struct.
func (p *patchedLoopRecord) MarshalJSON() ([]byte, error) {
	return p.raw, nil
}

// IsDescendantOf reports whether loopID descends from potentialAncestor
// by walking parent_loop links upward, following invalidate.rs's
// recursive is_descendant_of exactly (ported as an iterative loop,
// which is observably identical and avoids unbounded Go call-stack
// growth on a deep or cyclic hierarchy).
func (m *Manager) IsDescendantOf(loopID, potentialAncestor string) (bool, error) {
	currentID := loopID
	for {
		raw, ok, err := m.store.Get(loopsCollection, currentID)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		var lr loopRecord
		if err := json.Unmarshal(raw, &lr); err != nil {
			return false, apperrors.NewInternalErrorWithCause("decoding loop during ancestry check", err)
		}
		if lr.ParentID == "" {
			return false, nil
		}
		if lr.ParentID == potentialAncestor {
			return true, nil
		}
		currentID = lr.ParentID
	}
}

// GetAncestorChain returns every ancestor of loopID from its immediate
// parent up to the root, in that order.
func (m *Manager) GetAncestorChain(loopID string) ([]string, error) {
	var chain []string
	currentID := loopID

	for {
		raw, ok, err := m.store.Get(loopsCollection, currentID)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		var lr loopRecord
		if err := json.Unmarshal(raw, &lr); err != nil {
			return nil, apperrors.NewInternalErrorWithCause("decoding loop during ancestor-chain walk", err)
		}
		if lr.ParentID == "" {
			break
		}
		chain = append(chain, lr.ParentID)
		currentID = lr.ParentID
	}
	return chain, nil
}
