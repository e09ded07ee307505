package storage

import (
	"encoding/json"
	"sync"

	apperrors "github.com/scottidler/loopr/pkg/errors"
)

// Store combines a per-collection JSONLLog (source of truth) with a
// shared SQLiteIndex (rebuildable secondary index), matching
// task_store.rs's TaskStore: every write lands in the log first, then
// the index; every read goes to the index as it stands. Reads do not
// rebuild a stale index themselves; EnsureFresh does that when called
// (the daemon host calls it for each collection at startup). Writes are
// serialised through one store-wide
// mutex so a log append and its index upsert land together; reads go
// straight to the index and may run concurrently.
type Store struct {
	mu    sync.Mutex
	dir   string
	index *SQLiteIndex
	logs  map[string]*JSONLLog
}

// New opens a Store rooted at dir, sharing one SQLiteIndex connection
// across every collection.
func New(dir string, index *SQLiteIndex) *Store {
	return &Store{dir: dir, index: index, logs: make(map[string]*JSONLLog)}
}

func (s *Store) logFor(collection string) (*JSONLLog, error) {
	if l, ok := s.logs[collection]; ok {
		return l, nil
	}
	l, err := OpenJSONLLog(s.dir, collection)
	if err != nil {
		return nil, err
	}
	s.logs[collection] = l
	return l, nil
}

// Save appends rec to its collection's log and upserts (or deletes, if
// rec.RecordTombstone() is true) its index projection. The log write
// happens first and is fsync'd before the index is touched, so a crash
// between the two leaves the index behind but never ahead — exactly the
// condition rebuildIfNeeded detects and repairs.
func (s *Store) Save(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return apperrors.NewInternalErrorWithCause("marshaling record", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log, err := s.logFor(rec.RecordCollection())
	if err != nil {
		return err
	}
	if err := log.Append(rec.RecordID(), rec.RecordUpdatedAtMillis(), rec.RecordTombstone(), data); err != nil {
		return err
	}

	if rec.RecordTombstone() {
		return s.index.Delete(rec.RecordCollection(), rec.RecordID())
	}
	return s.index.Upsert(rec.RecordCollection(), rec.RecordID(), rec.RecordUpdatedAtMillis(), string(data), rec.RecordIndexedFields())
}

// Delete logically removes a record: a tombstone line is appended to
// the log (the file is never rewritten) and the record's index row is
// dropped. Deleting an id that was never written is not an error — the
// tombstone simply records that nothing lives there.
func (s *Store) Delete(collection, id string, nowMillis int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, err := s.logFor(collection)
	if err != nil {
		return err
	}
	if err := log.Append(id, nowMillis, true, json.RawMessage("null")); err != nil {
		return err
	}
	return s.index.Delete(collection, id)
}

// EnsureFresh rebuilds a collection's index from its log if the index
// has fallen behind, per the heuristic confirmed in task_store.rs:
// rebuild when the log has more lines than the index has rows, or when
// the index is empty but the log is not.
//
// decode is supplied by the caller because Store does not know the
// concrete Go type for a collection; it receives each loaded record's
// raw JSON and must return its indexed fields for the rebuilt
// projection.
func (s *Store) EnsureFresh(collection string, decode func(raw json.RawMessage) (fields map[string]IndexValue, err error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, err := s.logFor(collection)
	if err != nil {
		return err
	}

	lineCount, err := log.LineCount()
	if err != nil {
		return err
	}
	dbCount, err := s.index.Count(collection)
	if err != nil {
		return err
	}
	if int64(lineCount) <= dbCount && dbCount != 0 {
		return nil
	}

	results, err := log.Load()
	if err != nil {
		return err
	}
	if err := s.index.Truncate(collection); err != nil {
		return err
	}
	for _, r := range results {
		fields, err := decode(r.Raw)
		if err != nil {
			return apperrors.NewInternalErrorWithCause("decoding record during index rebuild", err)
		}
		if err := s.index.Upsert(collection, r.ID, r.UpdatedAtMillis, string(r.Raw), fields); err != nil {
			return err
		}
	}
	return nil
}

// Get fetches one record's raw JSON by id, or ok==false if absent.
func (s *Store) Get(collection, id string) (raw []byte, ok bool, err error) {
	data, found, err := s.index.Get(collection, id)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	return []byte(data), true, nil
}

// Query returns the raw JSON of every record in a collection matching
// all given filters.
func (s *Store) Query(collection string, filters ...Filter) ([][]byte, error) {
	rows, err := s.index.Query(collection, filters)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(rows))
	for i, r := range rows {
		out[i] = []byte(r)
	}
	return out, nil
}

// All returns the raw JSON of every record in a collection.
func (s *Store) All(collection string) ([][]byte, error) {
	rows, err := s.index.All(collection)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(rows))
	for i, r := range rows {
		out[i] = []byte(r)
	}
	return out, nil
}

// Close releases every open log file and the shared index connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, l := range s.logs {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.index.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
