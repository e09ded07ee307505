package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	apperrors "github.com/scottidler/loopr/pkg/errors"
)

// jsonlEntry is one line of a collection's append-only log: the raw
// encoded record plus enough envelope to recover it without knowing the
// concrete Go type in advance. Mirrors the write-ahead entry shape in
// the teacher's persistent_bus.go (walEntry{Type, Timestamp, Payload}),
// generalized from "event type" to "collection id" since a JSONLLog here
// is one file per collection rather than one shared WAL.
type jsonlEntry struct {
	ID              string          `json:"id"`
	UpdatedAtMillis int64           `json:"updated_at_millis"`
	Tombstone       bool            `json:"tombstone"`
	Data            json.RawMessage `json:"data"`
}

// JSONLLog is the source-of-truth append-only log for one collection.
// Every Append call is an fsync'd single write; Load replays the file
// from the start, using the teacher's bufio.Scanner-based recovery
// so a crash mid-write (a torn trailing line) is skipped rather than
// treated as corruption of the whole file.
type JSONLLog struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// OpenJSONLLog opens (creating if necessary) the append-only log file
// for one collection at dir/<collection>.jsonl.
func OpenJSONLLog(dir, collection string) (*JSONLLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.NewWorkspaceErrorWithCause("creating storage directory", err)
	}
	path := filepath.Join(dir, collection+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, apperrors.NewWorkspaceErrorWithCause("opening jsonl log "+path, err)
	}
	if err := terminateTornLine(f); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &JSONLLog{path: path, file: f}, nil
}

// terminateTornLine writes a newline if the file doesn't already end in
// one. A process killed mid-Append leaves a partial final line; without
// this, the next O_APPEND write would continue on that same line and the
// torn fragment would swallow a good record. Terminated, the fragment
// becomes a line of its own that Load skips as malformed.
func terminateTornLine(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return apperrors.NewWorkspaceErrorWithCause("stat jsonl log", err)
	}
	if info.Size() == 0 {
		return nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return apperrors.NewWorkspaceErrorWithCause("inspecting jsonl log tail", err)
	}
	if last[0] == '\n' {
		return nil
	}
	if _, err := f.Write([]byte("\n")); err != nil {
		return apperrors.NewWorkspaceErrorWithCause("terminating torn jsonl line", err)
	}
	return nil
}

// Append writes one record to the end of the log and fsyncs before
// returning, so a caller that has received a nil error may rely on the
// write surviving a crash.
func (l *JSONLLog) Append(id string, updatedAtMillis int64, tombstone bool, data json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := jsonlEntry{ID: id, UpdatedAtMillis: updatedAtMillis, Tombstone: tombstone, Data: data}
	line, err := json.Marshal(entry)
	if err != nil {
		return apperrors.NewInternalErrorWithCause("marshaling jsonl entry", err)
	}
	line = append(line, '\n')
	if _, err := l.file.Write(line); err != nil {
		return apperrors.NewWorkspaceErrorWithCause("appending to jsonl log "+l.path, err)
	}
	if err := l.file.Sync(); err != nil {
		return apperrors.NewWorkspaceErrorWithCause("fsyncing jsonl log "+l.path, err)
	}
	return nil
}

// LoadResult is one replayed line: Raw is the still-encoded payload so
// the caller can unmarshal into the concrete record type it owns.
type LoadResult struct {
	ID              string
	UpdatedAtMillis int64
	Tombstone       bool
	Raw             json.RawMessage
}

// Load replays the entire log from the start, returning the latest
// surviving line per id (last-line-wins) with tombstoned ids omitted
// from the result. A malformed trailing line — the signature of a
// process killed mid-Append — is skipped rather than failing the whole
// load, following persistent_bus.go's Replay.
func (l *JSONLLog) Load() ([]LoadResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.NewWorkspaceErrorWithCause("opening jsonl log for replay "+l.path, err)
	}
	defer f.Close()

	latest := make(map[string]jsonlEntry)
	order := make([]string, 0)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry jsonlEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			// Torn trailing line from a crash mid-write; skip and keep
			// whatever was already replayed rather than failing load.
			continue
		}
		if _, seen := latest[entry.ID]; !seen {
			order = append(order, entry.ID)
		}
		latest[entry.ID] = entry
	}
	if err := scanner.Err(); err != nil {
		return nil, apperrors.NewWorkspaceErrorWithCause("scanning jsonl log "+l.path, err)
	}

	results := make([]LoadResult, 0, len(order))
	for _, id := range order {
		entry := latest[id]
		if entry.Tombstone {
			continue
		}
		results = append(results, LoadResult{
			ID:              entry.ID,
			UpdatedAtMillis: entry.UpdatedAtMillis,
			Tombstone:       entry.Tombstone,
			Raw:             entry.Data,
		})
	}
	return results, nil
}

// LineCount returns the number of non-empty lines currently in the log,
// used by Store's rebuild-if-needed heuristic to detect an index that
// has fallen behind the log.
func (l *JSONLLog) LineCount() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, apperrors.NewWorkspaceErrorWithCause("opening jsonl log "+l.path, err)
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) > 0 {
			count++
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, apperrors.NewWorkspaceErrorWithCause("scanning jsonl log "+l.path, err)
	}
	return count, nil
}

// Close releases the underlying file handle.
func (l *JSONLLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("closing jsonl log %s: %w", l.path, err)
	}
	return nil
}
