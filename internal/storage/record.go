// Package storage implements the dual-storage persistence layer: a
// per-collection append-only JSONL log (source of truth, crash-safe) plus
// a SQLite-backed secondary index rebuilt deterministically from the log.
// Grounded in the teacher's internal/infrastructure/eventbus/persistent_bus.go
// (write-ahead file, line-by-line replay, torn-trailing-line recovery)
// and in the original implementation's src/store/task_store.rs (rebuild
// heuristic, indexed columns plus a json_data blob). The index here is one
// shared table for every collection; see indexRow in sqliteindex.go.
package storage

// IndexValueKind is the closed set of scalar types an indexed field may
// hold.
type IndexValueKind int

const (
	KindString IndexValueKind = iota
	KindInt
	KindBool
)

// IndexValue is a typed scalar usable in an equality filter or as an
// indexed column. Exactly one of the three fields is meaningful,
// selected by Kind.
type IndexValue struct {
	Kind IndexValueKind
	Str  string
	Int  int64
	Bool bool
}

func StringValue(s string) IndexValue { return IndexValue{Kind: KindString, Str: s} }
func IntValue(i int64) IndexValue     { return IndexValue{Kind: KindInt, Int: i} }
func BoolValue(b bool) IndexValue     { return IndexValue{Kind: KindBool, Bool: b} }

// Equal reports whether two IndexValues of the same kind hold the same
// scalar. Values of differing kind are never equal.
func (v IndexValue) Equal(other IndexValue) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindString:
		return v.Str == other.Str
	case KindInt:
		return v.Int == other.Int
	case KindBool:
		return v.Bool == other.Bool
	default:
		return false
	}
}

// FilterOp is the set of comparison operators a Filter may apply.
// Only equality is specified by the core; kept as an enum (rather than
// collapsing to a bare equality check) because the original implementation
// models filters the same way and a future selector (e.g. "created before")
// has an obvious home here.
type FilterOp int

const (
	OpEq FilterOp = iota
)

// Filter is one equality predicate over an indexed field.
type Filter struct {
	Field string
	Op    FilterOp
	Value IndexValue
}

// Eq constructs an equality filter, mirroring original_source's
// Filter::eq convenience constructor.
func Eq(field string, value IndexValue) Filter {
	return Filter{Field: field, Op: OpEq, Value: value}
}

// Record is implemented by every entity persisted through Store: Loop,
// Signal, ToolJob, Event. Method names are prefixed with "Record" rather
// than the shorter ID()/Type() etc. because every implementing type
// already exposes plain ID/Type/Status/UpdatedAtMillis fields of its
// own; a bare ID() method would collide with the ID field.
//
// RecordCollection names the append-log file and the index table;
// RecordID is the primary key; RecordUpdatedAtMillis drives the index's
// updated_at column; RecordIndexedFields declares which fields the
// secondary index projects as queryable columns; RecordTombstone reports
// whether this value represents a logical delete.
type Record interface {
	RecordCollection() string
	RecordID() string
	RecordUpdatedAtMillis() int64
	RecordIndexedFields() map[string]IndexValue
	RecordTombstone() bool
}
