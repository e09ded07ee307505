package storage

import (
	"sort"
	"strconv"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	apperrors "github.com/scottidler/loopr/pkg/errors"
)

// indexRow is the gorm model backing the secondary index. It is
// deliberately a single wide table shared by every collection (loops,
// signals, tool_jobs, events) rather than one table per collection, the
// way task_store.rs models a dedicated "loops" table with named
// columns: a rebuildable index earns its keep by being simple to
// regenerate, and a generic projection of whatever fields a Record
// declares keeps Store collection-agnostic. JSONData carries the full
// encoded record for Get; the ValueN/KeyN pairs are a small fixed-width
// EAV projection so common equality filters resolve in SQL instead of
// a full collection scan. Five slots covers the widest Record in the
// system (tool jobs declare five indexed fields); projectFields panics
// rather than silently dropping a field if a Record ever declares more.
type indexRow struct {
	Collection      string `gorm:"primaryKey;column:collection"`
	ID              string `gorm:"primaryKey;column:id"`
	UpdatedAtMillis int64  `gorm:"index;column:updated_at_millis"`
	JSONData        string `gorm:"column:json_data"`

	Key1 string `gorm:"index;column:key1"`
	Val1 string `gorm:"index;column:val1"`
	Key2 string `gorm:"index;column:key2"`
	Val2 string `gorm:"index;column:val2"`
	Key3 string `gorm:"index;column:key3"`
	Val3 string `gorm:"index;column:val3"`
	Key4 string `gorm:"index;column:key4"`
	Val4 string `gorm:"index;column:val4"`
	Key5 string `gorm:"index;column:key5"`
	Val5 string `gorm:"index;column:val5"`
}

func (indexRow) TableName() string { return "records" }

// DBConfig selects which SQL dialect backs the secondary index. Mirrors
// the teacher's persistence.NewDBConnection type/DSN switch.
type DBConfig struct {
	Type string // "sqlite" or "postgres"
	DSN  string
}

// SQLiteIndex wraps the gorm connection backing the secondary index. Despite
// the name it also accepts a postgres DSN via DBConfig, following the
// teacher's db.go, which supports both dialects through one constructor.
type SQLiteIndex struct {
	db *gorm.DB
}

// OpenSQLiteIndex opens (and migrates) the secondary index database.
func OpenSQLiteIndex(cfg DBConfig) (*SQLiteIndex, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case "", "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, apperrors.NewInvalidInputError("unsupported database type: " + cfg.Type)
	}

	gcfg := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	db, err := gorm.Open(dialector, gcfg)
	if err != nil {
		return nil, apperrors.NewWorkspaceErrorWithCause("opening secondary index database", err)
	}
	if err := db.AutoMigrate(&indexRow{}); err != nil {
		return nil, apperrors.NewWorkspaceErrorWithCause("migrating secondary index schema", err)
	}
	return &SQLiteIndex{db: db}, nil
}

// projectFields spreads a record's indexed fields across the key/val
// EAV columns. Deterministic ordering (sorted by key) keeps rebuilds
// reproducible. A record declaring more fields than the row has slots
// is a programming error, not a runtime condition: silently dropping
// one would make every query on the dropped field return nothing.
func projectFields(fields map[string]IndexValue) (k1, v1, k2, v2, k3, v3, k4, v4, k5, v5 string) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	slots := [][2]*string{{&k1, &v1}, {&k2, &v2}, {&k3, &v3}, {&k4, &v4}, {&k5, &v5}}
	if len(keys) > len(slots) {
		panic("storage: record declares more indexed fields than the index has slots")
	}
	for i, k := range keys {
		*slots[i][0] = k
		*slots[i][1] = indexValueString(fields[k])
	}
	return
}

func indexValueString(v IndexValue) string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindBool:
		if v.Bool {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}

// Upsert writes or replaces one record's projection in the index,
// mirroring task_store.rs's INSERT OR REPLACE semantics: the JSONL log
// remains the source of truth, this call only keeps the queryable
// projection in sync with it.
func (s *SQLiteIndex) Upsert(collection, id string, updatedAtMillis int64, jsonData string, fields map[string]IndexValue) error {
	k1, v1, k2, v2, k3, v3, k4, v4, k5, v5 := projectFields(fields)
	row := indexRow{
		Collection:      collection,
		ID:              id,
		UpdatedAtMillis: updatedAtMillis,
		JSONData:        jsonData,
		Key1:            k1, Val1: v1,
		Key2: k2, Val2: v2,
		Key3: k3, Val3: v3,
		Key4: k4, Val4: v4,
		Key5: k5, Val5: v5,
	}
	result := s.db.Save(&row)
	if result.Error != nil {
		return apperrors.NewWorkspaceErrorWithCause("upserting index row", result.Error)
	}
	return nil
}

// Delete removes a record's projection (used when a Record reports
// Tombstone() == true).
func (s *SQLiteIndex) Delete(collection, id string) error {
	result := s.db.Where("collection = ? AND id = ?", collection, id).Delete(&indexRow{})
	if result.Error != nil {
		return apperrors.NewWorkspaceErrorWithCause("deleting index row", result.Error)
	}
	return nil
}

// Truncate removes every row for a collection, used before a full
// rebuild.
func (s *SQLiteIndex) Truncate(collection string) error {
	result := s.db.Where("collection = ?", collection).Delete(&indexRow{})
	if result.Error != nil {
		return apperrors.NewWorkspaceErrorWithCause("truncating index collection "+collection, result.Error)
	}
	return nil
}

// Count returns the number of indexed rows for a collection, the other
// half of Store's rebuild-if-needed heuristic (jsonl_lines > db_count ||
// db_count == 0).
func (s *SQLiteIndex) Count(collection string) (int64, error) {
	var count int64
	result := s.db.Model(&indexRow{}).Where("collection = ?", collection).Count(&count)
	if result.Error != nil {
		return 0, apperrors.NewWorkspaceErrorWithCause("counting index rows", result.Error)
	}
	return count, nil
}

// Get fetches one record's encoded JSON by id.
func (s *SQLiteIndex) Get(collection, id string) (string, bool, error) {
	var row indexRow
	result := s.db.Where("collection = ? AND id = ?", collection, id).First(&row)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return "", false, nil
		}
		return "", false, apperrors.NewWorkspaceErrorWithCause("fetching index row", result.Error)
	}
	return row.JSONData, true, nil
}

// Query returns the encoded JSON of every record in a collection
// matching all of the given filters (AND semantics). A filter matches
// if its field/value pair appears in any of the row's key/val slots.
func (s *SQLiteIndex) Query(collection string, filters []Filter) ([]string, error) {
	q := s.db.Model(&indexRow{}).Where("collection = ?", collection)
	for _, f := range filters {
		val := indexValueString(f.Value)
		q = q.Where(
			"(key1 = ? AND val1 = ?) OR (key2 = ? AND val2 = ?) OR (key3 = ? AND val3 = ?) OR (key4 = ? AND val4 = ?) OR (key5 = ? AND val5 = ?)",
			f.Field, val, f.Field, val, f.Field, val, f.Field, val, f.Field, val,
		)
	}
	var rows []indexRow
	result := q.Find(&rows)
	if result.Error != nil {
		return nil, apperrors.NewWorkspaceErrorWithCause("querying index", result.Error)
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.JSONData)
	}
	return out, nil
}

// All returns the encoded JSON of every record in a collection.
func (s *SQLiteIndex) All(collection string) ([]string, error) {
	var rows []indexRow
	result := s.db.Where("collection = ?", collection).Find(&rows)
	if result.Error != nil {
		return nil, apperrors.NewWorkspaceErrorWithCause("listing index collection "+collection, result.Error)
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.JSONData)
	}
	return out, nil
}

// Close releases the underlying database connection.
func (s *SQLiteIndex) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return apperrors.NewWorkspaceErrorWithCause("obtaining underlying sql.DB", err)
	}
	if err := sqlDB.Close(); err != nil {
		return apperrors.NewWorkspaceErrorWithCause("closing secondary index database", err)
	}
	return nil
}
