// Package store defines the document-store primitives the docrpc core consumes:
// a monotonically increasing table version, immutable snapshot checkout, a
// column scanner over a snapshot, and add/delete/get for transactions.
//
// The storage engine itself is external. MemoryStore and store/sqlite are
// adapters that expose those primitives over an in-process map and a SQLite
// database respectively.
package store

import (
	"context"
	"errors"
	"sort"
)

// Common errors.
var (
	ErrNotFound           = errors.New("record not found")
	ErrConflict           = errors.New("record already exists")
	ErrUnknownTable       = errors.New("unknown table")
	ErrVersionUnavailable = errors.New("version not available")
	ErrClosed             = errors.New("store closed")
	ErrInvalidRecord      = errors.New("invalid record")
)

// Record is one stored document. Fields hold the JSON-compatible payload,
// including content and metadata columns.
type Record struct {
	ID     string                 `json:"id"`
	Fields map[string]interface{} `json:"fields,omitempty"`
}

// Clone returns a shallow copy with its own field map.
func (r Record) Clone() Record {
	out := Record{ID: r.ID}
	if r.Fields != nil {
		out.Fields = make(map[string]interface{}, len(r.Fields))
		for k, v := range r.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

// Project returns a copy restricted to the given columns.
// No columns means every field.
func (r Record) Project(columns []string) Record {
	if len(columns) == 0 {
		return r.Clone()
	}
	out := Record{ID: r.ID, Fields: make(map[string]interface{}, len(columns))}
	for _, c := range columns {
		if v, ok := r.Fields[c]; ok {
			out.Fields[c] = v
		}
	}
	return out
}

// Store is a collection of named tables.
type Store interface {
	// Table returns the named table or ErrUnknownTable.
	Table(name string) (Table, error)

	// Tables lists table names in sorted order.
	Tables() []string

	// Close releases store resources.
	Close() error
}

// Table is a versioned collection of records. Every successful Add or Delete
// produces a new version; earlier versions stay readable through Checkout
// until the adapter prunes them.
type Table interface {
	// Name returns the table name.
	Name() string

	// Version returns the latest committed version.
	Version(ctx context.Context) (uint64, error)

	// Checkout returns an immutable view of the table at version.
	// Returns ErrVersionUnavailable if the version was pruned or does not exist yet.
	Checkout(ctx context.Context, version uint64) (Snapshot, error)

	// Get returns the live record with the given id or ErrNotFound.
	Get(ctx context.Context, id string) (Record, error)

	// Add inserts records. Returns ErrConflict if any id is already live;
	// in that case nothing is inserted.
	Add(ctx context.Context, records []Record) error

	// Delete removes the live records with the given ids. Absent ids are ignored.
	Delete(ctx context.Context, ids []string) error
}

// Snapshot is an immutable point-in-time view of a table.
type Snapshot interface {
	// Version returns the version this snapshot reflects.
	Version() uint64

	// Scan returns every record projected onto columns, ordered by id.
	// No columns means every field.
	Scan(ctx context.Context, columns ...string) ([]Record, error)
}

// SortRecords orders records by id.
func SortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
}

// ValidateRecords checks ids are non-empty and unique within the batch.
func ValidateRecords(records []Record) error {
	seen := make(map[string]struct{}, len(records))
	for _, r := range records {
		if r.ID == "" {
			return ErrInvalidRecord
		}
		if _, dup := seen[r.ID]; dup {
			return ErrConflict
		}
		seen[r.ID] = struct{}{}
	}
	return nil
}

// ValidateIDs checks ids are non-empty and unique within the batch.
func ValidateIDs(ids []string) error {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			return ErrInvalidRecord
		}
		if _, dup := seen[id]; dup {
			return ErrConflict
		}
		seen[id] = struct{}{}
	}
	return nil
}
