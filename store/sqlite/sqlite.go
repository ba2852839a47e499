// Package sqlite exposes a SQLite database through the store primitives.
// Rows are never updated in place: each row records the version that added
// it and, once deleted, the version that removed it, so any retained
// version can be checked out with a visibility predicate.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/vinayprograms/docrpc/store"
)

// Store owns the SQLite database.
type Store struct {
	db     *sql.DB
	path   string
	tables map[string]*table
}

// Open opens (creating if needed) the database at path and ensures the
// given tables exist.
func Open(ctx context.Context, path string, tables []string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps version allocation serialized and lets
	// ":memory:" databases survive across calls.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path, tables: make(map[string]*table, len(tables))}
	if err := s.init(ctx, tables); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the underlying SQLite file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) init(ctx context.Context, tables []string) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, stmt := range pragmas {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply pragma %q: %w", stmt, err)
		}
	}

	ddl := []string{
		`CREATE TABLE IF NOT EXISTS table_versions (
			name TEXT PRIMARY KEY,
			version INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS records (
			tbl TEXT NOT NULL,
			id TEXT NOT NULL,
			data TEXT NOT NULL,
			added_version INTEGER NOT NULL,
			removed_version INTEGER,
			PRIMARY KEY (tbl, id, added_version)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_records_live ON records(tbl, removed_version, id);`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	for _, name := range tables {
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO table_versions(name, version) VALUES (?, 0);`, name); err != nil {
			return fmt.Errorf("register table %s: %w", name, err)
		}
		s.tables[name] = &table{db: s.db, name: name}
	}
	return nil
}

// Table returns the named table.
func (s *Store) Table(name string) (store.Table, error) {
	t, ok := s.tables[name]
	if !ok {
		return nil, store.ErrUnknownTable
	}
	return t, nil
}

// Tables lists table names.
func (s *Store) Tables() []string {
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type table struct {
	db   *sql.DB
	name string
}

func (t *table) Name() string {
	return t.name
}

func (t *table) Version(ctx context.Context) (uint64, error) {
	var v uint64
	err := t.db.QueryRowContext(ctx,
		`SELECT version FROM table_versions WHERE name = ?;`, t.name).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read version: %w", err)
	}
	return v, nil
}

func (t *table) Checkout(ctx context.Context, version uint64) (store.Snapshot, error) {
	current, err := t.Version(ctx)
	if err != nil {
		return nil, err
	}
	if version > current {
		return nil, store.ErrVersionUnavailable
	}
	return &snapshot{db: t.db, table: t.name, version: version}, nil
}

func (t *table) Get(ctx context.Context, id string) (store.Record, error) {
	var data string
	err := t.db.QueryRowContext(ctx, `
		SELECT data FROM records
		WHERE tbl = ? AND id = ? AND removed_version IS NULL;
	`, t.name, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, err
	}
	return decodeRecord(id, data, nil)
}

func (t *table) Add(ctx context.Context, records []store.Record) error {
	if err := store.ValidateRecords(records); err != nil {
		return err
	}
	return t.mutate(ctx, func(tx *sql.Tx, next uint64) error {
		ids := make([]interface{}, 0, len(records)+1)
		ids = append(ids, t.name)
		for _, r := range records {
			ids = append(ids, r.ID)
		}
		var live int
		query := `SELECT COUNT(*) FROM records WHERE tbl = ? AND removed_version IS NULL AND id IN (` +
			placeholders(len(records)) + `);`
		if err := tx.QueryRowContext(ctx, query, ids...).Scan(&live); err != nil {
			return err
		}
		if live > 0 {
			return store.ErrConflict
		}

		for _, r := range records {
			data, err := json.Marshal(r.Fields)
			if err != nil {
				return fmt.Errorf("encode record %s: %w", r.ID, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO records(tbl, id, data, added_version) VALUES (?, ?, ?, ?);
			`, t.name, r.ID, string(data), next); err != nil {
				return err
			}
		}
		return nil
	})
}

func (t *table) Delete(ctx context.Context, ids []string) error {
	return t.mutate(ctx, func(tx *sql.Tx, next uint64) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				UPDATE records SET removed_version = ?
				WHERE tbl = ? AND id = ? AND removed_version IS NULL;
			`, next, t.name, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// mutate runs fn inside a SQL transaction and publishes the next version
// only if fn succeeds.
func (t *table) mutate(ctx context.Context, fn func(tx *sql.Tx, next uint64) error) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current uint64
	if err := tx.QueryRowContext(ctx,
		`SELECT version FROM table_versions WHERE name = ?;`, t.name).Scan(&current); err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	next := current + 1

	if err := fn(tx, next); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE table_versions SET version = ? WHERE name = ?;`, next, t.name); err != nil {
		return err
	}
	return tx.Commit()
}

type snapshot struct {
	db      *sql.DB
	table   string
	version uint64
}

func (s *snapshot) Version() uint64 {
	return s.version
}

func (s *snapshot) Scan(ctx context.Context, columns ...string) ([]store.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, data FROM records
		WHERE tbl = ? AND added_version <= ?
		  AND (removed_version IS NULL OR removed_version > ?)
		ORDER BY id;
	`, s.table, s.version, s.version)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Record
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		r, err := decodeRecord(id, data, columns)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func decodeRecord(id, data string, columns []string) (store.Record, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(data), &fields); err != nil {
		return store.Record{}, fmt.Errorf("decode record %s: %w", id, err)
	}
	r := store.Record{ID: id, Fields: fields}
	if len(columns) > 0 {
		r = r.Project(columns)
	}
	return r, nil
}

func placeholders(n int) string {
	if n == 0 {
		return "NULL"
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
