package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store. Each table keeps copy-on-write
// versions: a mutation copies the live map, applies the change and
// publishes it as the next version, so snapshots never change underneath
// a reader.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string]*memoryTable
	closed bool
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*memoryConfig)

type memoryConfig struct {
	retain int
}

// WithRetention keeps only the latest n versions per table (0 keeps all).
func WithRetention(n int) MemoryOption {
	return func(c *memoryConfig) {
		c.retain = n
	}
}

// NewMemoryStore creates a store holding the given empty tables at version 0.
func NewMemoryStore(tables []string, opts ...MemoryOption) *MemoryStore {
	var cfg memoryConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &MemoryStore{tables: make(map[string]*memoryTable, len(tables))}
	for _, name := range tables {
		s.tables[name] = &memoryTable{
			name:     name,
			retain:   cfg.retain,
			versions: map[uint64]map[string]Record{0: {}},
		}
	}
	return s
}

// Table returns the named table.
func (s *MemoryStore) Table(name string) (Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	t, ok := s.tables[name]
	if !ok {
		return nil, ErrUnknownTable
	}
	return t, nil
}

// Tables lists table names.
func (s *MemoryStore) Tables() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close marks the store closed. Tables already handed out keep working.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

type memoryTable struct {
	name   string
	retain int

	mu       sync.RWMutex
	current  uint64
	versions map[uint64]map[string]Record
}

func (t *memoryTable) Name() string {
	return t.name
}

func (t *memoryTable) Version(ctx context.Context) (uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current, nil
}

func (t *memoryTable) Checkout(ctx context.Context, version uint64) (Snapshot, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rows, ok := t.versions[version]
	if !ok {
		return nil, ErrVersionUnavailable
	}
	return &memorySnapshot{version: version, rows: rows}, nil
}

func (t *memoryTable) Get(ctx context.Context, id string) (Record, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r, ok := t.versions[t.current][id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r.Clone(), nil
}

func (t *memoryTable) Add(ctx context.Context, records []Record) error {
	if err := ValidateRecords(records); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	live := t.versions[t.current]
	for _, r := range records {
		if _, exists := live[r.ID]; exists {
			return ErrConflict
		}
	}

	next := copyRows(live, len(records))
	for _, r := range records {
		next[r.ID] = r.Clone()
	}
	t.publish(next)
	return nil
}

func (t *memoryTable) Delete(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	next := copyRows(t.versions[t.current], 0)
	for _, id := range ids {
		delete(next, id)
	}
	t.publish(next)
	return nil
}

// publish installs rows as the next version and prunes old ones.
// Caller holds t.mu.
func (t *memoryTable) publish(rows map[string]Record) {
	t.current++
	t.versions[t.current] = rows
	if t.retain > 0 && t.current >= uint64(t.retain) {
		for v := range t.versions {
			if v+uint64(t.retain) <= t.current {
				delete(t.versions, v)
			}
		}
	}
}

func copyRows(src map[string]Record, extra int) map[string]Record {
	dst := make(map[string]Record, len(src)+extra)
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

type memorySnapshot struct {
	version uint64
	rows    map[string]Record
}

func (s *memorySnapshot) Version() uint64 {
	return s.version
}

func (s *memorySnapshot) Scan(ctx context.Context, columns ...string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, r.Project(columns))
	}
	SortRecords(out)
	return out, nil
}
