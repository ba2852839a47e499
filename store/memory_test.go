package store

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStore_VersionsAndSnapshots(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore([]string{"documents"})
	tbl, err := s.Table("documents")
	if err != nil {
		t.Fatalf("Table: %v", err)
	}

	if v, _ := tbl.Version(ctx); v != 0 {
		t.Fatalf("initial version = %d, want 0", v)
	}

	if err := tbl.Add(ctx, []Record{{ID: "1", Fields: map[string]interface{}{"text": "a"}}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := tbl.Add(ctx, []Record{{ID: "2"}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := tbl.Delete(ctx, []string{"1"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	v, _ := tbl.Version(ctx)
	if v != 3 {
		t.Fatalf("version = %d, want 3", v)
	}

	snap1, err := tbl.Checkout(ctx, 1)
	if err != nil {
		t.Fatalf("Checkout(1): %v", err)
	}
	rows, _ := snap1.Scan(ctx)
	if len(rows) != 1 || rows[0].ID != "1" {
		t.Errorf("v1 rows = %+v", rows)
	}

	snap3, _ := tbl.Checkout(ctx, 3)
	rows, _ = snap3.Scan(ctx, "id")
	if len(rows) != 1 || rows[0].ID != "2" {
		t.Errorf("v3 rows = %+v", rows)
	}
}

func TestMemoryStore_AddConflictIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	tbl, _ := NewMemoryStore([]string{"t"}).Table("t")

	tbl.Add(ctx, []Record{{ID: "a"}})
	err := tbl.Add(ctx, []Record{{ID: "b"}, {ID: "a"}})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if _, err := tbl.Get(ctx, "b"); !errors.Is(err, ErrNotFound) {
		t.Error("b must not be inserted when the batch conflicts")
	}
	if v, _ := tbl.Version(ctx); v != 1 {
		t.Errorf("version = %d, want 1", v)
	}
}

func TestMemoryStore_InvalidRecords(t *testing.T) {
	ctx := context.Background()
	tbl, _ := NewMemoryStore([]string{"t"}).Table("t")

	if err := tbl.Add(ctx, []Record{{ID: ""}}); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("empty id: err = %v", err)
	}
	if err := tbl.Add(ctx, []Record{{ID: "x"}, {ID: "x"}}); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate ids: err = %v", err)
	}
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	tbl, _ := NewMemoryStore([]string{"t"}).Table("t")
	tbl.Add(ctx, []Record{{ID: "a", Fields: map[string]interface{}{"n": 1}}})

	r, _ := tbl.Get(ctx, "a")
	r.Fields["n"] = 2

	again, _ := tbl.Get(ctx, "a")
	if again.Fields["n"] != 1 {
		t.Error("mutating a returned record must not change the store")
	}
}

func TestMemoryStore_Retention(t *testing.T) {
	ctx := context.Background()
	tbl, _ := NewMemoryStore([]string{"t"}, WithRetention(2)).Table("t")
	for _, id := range []string{"a", "b", "c"} {
		tbl.Add(ctx, []Record{{ID: id}})
	}

	if _, err := tbl.Checkout(ctx, 1); !errors.Is(err, ErrVersionUnavailable) {
		t.Errorf("Checkout(1) err = %v, want ErrVersionUnavailable", err)
	}
	if _, err := tbl.Checkout(ctx, 2); err != nil {
		t.Errorf("Checkout(2) err = %v", err)
	}
	if _, err := tbl.Checkout(ctx, 3); err != nil {
		t.Errorf("Checkout(3) err = %v", err)
	}
}

func TestMemoryStore_UnknownTableAndClose(t *testing.T) {
	s := NewMemoryStore([]string{"b", "a"})
	if got := s.Tables(); len(got) != 2 || got[0] != "a" {
		t.Errorf("Tables() = %v", got)
	}
	if _, err := s.Table("nope"); !errors.Is(err, ErrUnknownTable) {
		t.Errorf("err = %v", err)
	}
	s.Close()
	if _, err := s.Table("a"); !errors.Is(err, ErrClosed) {
		t.Errorf("after close err = %v", err)
	}
}

func TestRecord_Project(t *testing.T) {
	r := Record{ID: "1", Fields: map[string]interface{}{"a": 1, "b": 2}}
	p := r.Project([]string{"a", "missing"})
	if len(p.Fields) != 1 || p.Fields["a"] != 1 {
		t.Errorf("Project = %+v", p)
	}
	if all := r.Project(nil); len(all.Fields) != 2 {
		t.Errorf("Project(nil) = %+v", all)
	}
}
