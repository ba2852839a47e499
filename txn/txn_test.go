package txn

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/vinayprograms/docrpc/errors"
	"github.com/vinayprograms/docrpc/logging"
	"github.com/vinayprograms/docrpc/store"
)

func rec(id string, title string) store.Record {
	return store.Record{ID: id, Fields: map[string]interface{}{"title": title}}
}

func newStore(t *testing.T, seed ...store.Record) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore([]string{"documents"})
	if len(seed) > 0 {
		tbl, _ := s.Table("documents")
		if err := tbl.Add(context.Background(), seed); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	return s
}

func contents(t *testing.T, s store.Store) []store.Record {
	t.Helper()
	ctx := context.Background()
	tbl, _ := s.Table("documents")
	v, _ := tbl.Version(ctx)
	snap, err := tbl.Checkout(ctx, v)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	rows, err := snap.Scan(ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	return rows
}

func TestCommit_AppliesInOrder(t *testing.T) {
	s := newStore(t, rec("x", "old x"), rec("y", "old y"))

	tx := New(s).
		Add("documents", rec("a", "A")).
		Update("documents", rec("x", "new x")).
		Delete("documents", "y")

	report, err := tx.Commit(context.Background())
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if report != nil {
		t.Errorf("report = %+v, want nil on success", report)
	}
	if tx.Completed() != 3 {
		t.Errorf("completed = %d", tx.Completed())
	}

	want := []store.Record{rec("a", "A"), rec("x", "new x")}
	if diff := cmp.Diff(want, contents(t, s)); diff != "" {
		t.Errorf("store mismatch (-want +got):\n%s", diff)
	}
}

func TestCommit_FailureRollsBackEverything(t *testing.T) {
	s := newStore(t)

	tx := New(s).
		Add("documents", rec("A", "a")).
		Add("documents", rec("B", "b")).
		Delete("documents", "C")

	report, err := tx.Commit(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, errors.ErrCodeTransaction) {
		t.Fatalf("code = %v, want TRANSACTION_FAILED", errors.Code(err))
	}
	data := errors.As(err).Data()
	if data["completed"] != 2 || data["total"] != 3 {
		t.Errorf("data = %v", data)
	}
	if errors.As(err).RPCCode() != errors.RPCTransactionFailed {
		t.Errorf("rpc code = %d", errors.As(err).RPCCode())
	}

	if report == nil || report.Attempted != 2 || report.Undone != 2 || !report.Clean() {
		t.Errorf("report = %+v", report)
	}
	if rows := contents(t, s); len(rows) != 0 {
		t.Errorf("store should be empty after rollback, got %v", rows)
	}
}

func TestCommit_AtomicStateUnchanged(t *testing.T) {
	seed := []store.Record{rec("1", "one"), rec("2", "two"), rec("3", "three")}
	tests := []struct {
		name string
		tx   func(s store.Store) *Transaction
	}{
		{"update then conflict", func(s store.Store) *Transaction {
			return New(s).
				Update("documents", rec("1", "uno")).
				Add("documents", rec("2", "dup"))
		}},
		{"delete then missing update", func(s store.Store) *Transaction {
			return New(s).
				Delete("documents", "2", "3").
				Update("documents", rec("9", "nine"))
		}},
		{"repeated delete target then conflict", func(s store.Store) *Transaction {
			return New(s).
				Delete("documents", "3", "3").
				Add("documents", rec("1", "dup"))
		}},
		{"repeated update target", func(s store.Store) *Transaction {
			return New(s).
				Add("documents", rec("5", "five")).
				Update("documents", rec("2", "a"), rec("2", "b"))
		}},
		{"add, delete, unknown table", func(s store.Store) *Transaction {
			return New(s).
				Add("documents", rec("4", "four")).
				Delete("documents", "1").
				Add("collections", rec("c", "c"))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t, seed...)
			before := contents(t, s)

			if _, err := tt.tx(s).Commit(context.Background()); err == nil {
				t.Fatal("expected failure")
			}

			if diff := cmp.Diff(before, contents(t, s)); diff != "" {
				t.Errorf("state changed (-before +after):\n%s", diff)
			}
		})
	}
}

func TestCommit_RepeatedTargetRejectedBeforeMutation(t *testing.T) {
	s := newStore(t, rec("C", "c"), rec("X", "x"))

	tx := New(s).
		Delete("documents", "C", "C").
		Add("documents", rec("X", "dup"))
	report, err := tx.Commit(context.Background())
	if !errors.Is(err, errors.ErrCodeTransaction) {
		t.Fatalf("err = %v, want TRANSACTION_FAILED", err)
	}
	if report == nil || report.Attempted != 0 || !report.Clean() {
		t.Errorf("report = %+v, want nothing to undo", report)
	}
	if rb := tx.Operations()[0].RollbackData(); rb != nil {
		t.Errorf("pre-image captured for rejected op: %v", rb)
	}

	tbl, _ := s.Table("documents")
	if _, err := tbl.Get(context.Background(), "C"); err != nil {
		t.Errorf("C lost: %v", err)
	}
}

func TestCommit_CapturesPreImageOnce(t *testing.T) {
	s := newStore(t, rec("x", "v1"))

	tx := New(s).
		Update("documents", rec("x", "v2")).
		Update("documents", rec("x", "v3"))
	if _, err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	ops := tx.Operations()
	if got := ops[0].RollbackData()[0].Fields["title"]; got != "v1" {
		t.Errorf("op0 pre-image = %v, want v1", got)
	}
	if got := ops[1].RollbackData()[0].Fields["title"]; got != "v2" {
		t.Errorf("op1 pre-image = %v, want v2", got)
	}
}

func TestCommit_OnlyOnce(t *testing.T) {
	tx := New(newStore(t)).Add("documents", rec("a", "a"))
	if _, err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, err := tx.Commit(context.Background()); !errors.Is(err, errors.ErrCodeConflict) {
		t.Errorf("second Commit err = %v", err)
	}
}

func TestCommit_CanceledContextStillRollsBack(t *testing.T) {
	s := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	tx := New(&cancelAfterAdd{Store: s, cancel: cancel}).
		Add("documents", rec("a", "a")).
		Add("documents", rec("b", "b"))

	_, err := tx.Commit(ctx)
	if !errors.Is(err, errors.ErrCodeTransaction) {
		t.Fatalf("err = %v", err)
	}
	if rows := contents(t, s); len(rows) != 0 {
		t.Errorf("rollback should run on a canceled context, got %v", rows)
	}
}

func TestRollback_FailureDoesNotStopWalk(t *testing.T) {
	var logs bytes.Buffer
	logger := logging.New()
	logger.SetOutput(&logs)

	s := newStore(t)
	faulty := &faultyStore{Store: s, failDelete: "B"}

	tx := New(faulty, WithLogger(logger)).
		Add("documents", rec("A", "a")).
		Add("documents", rec("B", "b")).
		Add("documents", rec("C", "c")).
		Delete("documents", "missing")

	report, err := tx.Commit(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if report.Attempted != 3 || report.Undone != 2 {
		t.Errorf("report = %+v", report)
	}
	if len(report.Failures) != 1 || report.Failures[0].Step != 1 || report.Failures[0].Kind != KindAdd {
		t.Errorf("failures = %+v", report.Failures)
	}

	ids := make([]string, 0)
	for _, r := range contents(t, s) {
		ids = append(ids, r.ID)
	}
	if diff := cmp.Diff([]string{"B"}, ids); diff != "" {
		t.Errorf("only the failed undo should remain (-want +got):\n%s", diff)
	}
	if !strings.Contains(logs.String(), "rollback_step_failed") {
		t.Errorf("expected rollback failure to be logged, got: %s", logs.String())
	}
}

func TestRollback_StrictReverse(t *testing.T) {
	s := newStore(t)
	rs := &recordingStore{Store: s}

	tx := New(rs).
		Add("documents", rec("1", "a")).
		Add("documents", rec("2", "b")).
		Add("documents", rec("3", "c"))
	if _, err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	rs.deletes = nil

	report := tx.Rollback(context.Background())
	if report.Undone != 3 {
		t.Fatalf("report = %+v", report)
	}
	if diff := cmp.Diff([]string{"3", "2", "1"}, rs.deletes); diff != "" {
		t.Errorf("undo order (-want +got):\n%s", diff)
	}
	if tx.Completed() != 0 {
		t.Error("completed should be cleared after rollback")
	}
}

func TestUpdate_InsertFailureRestoresPreImage(t *testing.T) {
	s := newStore(t, rec("x", "keep"))
	faulty := &faultyStore{Store: s, failAdd: "x", failAddTitle: "bad"}

	_, err := New(faulty).Update("documents", rec("x", "bad")).Commit(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	rows := contents(t, s)
	if len(rows) != 1 || rows[0].Fields["title"] != "keep" {
		t.Errorf("pre-image not restored: %v", rows)
	}
}

// --- test doubles ---

type faultyStore struct {
	store.Store
	failDelete   string
	failAdd      string
	failAddTitle string
}

func (f *faultyStore) Table(name string) (store.Table, error) {
	tbl, err := f.Store.Table(name)
	if err != nil {
		return nil, err
	}
	return &faultyTable{Table: tbl, f: f}, nil
}

type faultyTable struct {
	store.Table
	f *faultyStore
}

func (t *faultyTable) Delete(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if id == t.f.failDelete {
			return fmt.Errorf("disk full deleting %s", id)
		}
	}
	return t.Table.Delete(ctx, ids)
}

func (t *faultyTable) Add(ctx context.Context, records []store.Record) error {
	for _, r := range records {
		if r.ID == t.f.failAdd && r.Fields["title"] == t.f.failAddTitle {
			return fmt.Errorf("write rejected for %s", r.ID)
		}
	}
	return t.Table.Add(ctx, records)
}

type recordingStore struct {
	store.Store
	deletes []string
}

func (r *recordingStore) Table(name string) (store.Table, error) {
	tbl, err := r.Store.Table(name)
	if err != nil {
		return nil, err
	}
	return &recordingTable{Table: tbl, r: r}, nil
}

type recordingTable struct {
	store.Table
	r *recordingStore
}

func (t *recordingTable) Delete(ctx context.Context, ids []string) error {
	t.r.deletes = append(t.r.deletes, ids...)
	return t.Table.Delete(ctx, ids)
}

type cancelAfterAdd struct {
	store.Store
	cancel context.CancelFunc
}

func (c *cancelAfterAdd) Table(name string) (store.Table, error) {
	tbl, err := c.Store.Table(name)
	if err != nil {
		return nil, err
	}
	return &cancelTable{Table: tbl, cancel: c.cancel}, nil
}

type cancelTable struct {
	store.Table
	cancel context.CancelFunc
}

func (t *cancelTable) Add(ctx context.Context, records []store.Record) error {
	err := t.Table.Add(ctx, records)
	t.cancel()
	return err
}
