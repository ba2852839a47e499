// Package txn gives atomic-or-nothing semantics to an ordered list of store
// mutations on top of a store that only offers single-call add and delete.
//
// Forward application is exact: operations run strictly in declaration
// order and the first failure stops everything remaining. Backward recovery
// is best-effort: each applied operation is undone in strict reverse and an
// undo that fails is logged and skipped. The two outcomes are reported
// separately, as the Commit error and a RollbackReport.
package txn

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/vinayprograms/docrpc/errors"
	"github.com/vinayprograms/docrpc/logging"
	"github.com/vinayprograms/docrpc/store"
	"github.com/vinayprograms/docrpc/telemetry"
	"go.opentelemetry.io/otel/trace"
)

// Kind is the mutation an Operation applies.
type Kind string

const (
	KindAdd    Kind = "add"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Operation is one reversible mutation.
type Operation struct {
	Kind  Kind
	Table string

	// Records carries the new data for add and update.
	Records []store.Record

	// IDs names the targets of delete.
	IDs []string

	// rollback holds the pre-image of every record an update or delete
	// touches. It is captured once, immediately before the first mutation.
	rollback []store.Record
	captured bool
}

// Targets returns the ids the operation mutates.
func (op *Operation) Targets() []string {
	if op.Kind == KindDelete {
		return op.IDs
	}
	ids := make([]string, len(op.Records))
	for i, r := range op.Records {
		ids[i] = r.ID
	}
	return ids
}

// RollbackData returns the captured pre-image, or nil before capture.
func (op *Operation) RollbackData() []store.Record {
	return op.rollback
}

// RollbackFailure records one undo step that could not be applied.
type RollbackFailure struct {
	Step  int    `json:"step"`
	Kind  Kind   `json:"kind"`
	Table string `json:"table"`
	Error string `json:"error"`
}

// RollbackReport is the outcome of walking the applied operations backward.
type RollbackReport struct {
	Attempted int               `json:"attempted"`
	Undone    int               `json:"undone"`
	Failures  []RollbackFailure `json:"failures,omitempty"`
}

// Clean reports whether every undo step succeeded.
func (r RollbackReport) Clean() bool {
	return len(r.Failures) == 0
}

// Option configures a Transaction.
type Option func(*Transaction)

// WithLogger sets the logger used for rollback failures.
func WithLogger(l *logging.Logger) Option {
	return func(t *Transaction) {
		t.logger = l
	}
}

// WithTracer sets the tracer used for commit spans.
func WithTracer(tr *telemetry.Tracer) Option {
	return func(t *Transaction) {
		t.tracer = tr
	}
}

// Transaction is an ordered list of reversible operations against one
// store. It commits at most once and is not safe for concurrent use.
type Transaction struct {
	store  store.Store
	logger *logging.Logger
	tracer *telemetry.Tracer

	ops       []*Operation
	completed []*Operation
	finished  bool
}

// New creates an empty transaction over s.
func New(s store.Store, opts ...Option) *Transaction {
	t := &Transaction{
		store:  s,
		logger: logging.Discard(),
		tracer: telemetry.GetTracer(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Add queues insertion of records into table.
func (t *Transaction) Add(table string, records ...store.Record) *Transaction {
	t.ops = append(t.ops, &Operation{Kind: KindAdd, Table: table, Records: records})
	return t
}

// Update queues replacement of existing records in table.
func (t *Transaction) Update(table string, records ...store.Record) *Transaction {
	t.ops = append(t.ops, &Operation{Kind: KindUpdate, Table: table, Records: records})
	return t
}

// Delete queues removal of existing records from table.
func (t *Transaction) Delete(table string, ids ...string) *Transaction {
	t.ops = append(t.ops, &Operation{Kind: KindDelete, Table: table, IDs: ids})
	return t
}

// Operations returns the queued operations in declaration order.
func (t *Transaction) Operations() []*Operation {
	return t.ops
}

// Completed returns the number of operations applied and not rolled back.
func (t *Transaction) Completed() int {
	return len(t.completed)
}

// Commit applies every operation in order. On the first failure it rolls
// back what was applied and returns a TRANSACTION_FAILED error carrying the
// completed and total counts, together with the rollback report. On
// success the report is nil.
func (t *Transaction) Commit(ctx context.Context) (*RollbackReport, error) {
	if t.finished {
		return nil, errors.Conflict("transaction already finished")
	}
	t.finished = true

	ctx, span := t.tracer.StartTxnSpan(ctx)
	total := len(t.ops)

	for _, op := range t.ops {
		if err := ctx.Err(); err != nil {
			return t.abort(ctx, span, total, errors.Wrap(err, "transaction interrupted"))
		}
		if err := t.apply(ctx, op); err != nil {
			return t.abort(ctx, span, total, err)
		}
		t.completed = append(t.completed, op)
	}

	t.tracer.EndTxnSpan(span, telemetry.TxnSpanOptions{Operations: total, Completed: total}, nil)
	return nil, nil
}

func (t *Transaction) abort(ctx context.Context, span trace.Span, total int, cause error) (*RollbackReport, error) {
	completed := len(t.completed)
	// Undo must run even when ctx is the reason we stopped.
	report := t.Rollback(context.WithoutCancel(ctx))
	err := errors.TransactionFailed(completed, total, cause)

	t.tracer.EndTxnSpan(span, telemetry.TxnSpanOptions{
		Operations: total,
		Completed:  completed,
		Undone:     report.Undone,
		Failures:   len(report.Failures),
	}, err)
	return &report, err
}

// Rollback undoes every applied operation in strict reverse order. A failed
// undo step is logged and recorded, and the walk continues.
func (t *Transaction) Rollback(ctx context.Context) RollbackReport {
	var report RollbackReport
	for i := len(t.completed) - 1; i >= 0; i-- {
		op := t.completed[i]
		report.Attempted++
		if err := t.undo(ctx, op); err != nil {
			t.logger.Rollback(i, string(op.Kind), err)
			report.Failures = append(report.Failures, RollbackFailure{
				Step:  i,
				Kind:  op.Kind,
				Table: op.Table,
				Error: err.Error(),
			})
			continue
		}
		report.Undone++
	}
	t.completed = nil
	return report
}

func (t *Transaction) apply(ctx context.Context, op *Operation) error {
	tbl, err := t.table(op.Table)
	if err != nil {
		return err
	}

	switch op.Kind {
	case KindAdd:
		return storeError(tbl.Add(ctx, op.Records), op)

	case KindDelete:
		if err := t.capture(ctx, tbl, op); err != nil {
			return err
		}
		return storeError(tbl.Delete(ctx, op.IDs), op)

	case KindUpdate:
		if err := t.capture(ctx, tbl, op); err != nil {
			return err
		}
		if err := tbl.Delete(ctx, op.Targets()); err != nil {
			return storeError(err, op)
		}
		if err := tbl.Add(ctx, op.Records); err != nil {
			// The delete half landed; put the pre-image back before the
			// earlier operations are rolled back.
			if rerr := tbl.Add(ctx, op.rollback); rerr != nil {
				t.logger.Rollback(len(t.completed), string(op.Kind), rerr)
			}
			return storeError(err, op)
		}
		return nil

	default:
		return errors.InvalidInput(fmt.Sprintf("unknown operation kind %q", op.Kind))
	}
}

// capture snapshots the current state of every target exactly once. A
// missing target fails the operation before anything is mutated.
func (t *Transaction) capture(ctx context.Context, tbl store.Table, op *Operation) error {
	if op.captured {
		return nil
	}
	ids := op.Targets()
	// A repeated target would be captured twice and its undo refused.
	if err := store.ValidateIDs(ids); err != nil {
		return storeError(err, op)
	}
	pre := make([]store.Record, 0, len(ids))
	for _, id := range ids {
		r, err := tbl.Get(ctx, id)
		if err != nil {
			return storeError(err, op, id)
		}
		pre = append(pre, r)
	}
	op.rollback = pre
	op.captured = true
	return nil
}

func (t *Transaction) undo(ctx context.Context, op *Operation) error {
	tbl, err := t.table(op.Table)
	if err != nil {
		return err
	}

	switch op.Kind {
	case KindAdd:
		return tbl.Delete(ctx, op.Targets())
	case KindUpdate:
		if err := tbl.Delete(ctx, op.Targets()); err != nil {
			return err
		}
		return tbl.Add(ctx, op.rollback)
	case KindDelete:
		return tbl.Add(ctx, op.rollback)
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

func (t *Transaction) table(name string) (store.Table, error) {
	tbl, err := t.store.Table(name)
	if stderrors.Is(err, store.ErrUnknownTable) {
		return nil, errors.InvalidInput(fmt.Sprintf("unknown table %q", name))
	}
	if err != nil {
		return nil, errors.Wrap(err, "open table")
	}
	return tbl, nil
}

// storeError maps store sentinels onto typed errors.
func storeError(err error, op *Operation, id ...string) error {
	if err == nil {
		return nil
	}
	detail := fmt.Sprintf("%s %s", op.Kind, op.Table)
	if len(id) > 0 {
		detail += "/" + id[0]
	}
	switch {
	case stderrors.Is(err, store.ErrNotFound):
		return errors.NotFound(detail+": record not found", errors.WithCause(err))
	case stderrors.Is(err, store.ErrConflict):
		return errors.Conflict(detail+": record already exists", errors.WithCause(err))
	case stderrors.Is(err, store.ErrInvalidRecord):
		return errors.InvalidInput(detail+": invalid record", errors.WithCause(err))
	default:
		return errors.Wrap(err, detail)
	}
}
