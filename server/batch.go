package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/vinayprograms/docrpc/batch"
	"github.com/vinayprograms/docrpc/errors"
	"github.com/vinayprograms/docrpc/store"
	"github.com/vinayprograms/docrpc/stream"
	"github.com/vinayprograms/docrpc/telemetry"
	"github.com/vinayprograms/docrpc/txn"
)

// documentOp is one item of a batch_documents call.
type documentOp struct {
	Op           string         `json:"op"`
	ResourceType string         `json:"resource_type"`
	Records      []store.Record `json:"records,omitempty"`
	IDs          []string       `json:"ids,omitempty"`

	index int
	table string
}

// count is the number of documents the operation touches.
func (o documentOp) count() int {
	if o.Op == string(txn.KindDelete) {
		return len(o.IDs)
	}
	return len(o.Records)
}

type batchParams struct {
	Operations  []documentOp `json:"operations"`
	Atomic      bool         `json:"atomic"`
	MaxErrors   int          `json:"max_errors"`
	OperationID string       `json:"operation_id"`
}

// opOutcome is the per-item result of an error-tolerant batch.
type opOutcome struct {
	Index        int    `json:"index"`
	Op           string `json:"op"`
	ResourceType string `json:"resource_type"`
	Documents    int    `json:"documents"`
}

// batchResult is the batch_documents response.
type batchResult struct {
	OperationID    string             `json:"operation_id"`
	Atomic         bool               `json:"atomic"`
	Committed      bool               `json:"committed,omitempty"`
	TotalProcessed int                `json:"total_processed"`
	TotalErrors    int                `json:"total_errors"`
	Attempted      int                `json:"attempted"`
	Unattempted    int                `json:"unattempted"`
	Stopped        bool               `json:"stopped,omitempty"`
	Results        []opOutcome        `json:"results"`
	Errors         []stream.ItemError `json:"errors"`
	Progress       []stream.Progress  `json:"progress,omitempty"`
}

func (s *Server) batchDocuments(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p batchParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := s.validateBatch(&p); err != nil {
		return nil, err
	}
	if p.OperationID == "" {
		p.OperationID = uuid.NewString()
	}

	var (
		res *batchResult
		err error
	)
	if p.Atomic {
		res, err = s.runAtomic(ctx, p)
	} else {
		res, err = s.runTolerant(ctx, p)
	}

	// Pipe transports carry progress inside the response.
	progress := s.adapter.DrainProgress(p.OperationID)
	if err != nil {
		return nil, err
	}
	res.Progress = progress
	return res, nil
}

func (s *Server) validateBatch(p *batchParams) error {
	if len(p.Operations) == 0 {
		return errors.InvalidInput("operations must not be empty")
	}
	if len(p.Operations) > s.opts.MaxBatchItems {
		return errors.InvalidInput(fmt.Sprintf("too many operations: %d > %d", len(p.Operations), s.opts.MaxBatchItems))
	}
	if p.MaxErrors < 0 {
		return errors.InvalidInput("max_errors must not be negative")
	}

	for i := range p.Operations {
		op := &p.Operations[i]
		table, ok := s.opts.Resources[op.ResourceType]
		if !ok {
			return errors.InvalidInput(fmt.Sprintf("operations[%d]: unknown resource type %q", i, op.ResourceType))
		}
		op.index = i
		op.table = table

		switch txn.Kind(op.Op) {
		case txn.KindAdd, txn.KindUpdate:
			if len(op.Records) == 0 {
				return errors.InvalidInput(fmt.Sprintf("operations[%d]: %s needs records", i, op.Op))
			}
			if err := store.ValidateRecords(op.Records); err != nil {
				return errors.InvalidInput(fmt.Sprintf("operations[%d]: %v", i, err))
			}
		case txn.KindDelete:
			if len(op.IDs) == 0 {
				return errors.InvalidInput(fmt.Sprintf("operations[%d]: delete needs ids", i))
			}
			if err := store.ValidateIDs(op.IDs); err != nil {
				return errors.InvalidInput(fmt.Sprintf("operations[%d]: %v", i, err))
			}
		default:
			return errors.InvalidInput(fmt.Sprintf("operations[%d]: unknown op %q", i, op.Op))
		}
	}
	return nil
}

func (s *Server) newTxn() *txn.Transaction {
	return txn.New(s.opts.Store, txn.WithLogger(s.opts.Logger), txn.WithTracer(s.opts.Tracer))
}

func queue(tx *txn.Transaction, op documentOp) {
	switch txn.Kind(op.Op) {
	case txn.KindAdd:
		tx.Add(op.table, op.Records...)
	case txn.KindUpdate:
		tx.Update(op.table, op.Records...)
	case txn.KindDelete:
		tx.Delete(op.table, op.IDs...)
	}
}

func batchProgress(opID string, current, total int, status string) stream.Progress {
	return stream.Progress{
		Operation: MethodBatchDocuments,
		Current:   current,
		Total:     total,
		Status:    status,
		Details:   map[string]interface{}{stream.DetailOperationID: opID},
	}
}

// runAtomic commits every operation in one transaction. A failure leaves
// the store as it was and fails the whole call.
func (s *Server) runAtomic(ctx context.Context, p batchParams) (*batchResult, error) {
	reporter := stream.ReporterFrom(ctx)
	total := len(p.Operations)

	tx := s.newTxn()
	for _, op := range p.Operations {
		queue(tx, op)
	}

	reporter.SendProgress(batchProgress(p.OperationID, 0, total, stream.StatusStarted))
	report, err := tx.Commit(ctx)
	if err != nil {
		undone, failures := 0, 0
		if report != nil {
			undone, failures = report.Undone, len(report.Failures)
		}
		reporter.SendProgress(batchProgress(p.OperationID, tx.Completed(), total, stream.StatusFailed))
		s.opts.Metrics.RecordTransaction(false, undone, failures)
		s.events.LogEvent(telemetry.EventTxnFailed, map[string]interface{}{
			"operation_id": p.OperationID,
			"operations":   total,
			"undone":       undone,
			"failures":     failures,
			"error":        err.Error(),
		})
		return nil, err
	}

	reporter.SendProgress(batchProgress(p.OperationID, total, total, stream.StatusCompleted))
	s.opts.Metrics.RecordTransaction(true, 0, 0)
	s.events.LogEvent(telemetry.EventTxnCommitted, map[string]interface{}{
		"operation_id": p.OperationID,
		"operations":   total,
	})

	res := &batchResult{
		OperationID:    p.OperationID,
		Atomic:         true,
		Committed:      true,
		TotalProcessed: total,
		Attempted:      total,
		Results:        make([]opOutcome, total),
		Errors:         []stream.ItemError{},
	}
	for i, op := range p.Operations {
		res.Results[i] = opOutcome{Index: i, Op: op.Op, ResourceType: op.ResourceType, Documents: op.count()}
	}
	return res, nil
}

// runTolerant commits each operation in its own transaction, recording
// failures and continuing until max_errors is reached.
func (s *Server) runTolerant(ctx context.Context, p batchParams) (*batchResult, error) {
	proc := func(ctx context.Context, op documentOp) (opOutcome, error) {
		tx := s.newTxn()
		queue(tx, op)
		report, err := tx.Commit(ctx)
		if err != nil {
			undone, failures := 0, 0
			if report != nil {
				undone, failures = report.Undone, len(report.Failures)
			}
			s.opts.Metrics.RecordTransaction(false, undone, failures)
			return opOutcome{}, err
		}
		s.opts.Metrics.RecordTransaction(true, 0, 0)
		return opOutcome{
			Index:        op.index,
			Op:           op.Op,
			ResourceType: op.ResourceType,
			Documents:    op.count(),
		}, nil
	}

	run, err := batch.Run(ctx, p.Operations, proc, batch.Options{
		Operation:   MethodBatchDocuments,
		OperationID: p.OperationID,
		MaxErrors:   p.MaxErrors,
		Streamer:    s.adapter.NewStreamer(p.OperationID),
	})
	if err != nil {
		return nil, err
	}

	s.opts.Metrics.RecordBatch(MethodBatchDocuments, run.TotalProcessed, run.TotalErrors, run.Unattempted)
	s.events.LogEvent(telemetry.EventBatchCompleted, map[string]interface{}{
		"operation_id": p.OperationID,
		"processed":    run.TotalProcessed,
		"failed":       run.TotalErrors,
		"unattempted":  run.Unattempted,
		"stopped":      run.Stopped,
	})

	return &batchResult{
		OperationID:    p.OperationID,
		TotalProcessed: run.TotalProcessed,
		TotalErrors:    run.TotalErrors,
		Attempted:      run.Attempted,
		Unattempted:    run.Unattempted,
		Stopped:        run.Stopped,
		Results:        run.Results,
		Errors:         run.Errors,
	}, nil
}
