// Package batch runs sequences of independent work items with progress
// reporting and a configurable failure policy, and provides a bounded
// fan-out primitive.
package batch

import (
	"context"
	"fmt"

	"github.com/vinayprograms/docrpc/errors"
	"github.com/vinayprograms/docrpc/stream"
)

// Processor handles one item.
type Processor[T, R any] func(ctx context.Context, item T) (R, error)

// Options configures Run.
type Options struct {
	// Operation labels progress updates and the summary.
	Operation string

	// OperationID routes progress on transports with a progress channel.
	OperationID string

	// Atomic aborts at the first failure by returning an error.
	Atomic bool

	// MaxErrors stops an error-tolerant run once this many items failed.
	// Zero means no limit.
	MaxErrors int

	// Reporter receives one progress update per item. Defaults to the
	// reporter attached to the context.
	Reporter stream.Reporter

	// Streamer receives items and failures. Defaults to a Buffered streamer.
	Streamer stream.Streamer
}

// Result is the terminal outcome of Run.
type Result[R any] struct {
	Operation      string             `json:"operation"`
	TotalProcessed int                `json:"total_processed"`
	TotalErrors    int                `json:"total_errors"`
	Results        []R                `json:"results"`
	Errors         []stream.ItemError `json:"errors"`
	Attempted      int                `json:"attempted"`
	Unattempted    int                `json:"unattempted"`
	Stopped        bool               `json:"stopped,omitempty"`
	Summary        stream.Summary     `json:"-"`
}

// Run processes items strictly in input order.
//
// Successful items append to Results; failures append a structured
// ItemError. With Atomic set the first failure returns a BATCH_ABORTED
// error immediately. Otherwise the run stops once MaxErrors failures are
// recorded and later items are never invoked. Attempted + Unattempted
// always equals len(items), and the streamer is completed on every exit
// path.
func Run[T, R any](ctx context.Context, items []T, proc Processor[T, R], opts Options) (res *Result[R], err error) {
	reporter := opts.Reporter
	if reporter == nil {
		reporter = stream.ReporterFrom(ctx)
	}
	streamer := opts.Streamer
	if streamer == nil {
		streamer = stream.NewBuffered()
	}

	total := len(items)
	res = &Result[R]{
		Operation: opts.Operation,
		Results:   make([]R, 0, total),
		Errors:    make([]stream.ItemError, 0),
	}

	streamer.Start(opts.Operation, total)
	defer func() {
		res.Unattempted = total - res.Attempted
		status := stream.StatusCompleted
		if err != nil {
			status = stream.StatusFailed
		}
		reporter.SendProgress(progress(opts, res.Attempted, total, status))
		res.Summary = streamer.Complete(map[string]interface{}{
			"total_processed": res.TotalProcessed,
			"total_errors":    res.TotalErrors,
			"unattempted":     res.Unattempted,
			"status":          status,
		})
	}()

	for i, item := range items {
		if cerr := ctx.Err(); cerr != nil {
			return res, errors.Wrap(cerr, fmt.Sprintf("%s interrupted at item %d", opts.Operation, i))
		}

		reporter.SendProgress(progress(opts, i, total, stream.StatusInProgress))

		out, perr := invoke(ctx, proc, item)
		res.Attempted++
		if perr == nil {
			res.TotalProcessed++
			res.Results = append(res.Results, out)
			streamer.Item(out)
			continue
		}

		itemErr := stream.ItemError{
			Index: i,
			Item:  item,
			Error: perr.Error(),
			Kind:  errors.Kind(perr),
		}
		res.TotalErrors++
		res.Errors = append(res.Errors, itemErr)
		streamer.Error(itemErr)

		if opts.Atomic {
			return res, errors.New(errors.ErrCodeBatchAborted,
				fmt.Sprintf("%s aborted at item %d", opts.Operation, i),
				errors.WithCause(perr),
				errors.WithData("index", i),
			)
		}
		if opts.MaxErrors > 0 && res.TotalErrors >= opts.MaxErrors {
			res.Stopped = true
			break
		}
	}

	return res, nil
}

// invoke calls proc, converting a panic into an error for that item.
func invoke[T, R any](ctx context.Context, proc Processor[T, R], item T) (out R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.RecoverPanic(r)
		}
	}()
	return proc(ctx, item)
}

func progress(opts Options, current, total int, status string) stream.Progress {
	p := stream.Progress{
		Operation: opts.Operation,
		Current:   current,
		Total:     total,
		Status:    status,
	}
	if opts.OperationID != "" {
		p.Details = map[string]interface{}{stream.DetailOperationID: opts.OperationID}
	}
	return p
}
