// Package stream delivers operation progress and result sequences
// independently of the wire transport.
//
// A Streamer is written against once (by the batch engine) and is either
// Buffered, accumulating everything into one aggregate returned at the end
// (pipe transport), or Streaming, emitting one frame per call through an
// Emitter (HTTP event streams).
package stream

import (
	"context"
	"time"
)

// Progress status values.
const (
	StatusStarted    = "started"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// DetailOperationID is the Progress.Details key carrying the operation id
// that transports use to route progress.
const DetailOperationID = "operation_id"

// Progress is an ephemeral progress update. The transport decides how it
// reaches the caller.
type Progress struct {
	Operation string                 `json:"operation"`
	Current   int                    `json:"current"`
	Total     int                    `json:"total"`
	Status    string                 `json:"status"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// OperationID returns the routing id from Details, if any.
func (p Progress) OperationID() string {
	if p.Details == nil {
		return ""
	}
	id, _ := p.Details[DetailOperationID].(string)
	return id
}

// Terminal reports whether no further progress follows this one.
func (p Progress) Terminal() bool {
	return p.Status == StatusCompleted || p.Status == StatusFailed
}

// Reporter accepts best-effort progress updates.
type Reporter interface {
	SendProgress(p Progress)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(p Progress)

// SendProgress implements Reporter.
func (f ReporterFunc) SendProgress(p Progress) {
	f(p)
}

// Discard is a Reporter that drops every update.
var Discard Reporter = ReporterFunc(func(Progress) {})

type reporterKey struct{}

// WithReporter attaches a reporter to ctx.
func WithReporter(ctx context.Context, r Reporter) context.Context {
	return context.WithValue(ctx, reporterKey{}, r)
}

// ReporterFrom returns the reporter attached to ctx, or Discard.
func ReporterFrom(ctx context.Context) Reporter {
	if r, ok := ctx.Value(reporterKey{}).(Reporter); ok && r != nil {
		return r
	}
	return Discard
}

// ItemError describes one failed item in a streamed sequence.
type ItemError struct {
	Index int         `json:"index"`
	Item  interface{} `json:"item,omitempty"`
	Error string      `json:"error"`
	Kind  string      `json:"kind"`
}

// Summary is returned by Complete.
type Summary struct {
	Operation string                 `json:"operation"`
	Total     int                    `json:"total"`
	Items     int                    `json:"items"`
	Errors    int                    `json:"errors"`
	Results   []interface{}          `json:"results,omitempty"`
	Failures  []ItemError            `json:"failures,omitempty"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
	Started   time.Time              `json:"started"`
	Finished  time.Time              `json:"finished"`
}

// Streamer delivers a sequence of result items.
type Streamer interface {
	// Start announces the operation. total < 0 means unknown.
	Start(operation string, total int) error

	// Item delivers one result.
	Item(v interface{}) error

	// Error delivers one item failure.
	Error(e ItemError) error

	// Complete closes the sequence and returns its summary. Calling
	// Complete more than once returns the first summary.
	Complete(meta map[string]interface{}) Summary
}
