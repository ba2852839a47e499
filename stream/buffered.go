package stream

import (
	"sync"
	"time"
)

// Buffered accumulates every item and failure and returns them together
// from Complete.
type Buffered struct {
	mu      sync.Mutex
	summary Summary
	done    bool
}

// NewBuffered creates a buffered streamer.
func NewBuffered() *Buffered {
	return &Buffered{}
}

// Start implements Streamer.
func (b *Buffered) Start(operation string, total int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.summary.Operation = operation
	b.summary.Total = total
	b.summary.Started = time.Now().UTC()
	return nil
}

// Item implements Streamer.
func (b *Buffered) Item(v interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return ErrCompleted
	}
	b.summary.Items++
	b.summary.Results = append(b.summary.Results, v)
	return nil
}

// Error implements Streamer.
func (b *Buffered) Error(e ItemError) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return ErrCompleted
	}
	b.summary.Errors++
	b.summary.Failures = append(b.summary.Failures, e)
	return nil
}

// Complete implements Streamer.
func (b *Buffered) Complete(meta map[string]interface{}) Summary {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.done {
		b.done = true
		b.summary.Meta = meta
		b.summary.Finished = time.Now().UTC()
	}
	return b.summary
}
