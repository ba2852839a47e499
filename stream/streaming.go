package stream

import (
	"errors"
	"sync"
	"time"
)

// ErrCompleted is returned when writing to a completed streamer.
var ErrCompleted = errors.New("stream already completed")

// Event names emitted by Streaming.
const (
	EventStart    = "start"
	EventItem     = "item"
	EventError    = "error"
	EventComplete = "complete"
)

// Emitter writes one wire frame.
type Emitter interface {
	Emit(event string, data interface{}) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(event string, data interface{}) error

// Emit implements Emitter.
func (f EmitterFunc) Emit(event string, data interface{}) error {
	return f(event, data)
}

// Streaming emits one frame per call. Its summary carries counts only; the
// items themselves have already been delivered.
type Streaming struct {
	emitter Emitter

	mu      sync.Mutex
	summary Summary
	done    bool
}

// NewStreaming creates a streamer writing through emitter.
func NewStreaming(emitter Emitter) *Streaming {
	return &Streaming{emitter: emitter}
}

// Start implements Streamer.
func (s *Streaming) Start(operation string, total int) error {
	s.mu.Lock()
	s.summary.Operation = operation
	s.summary.Total = total
	s.summary.Started = time.Now().UTC()
	s.mu.Unlock()

	return s.emitter.Emit(EventStart, map[string]interface{}{
		"operation": operation,
		"total":     total,
	})
}

// Item implements Streamer.
func (s *Streaming) Item(v interface{}) error {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return ErrCompleted
	}
	s.summary.Items++
	index := s.summary.Items + s.summary.Errors - 1
	s.mu.Unlock()

	return s.emitter.Emit(EventItem, map[string]interface{}{
		"index": index,
		"item":  v,
	})
}

// Error implements Streamer.
func (s *Streaming) Error(e ItemError) error {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return ErrCompleted
	}
	s.summary.Errors++
	s.mu.Unlock()

	return s.emitter.Emit(EventError, e)
}

// Complete implements Streamer. The complete frame is emitted once.
func (s *Streaming) Complete(meta map[string]interface{}) Summary {
	s.mu.Lock()
	if s.done {
		summary := s.summary
		s.mu.Unlock()
		return summary
	}
	s.done = true
	s.summary.Meta = meta
	s.summary.Finished = time.Now().UTC()
	summary := s.summary
	s.mu.Unlock()

	s.emitter.Emit(EventComplete, summary)
	return summary
}
