package shutdown

import (
	"context"
	"errors"
	"time"

	"github.com/vinayprograms/docrpc/logging"
)

// Common errors.
var (
	// ErrTimeout indicates shutdown did not complete within the timeout.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed indicates one or more handlers failed during shutdown.
	ErrHandlerFailed = errors.New("one or more handlers failed")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Phases of a server shutdown. Lower phases stop first.
const (
	// PhaseTransport stops accepting messages and closes every event
	// stream and progress queue.
	PhaseTransport = 10

	// PhaseRequests waits for in-flight requests to finish.
	PhaseRequests = 20

	// PhaseSubscriptions stops the change detection loop.
	PhaseSubscriptions = 30

	// PhaseBackends closes the bus, the tracer and the store.
	PhaseBackends = 40
)

// Handler is implemented by components that need graceful shutdown.
type Handler interface {
	// OnShutdown is called when shutdown is initiated.
	// The context will be cancelled when the timeout is reached.
	OnShutdown(ctx context.Context) error
}

// Func is a convenience type for simple shutdown functions.
type Func func(ctx context.Context) error

// OnShutdown implements Handler.
func (f Func) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// HandlerResult contains the result of a single handler's shutdown.
type HandlerResult struct {
	// Name of the handler.
	Name string

	// Phase the handler was registered with.
	Phase int

	// Duration how long the handler took to shut down.
	Duration time.Duration

	// Err is any error returned by the handler.
	Err error
}

// Result contains the complete shutdown result.
type Result struct {
	// TotalDuration of the entire shutdown process.
	TotalDuration time.Duration

	// Results for each handler, in phase order.
	Results []HandlerResult

	// Err is the overall error (nil if all handlers succeeded).
	Err error
}

// Failed returns true if any handler failed.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of handlers that failed.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures the shutdown coordinator.
type Config struct {
	// Timeout bounds a shutdown triggered by a signal.
	// Default: 30 seconds
	Timeout time.Duration

	// DefaultPhase is assigned to handlers registered without a phase.
	// Default: PhaseBackends
	DefaultPhase int

	// ContinueOnError determines whether later phases still run after a
	// handler fails.
	// Default: true
	ContinueOnError bool

	// Logger receives one line per completed handler.
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Timeout < 0 || c.DefaultPhase < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		DefaultPhase:    PhaseBackends,
		ContinueOnError: true,
	}
}

// registration holds a registered handler with its metadata.
type registration struct {
	name    string
	handler Handler
	phase   int
}
