// Package server wires the transport, router, batch engine and
// subscription manager into one request loop and registers the built-in
// methods.
package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/vinayprograms/docrpc/logging"
	"github.com/vinayprograms/docrpc/metrics"
	"github.com/vinayprograms/docrpc/router"
	"github.com/vinayprograms/docrpc/store"
	"github.com/vinayprograms/docrpc/stream"
	"github.com/vinayprograms/docrpc/subscription"
	"github.com/vinayprograms/docrpc/telemetry"
	"github.com/vinayprograms/docrpc/transport"
)

// ProtocolVersion is the method-set version reported by initialize.
const ProtocolVersion = "1.0"

// Defaults.
const (
	DefaultMaxConcurrent = 64
	DefaultMaxParallel   = 4
	DefaultMaxBatchItems = 1000
)

// Options configures a Server.
type Options struct {
	Name    string
	Version string

	Adapter       transport.Adapter
	Store         store.Store
	Subscriptions *subscription.Manager

	// Resources maps resource types to store tables.
	Resources map[string]string

	// Methods are registered next to the built-ins. A name clash is an
	// error.
	Methods map[string]router.Handler

	// Middleware wraps every method, built-ins included.
	Middleware []router.Middleware

	MaxConcurrent   int
	MaxParallel     int
	MaxBatchItems   int
	StrictHandshake bool

	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Tracer  *telemetry.Tracer

	// Events receives runtime events. Defaults to a no-op exporter.
	Events telemetry.Exporter
}

// Server is the request loop over one adapter.
type Server struct {
	opts    Options
	adapter transport.Adapter
	router  *router.Router
	sem     *semaphore.Weighted
	logger  *logging.Logger
	events  telemetry.Exporter

	inflight  sync.WaitGroup
	drainOnce sync.Once
	draining  chan struct{}
}

// New builds a server. Adapter, Store and Subscriptions are required.
func New(opts Options) (*Server, error) {
	if opts.Adapter == nil || opts.Store == nil || opts.Subscriptions == nil {
		return nil, fmt.Errorf("server: adapter, store and subscriptions are required")
	}
	if opts.Name == "" {
		opts.Name = "docrpc"
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = DefaultMaxParallel
	}
	if opts.MaxBatchItems <= 0 {
		opts.MaxBatchItems = DefaultMaxBatchItems
	}
	if opts.Logger == nil {
		opts.Logger = logging.New()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.GetTracer()
	}
	if opts.Events == nil {
		opts.Events = telemetry.NewNoopExporter()
	}
	if len(opts.Resources) == 0 {
		opts.Resources = make(map[string]string)
		for _, table := range opts.Store.Tables() {
			opts.Resources[table] = table
		}
	}

	s := &Server{
		opts:     opts,
		adapter:  opts.Adapter,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		logger:   opts.Logger.WithComponent("server"),
		events:   opts.Events,
		draining: make(chan struct{}),
	}

	methods := s.builtins()
	for name, h := range opts.Methods {
		if _, exists := methods[name]; exists {
			return nil, fmt.Errorf("server: method %s is built in", name)
		}
		methods[name] = h
	}

	routerOpts := []router.Option{
		router.WithLogger(opts.Logger),
		router.WithMetrics(opts.Metrics),
		router.WithTracer(opts.Tracer),
		router.WithMiddleware(opts.Middleware...),
	}
	if opts.StrictHandshake {
		routerOpts = append(routerOpts, router.WithStrictHandshake(MethodInitialize, MethodPing))
	}
	s.router = router.New(methods, routerOpts...)
	return s, nil
}

// Router returns the method table.
func (s *Server) Router() *router.Router {
	return s.router
}

// Serve receives messages until the adapter reports end of input or ctx
// ends. Every message is answered by exactly one Send. Messages are
// handled one at a time unless the adapter is concurrent.
func (s *Server) Serve(ctx context.Context) error {
	concurrent := s.adapter.Capabilities().Concurrent
	s.logger.Info("serving", map[string]interface{}{
		"transport": s.adapter.Capabilities().Name,
		"methods":   len(s.router.Methods()),
	})

	for {
		msg, err := s.adapter.Receive(ctx)
		if stderrors.Is(err, io.EOF) {
			s.logger.Info("input closed")
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}

		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		s.inflight.Add(1)
		if concurrent {
			go s.handle(ctx, msg)
		} else {
			s.handle(ctx, msg)
		}
	}
}

func (s *Server) handle(ctx context.Context, msg *transport.InboundMessage) {
	defer s.inflight.Done()
	defer s.sem.Release(1)

	// Handlers outlive a cancelled Serve; Drain bounds them instead.
	ctx = context.WithoutCancel(ctx)
	ctx = stream.WithReporter(ctx, stream.ReporterFunc(s.adapter.SendProgress))

	resp := s.router.Handle(ctx, msg)
	out := &transport.OutboundMessage{Session: msg.Session, Response: resp}
	if err := s.adapter.Send(ctx, out); err != nil {
		s.logger.Warn("send_failed", map[string]interface{}{
			"session": msg.Session,
			"error":   err.Error(),
		})
	}
}

// Drain releases waiting polls and blocks until every in-flight request has
// been answered or ctx ends.
func (s *Server) Drain(ctx context.Context) error {
	s.drainOnce.Do(func() { close(s.draining) })

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
