// Package router dispatches JSON-RPC envelopes to named handlers.
//
// Each message goes through three phases: parse, dispatch, respond. The
// method table is fixed when the router is built. A message without an id
// is a notification and never produces a response, whatever its handler
// does; failures are logged instead. An envelope that is not a valid
// request is not a notification: it is answered with id null.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/propagation"

	"github.com/vinayprograms/docrpc/errors"
	"github.com/vinayprograms/docrpc/logging"
	"github.com/vinayprograms/docrpc/metrics"
	"github.com/vinayprograms/docrpc/telemetry"
	"github.com/vinayprograms/docrpc/transport"
)

// Handler serves one method. params is never empty; it defaults to {}.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Middleware wraps the handler of a method. It is applied once, when the
// router is built.
type Middleware func(method string, next Handler) Handler

// Router owns the method table.
type Router struct {
	methods map[string]Handler
	exempt  map[string]bool
	strict  bool
	ready   atomic.Bool

	middleware []Middleware
	logger     *logging.Logger
	metrics    *metrics.Metrics
	tracer     *telemetry.Tracer
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Router) {
		r.logger = l
	}
}

// WithMetrics records one sample per dispatched message.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) {
		r.metrics = m
	}
}

// WithTracer sets the tracer used for request spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(r *Router) {
		r.tracer = t
	}
}

// WithMiddleware wraps every handler. The first middleware is outermost.
func WithMiddleware(mw ...Middleware) Option {
	return func(r *Router) {
		r.middleware = append(r.middleware, mw...)
	}
}

// WithStrictHandshake rejects every method except the exempt ones with
// NOT_INITIALIZED until MarkReady is called.
func WithStrictHandshake(exempt ...string) Option {
	return func(r *Router) {
		r.strict = true
		for _, m := range exempt {
			r.exempt[m] = true
		}
	}
}

// New builds a router over methods. The map is copied.
func New(methods map[string]Handler, opts ...Option) *Router {
	r := &Router{
		methods: make(map[string]Handler, len(methods)),
		exempt:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logging.New()
	}
	r.logger = r.logger.WithComponent("router")
	if r.tracer == nil {
		r.tracer = telemetry.GetTracer()
	}

	for name, h := range methods {
		for i := len(r.middleware) - 1; i >= 0; i-- {
			h = r.middleware[i](name, h)
		}
		r.methods[name] = h
	}
	return r
}

// Methods lists the registered method names.
func (r *Router) Methods() []string {
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MarkReady records a completed handshake.
func (r *Router) MarkReady() {
	if !r.ready.Swap(true) {
		r.logger.Info("ready")
	}
}

// Ready reports whether the handshake has completed.
func (r *Router) Ready() bool {
	return r.ready.Load()
}

// Handle runs one inbound message through parse, dispatch and respond. It
// returns nil when no response must be sent.
func (r *Router) Handle(ctx context.Context, msg *transport.InboundMessage) *transport.Response {
	start := time.Now()
	if len(msg.Metadata) > 0 {
		ctx = telemetry.ExtractContext(ctx, propagation.MapCarrier(msg.Metadata))
	}
	ctx = transport.WithCredentials(ctx, msg.Credentials)

	// Parse
	req, perr := transport.ParseRequest(msg.Raw)
	if perr != nil {
		r.logger.Warn("invalid envelope", map[string]interface{}{
			"code":    perr.Code,
			"session": msg.Session,
		})
		r.metrics.RecordRequest("", perr.Code, time.Since(start))
		var id json.RawMessage
		if req != nil {
			id = req.ID
		}
		return transport.NewErrorResponse(id, perr)
	}

	// Dispatch
	ctx, span := r.tracer.StartRequestSpan(ctx, req.Method)
	params := req.Params
	if len(bytes.TrimSpace(params)) == 0 || string(params) == "null" {
		params = json.RawMessage("{}")
	}
	result, err := r.dispatch(ctx, req.Method, params)
	elapsed := time.Since(start)

	// Respond
	var wire *transport.Error
	if err != nil {
		wire = transport.ErrorFrom(err)
	}
	code := 0
	if wire != nil {
		code = wire.Code
	}
	r.metrics.RecordRequest(req.Method, code, elapsed)
	r.tracer.EndRequestSpan(span, telemetry.RequestSpanOptions{
		Notification: req.IsNotification(),
		ErrorCode:    code,
		Params:       string(params),
	}, err)

	if req.IsNotification() {
		if err != nil {
			r.logger.Notification(req.Method, err)
		}
		return nil
	}
	r.logger.Request(req.Method, elapsed, err)
	if wire != nil {
		return transport.NewErrorResponse(req.ID, wire)
	}
	return transport.NewResponse(req.ID, result)
}

// dispatch looks up and invokes the handler, turning a panic into a PANIC
// error.
func (r *Router) dispatch(ctx context.Context, method string, params json.RawMessage) (result interface{}, err error) {
	h, ok := r.methods[method]
	if !ok {
		return nil, transport.NewError(transport.MethodNotFound, "Method not found", method)
	}
	if r.strict && !r.ready.Load() && !r.exempt[method] {
		return nil, errors.New(errors.ErrCodeNotInitialized,
			fmt.Sprintf("%s called before initialize", method))
	}

	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = errors.RecoverPanic(rec)
		}
	}()
	return h(ctx, params)
}
