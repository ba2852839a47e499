package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/propagation"

	rpcerrors "github.com/vinayprograms/docrpc/errors"
	"github.com/vinayprograms/docrpc/logging"
	"github.com/vinayprograms/docrpc/metrics"
	"github.com/vinayprograms/docrpc/stream"
	"github.com/vinayprograms/docrpc/subscription"
)

// HTTPConfig holds HTTP adapter configuration.
type HTTPConfig struct {
	// Addr is the listen address. Empty means the caller serves Handler
	// itself.
	Addr string

	// BasePath prefixes every endpoint, e.g. "/api".
	BasePath string

	// Keepalive is the idle period after which event streams send a
	// comment frame.
	// Default: 25s
	Keepalive time.Duration

	// ProgressQueue is the per-operation progress buffer. When full the
	// oldest frame is dropped.
	// Default: 64
	ProgressQueue int

	// ProgressRetention is how long a finished operation's queue is kept
	// for a late listener.
	// Default: 5m
	ProgressRetention time.Duration

	// MaxBodyBytes limits a request envelope.
	// Default: 1MB
	MaxBodyBytes int64

	// Subscriptions backs the /subscribe stream. Without it the endpoint
	// is not mounted.
	Subscriptions SubscriptionSource

	// Authorize, when set, admits callers of the event stream endpoints.
	// It receives the request credentials in ctx and the endpoint name.
	Authorize Authorizer

	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// DefaultHTTPConfig returns configuration with sensible defaults.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Keepalive:         25 * time.Second,
		ProgressQueue:     64,
		ProgressRetention: 5 * time.Minute,
		MaxBodyBytes:      DefaultMaxMessageSize,
	}
}

func (c *HTTPConfig) applyDefaults() {
	d := DefaultHTTPConfig()
	if c.Keepalive <= 0 {
		c.Keepalive = d.Keepalive
	}
	if c.ProgressQueue <= 0 {
		c.ProgressQueue = d.ProgressQueue
	}
	if c.ProgressRetention <= 0 {
		c.ProgressRetention = d.ProgressRetention
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	c.BasePath = "/" + strings.Trim(c.BasePath, "/")
	if c.BasePath == "/" {
		c.BasePath = ""
	}
}

// Endpoint names passed to an Authorizer.
const (
	EndpointProgress  = "progress"
	EndpointSubscribe = "subscribe"
)

// Authorizer decides whether the caller in ctx may open an event stream.
// A non-nil error refuses the request.
type Authorizer func(ctx context.Context, endpoint string) error

// traceFields are the headers copied into message metadata.
var traceFields = propagation.NewCompositeTextMapPropagator(
	propagation.TraceContext{}, propagation.Baggage{},
).Fields()

// HTTPAdapter implements Adapter over HTTP.
//
// Every POST to {base}/jsonrpc is its own session: the body is handed to
// Receive and the handler blocks until Send delivers the reply, which is
// always written with status 200. Two endpoints hold event streams open:
// {base}/progress/{operation_id} and {base}/subscribe.
type HTTPAdapter struct {
	config HTTPConfig
	logger *logging.Logger
	mux    *http.ServeMux
	server *http.Server

	inbox chan *InboundMessage
	done  chan struct{}

	mu      sync.Mutex
	pending map[string]chan *OutboundMessage
	queues  map[string]*progressQueue
	streams map[string]context.CancelFunc
	active  sync.WaitGroup
	started bool
	closed  bool
}

// progressQueue buffers the frames of one operation until a listener
// drains them. It is guarded by the adapter mutex.
type progressQueue struct {
	events     chan Event
	streaming  bool
	closed     bool
	issued     bool
	listeners  int
	seq        int
	finishedAt time.Time
}

// NewHTTPAdapter creates an HTTP adapter.
func NewHTTPAdapter(cfg HTTPConfig) *HTTPAdapter {
	cfg.applyDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New()
	}

	a := &HTTPAdapter{
		config:  cfg,
		logger:  logger.WithComponent("transport.http"),
		mux:     http.NewServeMux(),
		inbox:   make(chan *InboundMessage),
		done:    make(chan struct{}),
		pending: make(map[string]chan *OutboundMessage),
		queues:  make(map[string]*progressQueue),
		streams: make(map[string]context.CancelFunc),
	}

	base := cfg.BasePath
	a.mux.HandleFunc("POST "+base+"/jsonrpc", a.handleRPC)
	a.mux.HandleFunc("GET "+base+"/progress/{operation_id}", a.handleProgress)
	if cfg.Subscriptions != nil {
		a.mux.HandleFunc("GET "+base+"/subscribe", a.handleSubscribe)
	}
	a.mux.HandleFunc("GET "+base+"/health", a.handleHealth)
	return a
}

// Handle mounts an extra handler, such as metrics, under the base path.
func (a *HTTPAdapter) Handle(path string, h http.Handler) {
	a.mux.Handle(a.config.BasePath+path, h)
}

// Handler returns the adapter's HTTP handler.
func (a *HTTPAdapter) Handler() http.Handler {
	return a.mux
}

// Initialize starts listening when an address is configured.
func (a *HTTPAdapter) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if a.started {
		return nil
	}
	a.started = true

	if a.config.Addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", a.config.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.config.Addr, err)
	}
	a.server = &http.Server{
		Handler:           a.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("server stopped", map[string]interface{}{"error": err.Error()})
		}
	}()
	a.logger.Info("listening", map[string]interface{}{"addr": ln.Addr().String(), "base": a.config.BasePath})
	return nil
}

// Receive blocks for the next posted envelope. It returns io.EOF after
// Shutdown.
func (a *HTTPAdapter) Receive(ctx context.Context) (*InboundMessage, error) {
	select {
	case msg := <-a.inbox:
		return msg, nil
	case <-a.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send hands the reply to the waiting POST handler. Messages without a
// session have no caller to reach and are dropped.
func (a *HTTPAdapter) Send(ctx context.Context, msg *OutboundMessage) error {
	if msg == nil || msg.Session == "" {
		return nil
	}
	a.mu.Lock()
	reply, ok := a.pending[msg.Session]
	delete(a.pending, msg.Session)
	a.mu.Unlock()
	if !ok {
		return ErrNoSession
	}
	reply <- msg
	return nil
}

func (a *HTTPAdapter) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.config.MaxBodyBytes))
	if err != nil {
		writeEnvelope(w, NewErrorResponse(nil, NewError(InvalidRequest, "Invalid Request", "request body too large or unreadable")))
		return
	}

	session := uuid.NewString()
	reply := make(chan *OutboundMessage, 1)

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		writeEnvelope(w, unavailable())
		return
	}
	a.pending[session] = reply
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pending, session)
		a.mu.Unlock()
	}()

	msg := &InboundMessage{
		Session:     session,
		Raw:         body,
		Credentials: credentialsFrom(r),
		Metadata:    traceMetadata(r),
		Remote:      r.RemoteAddr,
		ReceivedAt:  time.Now(),
	}

	select {
	case a.inbox <- msg:
	case <-r.Context().Done():
		return
	case <-a.done:
		writeEnvelope(w, unavailable())
		return
	}

	select {
	case out := <-reply:
		if out.Response == nil {
			w.WriteHeader(http.StatusOK)
			return
		}
		writeEnvelope(w, out.Response)
	case <-r.Context().Done():
	case <-a.done:
		writeEnvelope(w, unavailable())
	}
}

func (a *HTTPAdapter) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()

	status := "ok"
	code := http.StatusOK
	if closed {
		status = "shutting_down"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}

// SendProgress queues p for the operation named in its details. Progress
// without an operation id has nowhere to go and is dropped.
func (a *HTTPAdapter) SendProgress(p stream.Progress) {
	id := p.OperationID()
	if id == "" {
		return
	}
	a.enqueue(id, EventProgress, p, func(q *progressQueue) bool {
		return p.Terminal() && !q.streaming
	})
}

// DrainProgress returns nil: progress has already been streamed.
func (a *HTTPAdapter) DrainProgress(operationID string) []stream.Progress {
	return nil
}

// NewStreamer returns a streamer writing frames onto the operation's
// progress stream. The queue closes after the complete frame.
func (a *HTTPAdapter) NewStreamer(operationID string) stream.Streamer {
	if operationID == "" {
		return stream.NewBuffered()
	}
	a.mu.Lock()
	if !a.closed {
		q := a.queueLocked(operationID)
		q.streaming = true
		q.issued = true
	}
	a.mu.Unlock()

	return stream.NewStreaming(stream.EmitterFunc(func(event string, data interface{}) error {
		a.enqueue(operationID, event, data, func(*progressQueue) bool {
			return event == stream.EventComplete
		})
		return nil
	}))
}

// enqueue appends one frame, dropping the oldest when the queue is full.
func (a *HTTPAdapter) enqueue(id, name string, data interface{}, final func(*progressQueue) bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	q := a.queueLocked(id)
	if q.closed {
		return
	}
	q.issued = true

	q.seq++
	ev := Event{Name: name, ID: strconv.Itoa(q.seq), Data: data}
	select {
	case q.events <- ev:
	default:
		select {
		case <-q.events:
		default:
		}
		select {
		case q.events <- ev:
		default:
		}
	}
	if final(q) {
		q.closed = true
		q.finishedAt = time.Now()
		close(q.events)
	}
}

// queueLocked returns the queue for id, creating it and pruning expired
// finished queues. A queue nothing has written to lives only as long as
// its listeners. Caller holds a.mu.
func (a *HTTPAdapter) queueLocked(id string) *progressQueue {
	if q, ok := a.queues[id]; ok {
		return q
	}
	now := time.Now()
	for key, q := range a.queues {
		if q.closed && now.Sub(q.finishedAt) > a.config.ProgressRetention {
			delete(a.queues, key)
		}
	}
	q := &progressQueue{events: make(chan Event, a.config.ProgressQueue)}
	a.queues[id] = q
	return q
}

func (a *HTTPAdapter) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("operation_id")
	if !a.admit(w, r, EndpointProgress) {
		return
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	q := a.queueLocked(id)
	q.listeners++
	events := q.events
	a.active.Add(1)
	a.mu.Unlock()
	defer a.active.Done()
	defer a.release(id, q)

	sse, ok := startSSE(w)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	a.config.Metrics.StreamOpened("progress")
	defer a.config.Metrics.StreamClosed("progress")

	ticker := time.NewTicker(a.config.Keepalive)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				a.mu.Lock()
				if a.queues[id] == q {
					delete(a.queues, id)
				}
				a.mu.Unlock()
				return
			}
			if err := sse.write(ev); err != nil {
				return
			}
			ticker.Reset(a.config.Keepalive)
		case <-ticker.C:
			if err := sse.keepalive(); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		case <-a.done:
			return
		}
	}
}

// release drops a listener from q and forgets the queue when its last
// listener leaves before any operation wrote to it.
func (a *HTTPAdapter) release(id string, q *progressQueue) {
	a.mu.Lock()
	defer a.mu.Unlock()
	q.listeners--
	if q.listeners == 0 && !q.issued && a.queues[id] == q {
		delete(a.queues, id)
	}
}

// admit runs the configured Authorizer on the request credentials and
// writes the refusal when it fails.
func (a *HTTPAdapter) admit(w http.ResponseWriter, r *http.Request, endpoint string) bool {
	if a.config.Authorize == nil {
		return true
	}
	ctx := WithCredentials(r.Context(), credentialsFrom(r))
	err := a.config.Authorize(ctx, endpoint)
	if err == nil {
		return true
	}

	status := http.StatusForbidden
	switch rpcerrors.Code(err) {
	case rpcerrors.ErrCodeUnauthenticated:
		status = http.StatusUnauthorized
	case rpcerrors.ErrCodeRateLimit:
		status = http.StatusTooManyRequests
		if secs, ok := rpcerrors.As(err).Data()["retry_after"].(float64); ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(secs))))
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{"error": errorData(err)})
	return false
}

// ServeSubscription long-polls the subscription and turns each batch into
// change events. An idle poll becomes a keepalive. The stream ends when
// ctx is done, the subscription is cancelled and drained, or the adapter
// shuts down.
func (a *HTTPAdapter) ServeSubscription(ctx context.Context, info subscription.Info) (<-chan Event, error) {
	src := a.config.Subscriptions
	if src == nil {
		return nil, rpcerrors.New(rpcerrors.ErrCodeUnavailable, "subscription streaming is not configured")
	}

	ctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	a.streams[info.ID] = cancel
	a.mu.Unlock()

	out := make(chan Event)
	go func() {
		defer close(out)
		defer func() {
			a.mu.Lock()
			delete(a.streams, info.ID)
			a.mu.Unlock()
			cancel()
		}()

		send := func(ev Event) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			case <-a.done:
				return false
			}
		}

		if !send(Event{Name: EventSubscriptionCreated, ID: info.Token, Data: info}) {
			return
		}
		token := info.Token
		for {
			res, err := src.Poll(ctx, info.ID, token, a.config.Keepalive)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				send(Event{Name: EventError, Data: errorData(err)})
				return
			}
			if len(res.Changes) == 0 {
				if !res.Active {
					return
				}
				if !send(Event{Comment: "keepalive"}) {
					return
				}
				continue
			}
			token = res.Token
			for _, c := range res.Changes {
				if !send(Event{Name: EventChange, ID: token, Data: c}) {
					return
				}
			}
			if !res.Active && !res.HasMore {
				return
			}
		}
	}()
	return out, nil
}

// CancelSubscription ends the open stream for id, if any.
func (a *HTTPAdapter) CancelSubscription(id string) bool {
	a.mu.Lock()
	cancel, ok := a.streams[id]
	delete(a.streams, id)
	a.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (a *HTTPAdapter) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if !a.admit(w, r, EndpointSubscribe) {
		return
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	a.active.Add(1)
	a.mu.Unlock()
	defer a.active.Done()

	sse, ok := startSSE(w)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	filter, opts, err := subscribeQuery(r)
	src := a.config.Subscriptions
	var info subscription.Info
	if err == nil {
		info, err = src.Subscribe(r.Context(), r.URL.Query().Get("resource_type"), filter, opts)
	}
	if err != nil {
		sse.write(Event{Name: EventError, Data: errorData(err)})
		return
	}

	a.config.Metrics.StreamOpened("subscription")
	defer a.config.Metrics.StreamClosed("subscription")
	defer func() {
		ctx := context.WithoutCancel(r.Context())
		src.Cancel(ctx, info.ID)
		src.Remove(ctx, info.ID)
	}()

	events, err := a.ServeSubscription(r.Context(), info)
	if err != nil {
		sse.write(Event{Name: EventError, Data: errorData(err)})
		return
	}
	for ev := range events {
		if err := sse.write(ev); err != nil {
			a.CancelSubscription(info.ID)
			for range events {
			}
			return
		}
	}
}

// subscribeQuery reads filter and options from the query string:
// filter is a JSON object of field equalities, where an expression and
// interval a duration or a number of seconds.
func subscribeQuery(r *http.Request) (*subscription.Filter, subscription.Options, error) {
	q := r.URL.Query()
	var (
		filter subscription.Filter
		opts   subscription.Options
	)
	if raw := q.Get("filter"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &filter.Match); err != nil {
			return nil, opts, rpcerrors.Filter(fmt.Sprintf("filter must be a JSON object: %v", err))
		}
	}
	filter.Where = q.Get("where")

	if raw := q.Get("interval"); raw != "" {
		d, err := parseInterval(raw)
		if err != nil {
			return nil, opts, rpcerrors.InvalidInput(fmt.Sprintf("invalid interval %q", raw))
		}
		opts.Interval = d
	}
	if raw := q.Get("batch_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, opts, rpcerrors.InvalidInput(fmt.Sprintf("invalid batch_size %q", raw))
		}
		opts.BatchSize = n
	}
	return &filter, opts, nil
}

func parseInterval(raw string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(raw)
}

// Capabilities implements Adapter.
func (a *HTTPAdapter) Capabilities() Capabilities {
	return Capabilities{
		Name:                  "http",
		ProgressStreaming:     true,
		SubscriptionStreaming: a.config.Subscriptions != nil,
		Concurrent:            true,
		KeepaliveSeconds:      int(a.config.Keepalive / time.Second),
	}
}

// Shutdown stops accepting work, ends every stream, closes every progress
// queue and waits for open stream handlers to return.
func (a *HTTPAdapter) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.done)
	for id, cancel := range a.streams {
		cancel()
		delete(a.streams, id)
	}
	for id, q := range a.queues {
		if !q.closed {
			q.closed = true
			close(q.events)
		}
		delete(a.queues, id)
	}
	a.mu.Unlock()

	waited := make(chan struct{})
	go func() {
		a.active.Wait()
		close(waited)
	}()

	var err error
	if a.server != nil {
		err = a.server.Shutdown(ctx)
	}
	select {
	case <-waited:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

func writeEnvelope(w http.ResponseWriter, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

func unavailable() *Response {
	return NewErrorResponse(nil, ErrorFrom(rpcerrors.New(rpcerrors.ErrCodeUnavailable, "server is shutting down")))
}

func errorData(err error) *Error {
	return ErrorFrom(err)
}

// credentialsFrom reads a bearer token or an X-API-Key header.
func credentialsFrom(r *http.Request) Credentials {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if scheme, token, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "bearer") {
			return Credentials{Scheme: "bearer", Token: strings.TrimSpace(token)}
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return Credentials{Scheme: "api-key", Token: key}
	}
	return Credentials{}
}

func traceMetadata(r *http.Request) map[string]string {
	var md map[string]string
	for _, field := range traceFields {
		if v := r.Header.Get(field); v != "" {
			if md == nil {
				md = make(map[string]string, len(traceFields))
			}
			md[field] = v
		}
	}
	return md
}
