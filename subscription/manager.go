package subscription

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/docrpc/errors"
	"github.com/vinayprograms/docrpc/logging"
	"github.com/vinayprograms/docrpc/metrics"
	"github.com/vinayprograms/docrpc/store"
	"github.com/vinayprograms/docrpc/telemetry"
)

// Defaults applied by NewManager.
const (
	DefaultInterval    = 5 * time.Second
	DefaultMinInterval = time.Second
	DefaultBatchSize   = 100
	DefaultBufferSize  = 1000
	DefaultMaxBackoff  = 60 * time.Second
	DefaultPollTimeout = 30 * time.Second
)

// ErrClosed is returned by every operation once the manager has stopped.
var ErrClosed = errors.New(errors.ErrCodeUnavailable, "subscription manager stopped")

// Publisher receives every detected change, for fan-out beyond the
// process. bus.MessageBus satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Config configures a Manager.
type Config struct {
	// Resources maps each resource type to the store table backing it.
	Resources map[string]string

	DefaultInterval time.Duration
	MinInterval     time.Duration
	BatchSize       int
	BufferSize      int
	MaxBackoff      time.Duration

	// PollTimeout caps how long one Poll may wait for changes.
	PollTimeout time.Duration

	// Publisher, when set, receives each change as JSON on
	// <SubjectPrefix>.<resource_type>.<change_type>.
	Publisher     Publisher
	SubjectPrefix string

	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Tracer  *telemetry.Tracer
}

func (c *Config) applyDefaults() {
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = DefaultInterval
	}
	if c.MinInterval <= 0 {
		c.MinInterval = DefaultMinInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "docrpc.changes"
	}
	if c.Logger == nil {
		c.Logger = logging.Discard()
	}
	if c.Tracer == nil {
		c.Tracer = telemetry.GetTracer()
	}
}

// subscription is the mutable state of one subscriber. Only the owner
// goroutine reads or writes it.
type subscription struct {
	id           string
	resourceType string
	filter       *Filter
	createdAt    time.Time
	lastVersion  uint64
	token        string
	buffer       []Change
	dropped      int
	opts         Options
	active       bool

	// signal is closed when changes arrive or the subscription ends.
	signal chan struct{}
}

func (s *subscription) info() Info {
	return Info{
		ID:              s.id,
		ResourceType:    s.resourceType,
		Filter:          s.filter,
		CreatedAt:       s.createdAt,
		LastVersion:     s.lastVersion,
		Token:           s.token,
		Buffered:        len(s.buffer),
		Dropped:         s.dropped,
		Active:          s.active,
		IntervalSeconds: s.opts.Interval.Seconds(),
		BatchSize:       s.opts.BatchSize,
		BufferSize:      s.opts.BufferSize,
	}
}

// push appends c, evicting the oldest changes beyond the buffer bound.
func (s *subscription) push(c Change) int {
	s.buffer = append(s.buffer, c)
	over := len(s.buffer) - s.opts.BufferSize
	if over <= 0 {
		return 0
	}
	s.buffer = append([]Change(nil), s.buffer[over:]...)
	s.dropped += over
	return over
}

func (s *subscription) notify() {
	if s.signal != nil {
		close(s.signal)
		s.signal = nil
	}
}

func (s *subscription) wait() <-chan struct{} {
	if s.signal == nil {
		s.signal = make(chan struct{})
	}
	return s.signal
}

// registry is the owner goroutine's state.
type registry struct {
	subs   map[string]*subscription
	tokens *tokenSource
}

// Manager detects store changes and serves them to subscribers.
type Manager struct {
	store  store.Store
	cfg    Config
	logger *logging.Logger

	cmds    chan func(*registry)
	wake    chan struct{}
	stopped chan struct{}

	// baselines is the last diffed version per resource type. Only the
	// detector goroutine touches it.
	baselines map[string]uint64

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewManager creates a manager over s. Call Start to begin detection.
func NewManager(s store.Store, cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{
		store:     s,
		cfg:       cfg,
		logger:    cfg.Logger.WithComponent("subscription"),
		cmds:      make(chan func(*registry)),
		wake:      make(chan struct{}, 1),
		stopped:   make(chan struct{}),
		baselines: make(map[string]uint64),
	}
}

// ResourceTypes lists the subscribable resource types.
func (m *Manager) ResourceTypes() []string {
	types := make([]string, 0, len(m.cfg.Resources))
	for rt := range m.cfg.Resources {
		types = append(types, rt)
	}
	sort.Strings(types)
	return types
}

// Start records the current version of every table as the baseline and
// launches the owner and detector goroutines.
func (m *Manager) Start(ctx context.Context) error {
	var err error
	m.startOnce.Do(func() {
		for _, rt := range m.ResourceTypes() {
			tbl, terr := m.store.Table(m.cfg.Resources[rt])
			if terr != nil {
				err = fmt.Errorf("resource %s: %w", rt, terr)
				return
			}
			v, verr := tbl.Version(ctx)
			if verr != nil {
				err = fmt.Errorf("resource %s: %w", rt, verr)
				return
			}
			m.baselines[rt] = v
		}

		runCtx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel
		reg := &registry{subs: make(map[string]*subscription), tokens: newTokenSource()}

		m.wg.Add(2)
		go m.own(runCtx, reg)
		go m.detect(runCtx)
		m.logger.Info("started", map[string]interface{}{"resources": len(m.baselines)})
	})
	return err
}

// Stop cancels the background goroutines and waits for them to exit or
// for ctx to expire. Pending polls return ErrClosed.
func (m *Manager) Stop(ctx context.Context) error {
	m.stopOnce.Do(func() {
		close(m.stopped)
		if m.cancel != nil {
			m.cancel()
		}
	})

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// own is the single writer of subscription state.
func (m *Manager) own(ctx context.Context, reg *registry) {
	defer m.wg.Done()
	for {
		select {
		case fn := <-m.cmds:
			fn(reg)
		case <-ctx.Done():
			for _, sub := range reg.subs {
				sub.notify()
			}
			return
		}
	}
}

// do runs fn on the owner goroutine and waits for it to finish.
func (m *Manager) do(ctx context.Context, fn func(*registry)) error {
	done := make(chan struct{})
	cmd := func(reg *registry) {
		defer close(done)
		fn(reg)
	}
	select {
	case m.cmds <- cmd:
	case <-m.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

func (m *Manager) nudge() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Subscribe registers interest in resourceType ("all" for every type).
// The filter is compiled here, so an invalid expression fails the call.
func (m *Manager) Subscribe(ctx context.Context, resourceType string, filter *Filter, opts Options) (Info, error) {
	if resourceType == "" {
		resourceType = ResourceAll
	}
	if _, ok := m.cfg.Resources[resourceType]; !ok && resourceType != ResourceAll {
		return Info{}, errors.InvalidInput(fmt.Sprintf("unknown resource type %q", resourceType))
	}
	if err := filter.Compile(); err != nil {
		return Info{}, err
	}
	if filter.Empty() {
		filter = nil
	}
	opts = m.normalize(opts)

	var info Info
	err := m.do(ctx, func(reg *registry) {
		sub := &subscription{
			id:           uuid.NewString(),
			resourceType: resourceType,
			filter:       filter,
			createdAt:    time.Now().UTC(),
			token:        reg.tokens.next(),
			opts:         opts,
			active:       true,
		}
		reg.subs[sub.id] = sub
		info = sub.info()
		m.cfg.Metrics.SetSubscriptions(countActive(reg))
	})
	if err != nil {
		return Info{}, err
	}

	m.nudge()
	m.logger.Info("subscribed", map[string]interface{}{
		"id":            info.ID,
		"resource_type": resourceType,
		"interval":      opts.Interval.String(),
	})
	return info, nil
}

func (m *Manager) normalize(opts Options) Options {
	if opts.Interval <= 0 {
		opts.Interval = m.cfg.DefaultInterval
	}
	if opts.Interval < m.cfg.MinInterval {
		opts.Interval = m.cfg.MinInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = m.cfg.BatchSize
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = m.cfg.BufferSize
	}
	return opts
}

// Poll returns up to the subscription's batch size of buffered changes.
// If none are buffered it waits up to timeout (capped by the configured
// PollTimeout) for the next delivery. The returned token advances only
// when changes are returned. An inactive subscription is removed once a
// poll leaves its buffer empty.
func (m *Manager) Poll(ctx context.Context, id, token string, timeout time.Duration) (PollResult, error) {
	if err := checkToken(token); err != nil {
		return PollResult{}, err
	}
	if timeout > m.cfg.PollTimeout {
		timeout = m.cfg.PollTimeout
	}

	res, signal, err := m.drain(ctx, id, timeout > 0)
	if err != nil || len(res.Changes) > 0 || signal == nil {
		return res, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-signal:
	case <-timer.C:
	case <-ctx.Done():
		return res, nil
	case <-m.stopped:
		return PollResult{}, ErrClosed
	}

	res, _, err = m.drain(ctx, id, false)
	return res, err
}

// drain empties up to one batch. When wait is set and nothing was
// drained from an active subscription it also returns the channel that
// signals the next delivery.
func (m *Manager) drain(ctx context.Context, id string, wait bool) (PollResult, <-chan struct{}, error) {
	var (
		res    PollResult
		signal <-chan struct{}
		found  bool
	)
	err := m.do(ctx, func(reg *registry) {
		sub, ok := reg.subs[id]
		if !ok {
			return
		}
		found = true

		n := len(sub.buffer)
		if n > sub.opts.BatchSize {
			n = sub.opts.BatchSize
		}
		changes := make([]Change, n)
		copy(changes, sub.buffer[:n])
		sub.buffer = sub.buffer[n:]
		if n > 0 {
			sub.token = reg.tokens.next()
		}

		res = PollResult{
			SubscriptionID: id,
			Changes:        changes,
			Token:          sub.token,
			HasMore:        len(sub.buffer) > 0,
			Dropped:        sub.dropped,
			Active:         sub.active,
		}
		sub.dropped = 0

		if !sub.active && len(sub.buffer) == 0 {
			delete(reg.subs, id)
			return
		}
		if wait && n == 0 && sub.active {
			signal = sub.wait()
		}
	})
	if err != nil {
		return PollResult{}, nil, err
	}
	if !found {
		return PollResult{}, nil, errors.NotFound(fmt.Sprintf("subscription %s not found", id))
	}
	return res, signal, nil
}

// Cancel marks the subscription inactive. Its buffered changes stay
// available for one final poll, after which it is removed. Returns false
// if the id is unknown or already cancelled.
func (m *Manager) Cancel(ctx context.Context, id string) (bool, error) {
	var cancelled bool
	err := m.do(ctx, func(reg *registry) {
		sub, ok := reg.subs[id]
		if !ok || !sub.active {
			return
		}
		sub.active = false
		sub.notify()
		cancelled = true
		m.cfg.Metrics.SetSubscriptions(countActive(reg))
	})
	if cancelled {
		m.logger.Info("cancelled", map[string]interface{}{"id": id})
	}
	return cancelled, err
}

// Remove deletes the subscription immediately, discarding buffered changes.
func (m *Manager) Remove(ctx context.Context, id string) (bool, error) {
	var removed bool
	err := m.do(ctx, func(reg *registry) {
		sub, ok := reg.subs[id]
		if !ok {
			return
		}
		sub.active = false
		sub.notify()
		delete(reg.subs, id)
		removed = true
		m.cfg.Metrics.SetSubscriptions(countActive(reg))
	})
	return removed, err
}

// Get returns one subscription.
func (m *Manager) Get(ctx context.Context, id string) (Info, error) {
	var (
		info  Info
		found bool
	)
	err := m.do(ctx, func(reg *registry) {
		if sub, ok := reg.subs[id]; ok {
			info, found = sub.info(), true
		}
	})
	if err != nil {
		return Info{}, err
	}
	if !found {
		return Info{}, errors.NotFound(fmt.Sprintf("subscription %s not found", id))
	}
	return info, nil
}

// List returns every retained subscription, oldest first.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	var out []Info
	err := m.do(ctx, func(reg *registry) {
		out = make([]Info, 0, len(reg.subs))
		for _, sub := range reg.subs {
			out = append(out, sub.info())
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, err
}

func countActive(reg *registry) int {
	n := 0
	for _, sub := range reg.subs {
		if sub.active {
			n++
		}
	}
	return n
}

// --- detection ---

// schedule reports the detector interval and which resource types have an
// active subscriber.
func (m *Manager) schedule(ctx context.Context) (time.Duration, map[string]bool, error) {
	interval := m.cfg.DefaultInterval
	watched := make(map[string]bool)
	err := m.do(ctx, func(reg *registry) {
		first := true
		for _, sub := range reg.subs {
			if !sub.active {
				continue
			}
			watched[sub.resourceType] = true
			if first || sub.opts.Interval < interval {
				interval = sub.opts.Interval
				first = false
			}
		}
	})
	if interval < m.cfg.MinInterval {
		interval = m.cfg.MinInterval
	}
	return interval, watched, err
}

func (m *Manager) detect(ctx context.Context) {
	defer m.wg.Done()

	var backoff time.Duration
	lastCycle := time.Now()
	for {
		interval, _, err := m.schedule(ctx)
		if err != nil {
			return
		}
		wait := interval
		if backoff > 0 {
			wait = backoff
		}

		// A wake re-reads the interval; the deadline stays anchored on the
		// last cycle so frequent subscribes cannot postpone detection.
		timer := time.NewTimer(time.Until(lastCycle.Add(wait)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-m.wake:
			timer.Stop()
			continue
		case <-timer.C:
		}
		lastCycle = time.Now()

		if err := m.Detect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			backoff = nextBackoff(backoff, interval, m.cfg.MaxBackoff)
			m.logger.CycleError(err, backoff)
			m.cfg.Metrics.RecordCycle("error")
			continue
		}
		backoff = 0
	}
}

func nextBackoff(current, interval, max time.Duration) time.Duration {
	next := current * 2
	if next < interval {
		next = interval
	}
	if next > max {
		next = max
	}
	return next
}

// Detect runs one detection cycle: for every resource type whose table
// version advanced, diff the previous and current snapshots and distribute
// the changes. Tables nobody subscribes to only advance their baseline.
// The background loop calls Detect on its interval; it must not be called
// concurrently with itself.
func (m *Manager) Detect(ctx context.Context) error {
	_, watched, err := m.schedule(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, rt := range m.ResourceTypes() {
		if err := m.detectResource(ctx, rt, watched[rt] || watched[ResourceAll]); err != nil {
			errs = append(errs, fmt.Errorf("resource %s: %w", rt, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) detectResource(ctx context.Context, rt string, watched bool) (err error) {
	tbl, err := m.store.Table(m.cfg.Resources[rt])
	if err != nil {
		return err
	}
	current, err := tbl.Version(ctx)
	if err != nil {
		return err
	}
	last, seen := m.baselines[rt]
	if !seen || current == last || !watched {
		m.baselines[rt] = current
		if seen && current == last {
			m.cfg.Metrics.RecordCycle("idle")
		}
		return nil
	}

	ctx, span := m.cfg.Tracer.StartCycleSpan(ctx, tbl.Name())
	var changes []Change
	defer func() { m.cfg.Tracer.EndCycleSpan(span, last, current, len(changes), err) }()

	prev, err := tbl.Checkout(ctx, last)
	if stderrors.Is(err, store.ErrVersionUnavailable) {
		m.logger.Warn("baseline_pruned", map[string]interface{}{
			"resource_type": rt,
			"version":       last,
		})
		m.baselines[rt] = current
		return nil
	}
	if err != nil {
		return err
	}
	next, err := tbl.Checkout(ctx, current)
	if err != nil {
		return err
	}
	prevRows, err := prev.Scan(ctx)
	if err != nil {
		return err
	}
	nextRows, err := next.Scan(ctx)
	if err != nil {
		return err
	}

	changes = Diff(rt, prevRows, nextRows, current, time.Now().UTC())
	m.baselines[rt] = current
	m.cfg.Metrics.RecordCycle("diffed")
	if len(changes) == 0 {
		return nil
	}

	if err := m.distribute(ctx, rt, current, changes); err != nil {
		return err
	}
	m.publish(changes)
	return nil
}

// distribute appends changes to every active subscription whose resource
// type and filter match, in detection order.
func (m *Manager) distribute(ctx context.Context, rt string, version uint64, changes []Change) error {
	for _, c := range changes {
		m.cfg.Metrics.RecordChange(rt, string(c.Type))
	}
	return m.do(ctx, func(reg *registry) {
		for _, sub := range reg.subs {
			if !sub.active || (sub.resourceType != ResourceAll && sub.resourceType != rt) {
				continue
			}
			delivered := 0
			for _, c := range changes {
				ok, err := sub.filter.Matches(c)
				if err != nil {
					m.logger.Debug("filter_error", map[string]interface{}{
						"id":          sub.id,
						"resource_id": c.ResourceID,
						"error":       err.Error(),
					})
					continue
				}
				if !ok {
					continue
				}
				m.cfg.Metrics.RecordDropped(sub.push(c))
				delivered++
			}
			if delivered > 0 {
				sub.lastVersion = version
				sub.notify()
			}
		}
	})
}

func (m *Manager) publish(changes []Change) {
	if m.cfg.Publisher == nil {
		return
	}
	for _, c := range changes {
		data, err := json.Marshal(c)
		if err != nil {
			continue
		}
		subject := fmt.Sprintf("%s.%s.%s", m.cfg.SubjectPrefix, c.ResourceType, c.Type)
		if err := m.cfg.Publisher.Publish(subject, data); err != nil {
			m.logger.Warn("publish_failed", map[string]interface{}{
				"subject": subject,
				"error":   err.Error(),
			})
		}
	}
}
