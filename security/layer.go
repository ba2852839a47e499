package security

import (
	"context"
	"encoding/json"
	"time"

	"github.com/vinayprograms/docrpc/errors"
	"github.com/vinayprograms/docrpc/logging"
	"github.com/vinayprograms/docrpc/metrics"
	"github.com/vinayprograms/docrpc/ratelimit"
	"github.com/vinayprograms/docrpc/router"
	"github.com/vinayprograms/docrpc/transport"
)

// Rejection reasons, used as the metrics label and in audit records.
const (
	ReasonUnauthenticated = "unauthenticated"
	ReasonForbidden       = "forbidden"
	ReasonRateLimited     = "rate_limited"
)

// Config configures a Layer.
type Config struct {
	Keys []APIKey

	// AllowAnonymous lets callers without credentials through as the
	// anonymous principal, which may call every method.
	AllowAnonymous bool

	// Public methods need no credentials even when anonymous callers are
	// refused. Presented credentials are still checked.
	Public []string

	// RateCapacity requests per RateWindow for each principal. Zero
	// disables rate limiting.
	RateCapacity int
	RateWindow   time.Duration

	// Audit, when set, records every decision.
	Audit *AuditTrail

	// Limiter replaces the default in-memory limiter.
	Limiter ratelimit.RateLimiter

	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// Layer authenticates, authorizes and rate limits calls before they reach a
// handler. It plugs into the router as a Middleware.
type Layer struct {
	keys      *keyring
	anonymous bool
	public    map[string]bool
	limiter   ratelimit.RateLimiter
	audit     *AuditTrail
	logger    *logging.Logger
	metrics   *metrics.Metrics
}

// New builds a Layer from cfg.
func New(cfg Config) (*Layer, error) {
	keys, err := newKeyring(cfg.Keys)
	if err != nil {
		return nil, err
	}
	if err := ratelimit.Validate(cfg.RateCapacity, cfg.RateWindow); err != nil {
		return nil, err
	}

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NewMemoryLimiter()
	}
	if cfg.RateCapacity > 0 {
		limiter.SetDefault(cfg.RateCapacity, cfg.RateWindow)
	}
	for _, k := range cfg.Keys {
		if k.RateCapacity > 0 {
			window := cfg.RateWindow
			if window <= 0 {
				window = time.Minute
			}
			limiter.SetCapacity(k.Principal, k.RateCapacity, window)
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.New()
	}

	public := make(map[string]bool, len(cfg.Public))
	for _, m := range cfg.Public {
		public[m] = true
	}

	return &Layer{
		keys:      keys,
		anonymous: cfg.AllowAnonymous,
		public:    public,
		limiter:   limiter,
		audit:     cfg.Audit,
		logger:    logger.WithComponent("security"),
		metrics:   cfg.Metrics,
	}, nil
}

// Middleware wraps every handler with the security checks.
func (l *Layer) Middleware() router.Middleware {
	return func(method string, next router.Handler) router.Handler {
		return func(ctx context.Context, params json.RawMessage) (interface{}, error) {
			p, err := l.decide(ctx, method, params)
			if err != nil {
				return nil, err
			}
			return next(WithPrincipal(ctx, p), params)
		}
	}
}

// Authorize applies the same checks to a call made outside the router,
// such as opening an event stream. Credentials are read from ctx.
func (l *Layer) Authorize(ctx context.Context, method string) error {
	_, err := l.decide(ctx, method, nil)
	return err
}

// decide runs check and records the outcome.
func (l *Layer) decide(ctx context.Context, method string, params []byte) (*Principal, error) {
	p, err := l.check(ctx, method)
	name := Anonymous
	if p != nil {
		name = p.Name
	}
	if err != nil {
		reason := reasonOf(err)
		l.logger.SecurityDecision(method, name, DecisionDeny, reason)
		l.metrics.RecordRejection(reason)
		l.record(name, method, params, DecisionDeny, reason)
		return p, err
	}
	l.record(name, method, params, DecisionAllow, "")
	return p, nil
}

// check resolves the principal for ctx and decides whether it may call
// method now. The principal is returned even on a denial when known.
func (l *Layer) check(ctx context.Context, method string) (*Principal, error) {
	creds := transport.CredentialsFrom(ctx)

	var p *Principal
	switch {
	case !creds.Empty():
		p = l.keys.lookup(creds.Token)
		if p == nil {
			return nil, errors.Unauthenticated("invalid credentials")
		}
	case l.anonymous || l.public[method]:
		p = &Principal{Name: Anonymous, Anonymous: true}
	default:
		return nil, errors.Unauthenticated("credentials required")
	}

	if !l.public[method] && !p.Can(method) {
		return p, errors.Forbidden(p.Name+" may not call "+method,
			errors.WithData("method", method))
	}

	if ok, retryAfter := l.limiter.Allow(p.Name); !ok {
		return p, errors.RateLimited("rate limit exceeded", retryAfter)
	}
	return p, nil
}

func (l *Layer) record(principal, method string, params []byte, decision, reason string) {
	if l.audit == nil {
		return
	}
	l.audit.Record(principal, method, params, decision, reason)
}

// Close releases the limiter.
func (l *Layer) Close() error {
	if l.audit != nil {
		l.audit.Destroy()
	}
	return l.limiter.Close()
}

func reasonOf(err error) string {
	switch errors.Code(err) {
	case errors.ErrCodeForbidden:
		return ReasonForbidden
	case errors.ErrCodeRateLimit:
		return ReasonRateLimited
	default:
		return ReasonUnauthenticated
	}
}
