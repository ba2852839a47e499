package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/vinayprograms/docrpc/bus"
	"github.com/vinayprograms/docrpc/config"
	"github.com/vinayprograms/docrpc/errors"
	"github.com/vinayprograms/docrpc/logging"
	"github.com/vinayprograms/docrpc/metrics"
	"github.com/vinayprograms/docrpc/router"
	"github.com/vinayprograms/docrpc/security"
	"github.com/vinayprograms/docrpc/server"
	"github.com/vinayprograms/docrpc/shutdown"
	"github.com/vinayprograms/docrpc/store"
	"github.com/vinayprograms/docrpc/store/sqlite"
	"github.com/vinayprograms/docrpc/subscription"
	"github.com/vinayprograms/docrpc/telemetry"
	"github.com/vinayprograms/docrpc/transport"
)

// apiKeyEnv supplies pipe credentials; a pipe carries no headers.
const apiKeyEnv = "DOCRPC_API_KEY"

// app holds every long-lived component.
type app struct {
	metrics  *metrics.Metrics
	provider *telemetry.Provider
	tracer   *telemetry.Tracer
	events   telemetry.Exporter
	store    store.Store
	bus      bus.MessageBus
	changes  bus.Subscription
	subs     *subscription.Manager
	security *security.Layer
	adapter  transport.Adapter
	server   *server.Server
}

func loadConfig(path, transportName string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if transportName != "" {
		cfg.Server.Transport = transportName
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// build constructs the components in dependency order. On failure the
// ones already built are released.
func build(ctx context.Context, cfg *config.Config, logger *logging.Logger) (a *app, err error) {
	a = &app{metrics: metrics.New(), tracer: telemetry.GetTracer()}
	defer func() {
		if err != nil {
			a.release()
		}
	}()

	if cfg.Telemetry.Enabled {
		a.provider, err = telemetry.InitProvider(ctx, telemetry.ProviderConfig{
			ServiceName:    cfg.Server.Name,
			ServiceVersion: version,
			Endpoint:       cfg.Telemetry.Endpoint,
			Protocol:       cfg.Telemetry.Protocol,
			Insecure:       cfg.Telemetry.Insecure,
			Debug:          cfg.Telemetry.Debug,
			SampleRatio:    cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		a.tracer = a.provider.Tracer()
		telemetry.SetGlobalTracer(a.tracer)
	}

	a.events, err = telemetry.NewExporter(cfg.Telemetry.Events, cfg.Telemetry.EventsEndpoint)
	if err != nil {
		return nil, err
	}

	a.store, err = openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	var publisher subscription.Publisher
	a.bus, err = openBus(cfg)
	if err != nil {
		return nil, err
	}
	if a.bus != nil {
		publisher = a.bus
		if cfg.Bus.ExportChanges {
			a.changes, err = exportChanges(a.bus, cfg.Bus.SubjectPrefix, a.events, logger)
			if err != nil {
				return nil, err
			}
		}
	}

	a.subs = subscription.NewManager(a.store, subscription.Config{
		Resources:       cfg.Store.Resources,
		DefaultInterval: cfg.Subscriptions.DefaultInterval,
		MinInterval:     cfg.Subscriptions.MinInterval,
		BatchSize:       cfg.Subscriptions.BatchSize,
		BufferSize:      cfg.Subscriptions.BufferSize,
		MaxBackoff:      cfg.Subscriptions.MaxBackoff,
		PollTimeout:     cfg.Subscriptions.PollTimeout,
		Publisher:       publisher,
		SubjectPrefix:   cfg.Bus.SubjectPrefix,
		Logger:          logger,
		Metrics:         a.metrics,
		Tracer:          a.tracer,
	})
	if err = a.subs.Start(ctx); err != nil {
		return nil, fmt.Errorf("start subscriptions: %w", err)
	}

	if cfg.Security.Enabled {
		a.security, err = newSecurityLayer(cfg.Security, a.events, logger, a.metrics)
		if err != nil {
			return nil, err
		}
	}

	a.adapter = newAdapter(cfg, a.subs, a.security, logger, a.metrics)
	return a, nil
}

// tables lists the distinct tables behind the configured resources.
func tables(resources map[string]string) []string {
	seen := make(map[string]bool, len(resources))
	var out []string
	for _, table := range resources {
		if !seen[table] {
			seen[table] = true
			out = append(out, table)
		}
	}
	sort.Strings(out)
	return out
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, cfg.Path, tables(cfg.Resources))
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		return s, nil
	default:
		return store.NewMemoryStore(tables(cfg.Resources), store.WithRetention(cfg.Retention)), nil
	}
}

func openBus(cfg *config.Config) (bus.MessageBus, error) {
	switch cfg.Bus.BusDriver() {
	case config.BusNATS:
		nc := bus.DefaultNATSConfig()
		nc.URL = cfg.Bus.URL
		nc.Name = cfg.Server.Name
		nc.Token = cfg.Bus.BusToken()
		if cfg.Bus.BufferSize > 0 {
			nc.BufferSize = cfg.Bus.BufferSize
		}
		b, err := bus.NewNATSBus(nc)
		if err != nil {
			return nil, fmt.Errorf("connect bus: %w", err)
		}
		return b, nil
	case config.BusMemory:
		return bus.NewMemoryBus(bus.Config{BufferSize: cfg.Bus.BufferSize}), nil
	default:
		return nil, nil
	}
}

func newSecurityLayer(cfg config.SecurityConfig, events telemetry.Exporter, logger *logging.Logger, m *metrics.Metrics) (*security.Layer, error) {
	keys := make([]security.APIKey, len(cfg.Keys))
	for i, k := range cfg.Keys {
		keys[i] = security.APIKey{
			Principal:    k.Principal,
			Key:          k.Secret(),
			KeyHash:      k.KeyHash,
			Methods:      k.Methods,
			RateCapacity: k.RateCapacity,
		}
	}

	var audit *security.AuditTrail
	if cfg.Audit {
		var err error
		audit, err = security.NewAuditTrail(events, cfg.AuditRecords)
		if err != nil {
			return nil, fmt.Errorf("audit trail: %w", err)
		}
	}

	layer, err := security.New(security.Config{
		Keys:           keys,
		AllowAnonymous: cfg.AllowAnonymous,
		Public:         cfg.Public,
		RateCapacity:   cfg.RateCapacity,
		RateWindow:     cfg.RateWindow,
		Audit:          audit,
		Logger:         logger,
		Metrics:        m,
	})
	if err != nil {
		return nil, fmt.Errorf("security: %w", err)
	}
	return layer, nil
}

// streamAuthorizer checks event stream callers against the method whose
// events the stream carries.
func streamAuthorizer(layer *security.Layer) transport.Authorizer {
	methods := map[string]string{
		transport.EndpointProgress:  server.MethodBatchDocuments,
		transport.EndpointSubscribe: server.MethodSubscribe,
	}
	return func(ctx context.Context, endpoint string) error {
		return layer.Authorize(ctx, methods[endpoint])
	}
}

func newAdapter(cfg *config.Config, subs *subscription.Manager, layer *security.Layer, logger *logging.Logger, m *metrics.Metrics) transport.Adapter {
	if cfg.Server.Transport == config.TransportHTTP {
		var authorize transport.Authorizer
		if layer != nil {
			authorize = streamAuthorizer(layer)
		}
		a := transport.NewHTTPAdapter(transport.HTTPConfig{
			Addr:              cfg.HTTP.Addr,
			BasePath:          cfg.HTTP.BasePath,
			Keepalive:         cfg.HTTP.Keepalive,
			ProgressQueue:     cfg.HTTP.ProgressQueue,
			ProgressRetention: cfg.HTTP.ProgressRetention,
			MaxBodyBytes:      cfg.HTTP.MaxBodyBytes,
			Subscriptions:     subs,
			Authorize:         authorize,
			Logger:            logger,
			Metrics:           m,
		})
		if cfg.HTTP.Metrics {
			a.Handle("/metrics", m.Handler())
		}
		return a
	}

	var creds transport.Credentials
	if key := os.Getenv(apiKeyEnv); key != "" {
		creds = transport.Credentials{Scheme: "api-key", Token: key}
	}
	return transport.NewStdioAdapter(os.Stdin, os.Stdout, transport.StdioConfig{
		Credentials: creds,
		Logger:      logger,
	})
}

func (a *app) serverOptions(cfg *config.Config, logger *logging.Logger) server.Options {
	var middleware []router.Middleware
	if a.security != nil {
		middleware = append(middleware, a.security.Middleware())
	}
	return server.Options{
		Name:            cfg.Server.Name,
		Version:         version,
		Adapter:         a.adapter,
		Store:           a.store,
		Subscriptions:   a.subs,
		Resources:       cfg.Store.Resources,
		Middleware:      middleware,
		MaxConcurrent:   cfg.Server.MaxConcurrent,
		MaxParallel:     cfg.Batch.MaxParallel,
		MaxBatchItems:   cfg.Batch.MaxItems,
		StrictHandshake: cfg.Server.StrictHandshake,
		Logger:          logger,
		Metrics:         a.metrics,
		Tracer:          a.tracer,
		Events:          a.events,
	}
}

// register hands every component to the coordinator in shutdown order.
func (a *app) register(coord *shutdown.Coordinator) {
	coord.RegisterFunc("transport", shutdown.PhaseTransport, a.adapter.Shutdown)
	coord.RegisterFunc("requests", shutdown.PhaseRequests, func(ctx context.Context) error {
		if a.server == nil {
			return nil
		}
		return a.server.Drain(ctx)
	})
	coord.RegisterFunc("subscriptions", shutdown.PhaseSubscriptions, a.subs.Stop)
	coord.RegisterFunc("backends", shutdown.PhaseBackends, func(ctx context.Context) error {
		return a.closeBackends(ctx)
	})
}

// closeBackends closes what the request path depends on.
func (a *app) closeBackends(ctx context.Context) error {
	var errs []error
	if a.security != nil {
		if err := a.security.Close(); err != nil {
			errs = append(errs, fmt.Errorf("security: %w", err))
		}
	}
	if a.changes != nil {
		a.changes.Unsubscribe()
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("bus: %w", err))
		}
	}
	if a.events != nil {
		if err := a.events.Close(); err != nil {
			errs = append(errs, fmt.Errorf("events: %w", err))
		}
	}
	if a.provider != nil {
		if err := a.provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracing: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// release tears down a partially built app.
func (a *app) release() {
	ctx := context.Background()
	if a.subs != nil {
		a.subs.Stop(ctx)
	}
	a.closeBackends(ctx)
}
