// Package config loads the server configuration from TOML.
package config

import (
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/docrpc/bus"
	"github.com/vinayprograms/docrpc/logging"
)

// Transport names.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Bus drivers.
const (
	BusMemory = "memory"
	BusNATS   = "nats"
)

// Config is the complete server configuration.
type Config struct {
	Server        ServerConfig        `toml:"server"`
	HTTP          HTTPConfig          `toml:"http"`
	Store         StoreConfig         `toml:"store"`
	Subscriptions SubscriptionsConfig `toml:"subscriptions"`
	Batch         BatchConfig         `toml:"batch"`
	Security      SecurityConfig      `toml:"security"`
	Telemetry     TelemetryConfig     `toml:"telemetry"`
	Bus           BusConfig           `toml:"bus"`
	Logging       LoggingConfig       `toml:"logging"`
}

// ServerConfig selects the transport and bounds request handling.
type ServerConfig struct {
	Name      string `toml:"name"`
	Transport string `toml:"transport"`

	// MaxConcurrent caps requests handled at once.
	MaxConcurrent int `toml:"max_concurrent"`

	// StrictHandshake rejects every method but initialize and ping until
	// initialize has been called.
	StrictHandshake bool `toml:"strict_handshake"`

	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

// HTTPConfig configures the HTTP transport.
type HTTPConfig struct {
	Addr              string        `toml:"addr"`
	BasePath          string        `toml:"base_path"`
	Keepalive         time.Duration `toml:"keepalive"`
	ProgressQueue     int           `toml:"progress_queue"`
	ProgressRetention time.Duration `toml:"progress_retention"`
	MaxBodyBytes      int64         `toml:"max_body_bytes"`

	// Metrics mounts the Prometheus handler at {base}/metrics.
	Metrics bool `toml:"metrics"`
}

// StoreConfig selects the store adapter and maps resource types to tables.
type StoreConfig struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"`

	// Retention bounds the versions the memory store keeps. Zero keeps all.
	Retention int `toml:"retention"`

	// Resources maps each resource type to its table.
	Resources map[string]string `toml:"resources"`
}

// SubscriptionsConfig tunes change detection and delivery.
type SubscriptionsConfig struct {
	DefaultInterval time.Duration `toml:"default_interval"`
	MinInterval     time.Duration `toml:"min_interval"`
	BatchSize       int           `toml:"batch_size"`
	BufferSize      int           `toml:"buffer_size"`
	MaxBackoff      time.Duration `toml:"max_backoff"`
	PollTimeout     time.Duration `toml:"poll_timeout"`
}

// BatchConfig bounds batch execution.
type BatchConfig struct {
	// MaxParallel caps fan-out work such as reading table versions.
	MaxParallel int `toml:"max_parallel"`

	// MaxItems caps the operations one batch request may carry.
	MaxItems int `toml:"max_items"`
}

// SecurityConfig configures the security layer.
type SecurityConfig struct {
	Enabled        bool          `toml:"enabled"`
	AllowAnonymous bool          `toml:"allow_anonymous"`
	Public         []string      `toml:"public"`
	RateCapacity   int           `toml:"rate_capacity"`
	RateWindow     time.Duration `toml:"rate_window"`
	Audit          bool          `toml:"audit"`
	AuditRecords   int           `toml:"audit_records"`
	Keys           []KeyConfig   `toml:"keys"`
}

// KeyConfig is one API key.
type KeyConfig struct {
	Principal string `toml:"principal"`
	Key       string `toml:"key"`
	KeyHash   string `toml:"key_hash"`

	// KeyEnv names an environment variable holding the key.
	KeyEnv string `toml:"key_env"`

	Methods      []string `toml:"methods"`
	RateCapacity int      `toml:"rate_capacity"`
}

// Secret returns the configured key, reading KeyEnv when Key is empty.
func (k KeyConfig) Secret() string {
	if k.Key != "" {
		return k.Key
	}
	if k.KeyEnv != "" {
		return os.Getenv(k.KeyEnv)
	}
	return ""
}

// TelemetryConfig configures tracing and the event exporter.
type TelemetryConfig struct {
	Enabled     bool    `toml:"enabled"`
	Endpoint    string  `toml:"endpoint"`
	Protocol    string  `toml:"protocol"`
	Insecure    bool    `toml:"insecure"`
	SampleRatio float64 `toml:"sample_ratio"`
	Debug       bool    `toml:"debug"`

	// Events selects the runtime event exporter: "file", "http" or "noop".
	Events         string `toml:"events"`
	EventsEndpoint string `toml:"events_endpoint"`
}

// BusConfig configures change fan-out. With no driver the bus is off
// unless a URL is set, which selects nats.
type BusConfig struct {
	Driver        string `toml:"driver"`
	URL           string `toml:"url"`
	SubjectPrefix string `toml:"subject_prefix"`
	Token         string `toml:"token"`
	TokenEnv      string `toml:"token_env"`

	// BufferSize bounds each in-process subscriber.
	BufferSize int `toml:"buffer_size"`

	// ExportChanges forwards every published change to the event exporter.
	ExportChanges bool `toml:"export_changes"`
}

// BusDriver returns the driver in effect, or "" when the bus is off.
func (b BusConfig) BusDriver() string {
	if b.Driver == "" && b.URL != "" {
		return BusNATS
	}
	return b.Driver
}

// LoggingConfig sets the log level.
type LoggingConfig struct {
	Level string `toml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Name:            "docrpc",
			Transport:       TransportStdio,
			MaxConcurrent:   64,
			ShutdownTimeout: 30 * time.Second,
		},
		HTTP: HTTPConfig{
			Addr:              ":8080",
			Keepalive:         25 * time.Second,
			ProgressQueue:     64,
			ProgressRetention: 5 * time.Minute,
			MaxBodyBytes:      1 << 20,
			Metrics:           true,
		},
		Store: StoreConfig{
			Driver:    DriverMemory,
			Resources: DefaultResources(),
		},
		Subscriptions: SubscriptionsConfig{
			DefaultInterval: 5 * time.Second,
			MinInterval:     time.Second,
			BatchSize:       100,
			BufferSize:      1000,
			MaxBackoff:      60 * time.Second,
			PollTimeout:     30 * time.Second,
		},
		Batch: BatchConfig{
			MaxParallel: 4,
			MaxItems:    1000,
		},
		Security: SecurityConfig{
			Public:     []string{"initialize", "ping"},
			RateWindow: time.Minute,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			SampleRatio: 1,
			Events:      "noop",
		},
		Bus: BusConfig{
			SubjectPrefix: "docrpc.changes",
		},
		Logging: LoggingConfig{
			Level: string(logging.LevelInfo),
		},
	}
}

// LoadFile reads a TOML file over the defaults.
func LoadFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(string(content))
}

// Parse decodes TOML content over the defaults and validates the result.
// Unknown keys are rejected.
func Parse(content string) (*Config, error) {
	cfg := Default()
	cfg.Store.Resources = nil
	md, err := toml.Decode(content, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	if len(cfg.Store.Resources) == 0 {
		cfg.Store.Resources = DefaultResources()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultResources is the resource mapping used when none is configured.
// Decoding merges into an existing map, so defaults are applied after it.
func DefaultResources() map[string]string {
	return map[string]string{"documents": "documents"}
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	switch c.Server.Transport {
	case TransportStdio, TransportHTTP:
	default:
		return fmt.Errorf("server.transport: unknown transport %q", c.Server.Transport)
	}
	if c.Server.MaxConcurrent < 1 {
		return fmt.Errorf("server.max_concurrent must be at least 1")
	}

	if c.Server.Transport == TransportHTTP && c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required for the http transport")
	}
	if c.HTTP.BasePath != "" && !strings.HasPrefix(c.HTTP.BasePath, "/") {
		return fmt.Errorf("http.base_path must start with /")
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver)
	}
	if len(c.Store.Resources) == 0 {
		return fmt.Errorf("store.resources: at least one resource type is required")
	}
	for rt, table := range c.Store.Resources {
		if rt == "" || table == "" || rt == "all" {
			return fmt.Errorf("store.resources: invalid mapping %q = %q", rt, table)
		}
	}

	s := c.Subscriptions
	if s.MinInterval > 0 && s.DefaultInterval > 0 && s.DefaultInterval < s.MinInterval {
		return fmt.Errorf("subscriptions.default_interval is below min_interval")
	}

	if c.Security.Enabled {
		if len(c.Security.Keys) == 0 && !c.Security.AllowAnonymous {
			return fmt.Errorf("security: enabled without keys or allow_anonymous")
		}
		for i, k := range c.Security.Keys {
			if k.Principal == "" {
				return fmt.Errorf("security.keys[%d]: principal is required", i)
			}
			if k.Secret() == "" && k.KeyHash == "" {
				return fmt.Errorf("security.keys[%d] (%s): key, key_env or key_hash is required", i, k.Principal)
			}
			for _, m := range k.Methods {
				if _, err := path.Match(m, ""); err != nil {
					return fmt.Errorf("security.keys[%d] (%s): bad method pattern %q", i, k.Principal, m)
				}
			}
		}
		if c.Security.RateCapacity > 0 && c.Security.RateWindow <= 0 {
			return fmt.Errorf("security.rate_window must be positive when rate_capacity is set")
		}
	}

	switch c.Bus.BusDriver() {
	case "":
		if c.Bus.ExportChanges {
			return fmt.Errorf("bus.export_changes needs a bus driver")
		}
	case BusMemory:
	case BusNATS:
		if c.Bus.URL == "" {
			return fmt.Errorf("bus.url is required for the nats driver")
		}
	default:
		return fmt.Errorf("bus.driver: unknown driver %q", c.Bus.Driver)
	}
	if c.Bus.BusDriver() != "" {
		if err := bus.ValidateSubject(c.Bus.SubjectPrefix); err != nil {
			return fmt.Errorf("bus.subject_prefix: %w", err)
		}
	}

	if c.Telemetry.Enabled {
		switch c.Telemetry.Protocol {
		case "grpc", "http":
		default:
			return fmt.Errorf("telemetry.protocol: unknown protocol %q", c.Telemetry.Protocol)
		}
	}

	return nil
}

// BusToken returns the bus token, reading TokenEnv when Token is empty.
func (b BusConfig) BusToken() string {
	if b.Token != "" {
		return b.Token
	}
	if b.TokenEnv != "" {
		return os.Getenv(b.TokenEnv)
	}
	return ""
}
