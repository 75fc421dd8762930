package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const (
	ProtocolHTTP   = "http"
	ProtocolStream = "stream"
)

const (
	DefaultServerURL        = "http://localhost:8080"
	DefaultHTTPAddr         = ":8080"
	DefaultShutdownTimeout  = 10 * time.Second
	DefaultDBDriver         = "sqlite"
	DefaultDBDSN            = "observer.db"
	DefaultSamplingRate     = 1.0
	DefaultBatchSize        = 100
	DefaultFlushInterval    = 1000 * time.Millisecond
	DefaultMaxPayloadSizeKB = 256
	DefaultRetryQueueSize   = 64
	DefaultRetryAttempts    = 3
	DefaultTimeout          = 5000 * time.Millisecond
	DefaultStreamQueueSize  = 256
	DefaultPingInterval     = 30 * time.Second
	DefaultEventsPerSecond  = 200
	DefaultBurst            = 400
	DefaultQueryWindow      = 24 * time.Hour
	DefaultMaxQueryWindow   = 30 * 24 * time.Hour
	DefaultMaxQueryLimit    = 1000
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
)

// DefaultRedactPatterns match common credential keys.
var DefaultRedactPatterns = []string{`api[_-]?key`, `password`, `secret`, `token`}

type Config struct {
	Server         ServerConfig
	DB             DBConfig
	Events         EventsConfig
	Capture        map[string]bool
	RedactPatterns []string
	ExcludeFields  []string
	RetryAttempts  int
	Timeout        time.Duration
	Stream         StreamConfig
	RateLimit      RateLimitConfig
	Query          QueryConfig
	Platforms      []PlatformSeed
	Forwarders     ForwarderConfig
	LogLevel       string
	LogFormat      string
}

type ServerConfig struct {
	URL             string
	Protocol        string
	HTTPAddr        string
	ShutdownTimeout time.Duration
}

type DBConfig struct {
	Driver string
	DSN    string
}

type EventsConfig struct {
	SamplingRate    float64
	BatchSize       int
	FlushInterval   time.Duration
	MaxPayloadBytes int
	RetryQueueSize  int
}

type StreamConfig struct {
	QueueSize    int
	PingInterval time.Duration
}

type RateLimitConfig struct {
	// EventsPerSecond <= 0 disables per source_app limiting.
	EventsPerSecond float64
	Burst           int
}

type QueryConfig struct {
	DefaultWindow time.Duration
	MaxWindow     time.Duration
	MaxLimit      int
}

type PlatformSeed struct {
	Name          string
	DisplayName   string
	Version       string
	SchemaVersion string
	Enabled       bool
	Config        map[string]any
}

type ForwarderConfig struct {
	Webhooks []string
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			URL:             DefaultServerURL,
			Protocol:        ProtocolHTTP,
			HTTPAddr:        DefaultHTTPAddr,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		DB: DBConfig{Driver: DefaultDBDriver, DSN: DefaultDBDSN},
		Events: EventsConfig{
			SamplingRate:    DefaultSamplingRate,
			BatchSize:       DefaultBatchSize,
			FlushInterval:   DefaultFlushInterval,
			MaxPayloadBytes: DefaultMaxPayloadSizeKB * 1024,
			RetryQueueSize:  DefaultRetryQueueSize,
		},
		Capture:        map[string]bool{},
		RedactPatterns: append([]string(nil), DefaultRedactPatterns...),
		RetryAttempts:  DefaultRetryAttempts,
		Timeout:        DefaultTimeout,
		Stream:         StreamConfig{QueueSize: DefaultStreamQueueSize, PingInterval: DefaultPingInterval},
		RateLimit:      RateLimitConfig{EventsPerSecond: DefaultEventsPerSecond, Burst: DefaultBurst},
		Query: QueryConfig{
			DefaultWindow: DefaultQueryWindow,
			MaxWindow:     DefaultMaxQueryWindow,
			MaxLimit:      DefaultMaxQueryLimit,
		},
		LogLevel:  DefaultLogLevel,
		LogFormat: DefaultLogFormat,
	}
}

// Load resolves defaults, then the YAML file, then env overrides. Callers
// still run Validate.
func Load() (Config, error) {
	cfg := Default()

	fileCfg, err := loadFileConfig()
	if err != nil {
		return Config{}, err
	}
	if err := applyYAML(&cfg, fileCfg); err != nil {
		return Config{}, err
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// CaptureEnabled reports whether events of category should be kept.
// Categories absent from capture default to enabled.
func (c Config) CaptureEnabled(category string) bool {
	enabled, ok := c.Capture[strings.ToLower(category)]
	return !ok || enabled
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Server.HTTPAddr) == "" {
		return fmt.Errorf("server.http_addr must not be empty")
	}
	switch c.Server.Protocol {
	case ProtocolHTTP, ProtocolStream:
	default:
		return fmt.Errorf("server.protocol must be %s or %s", ProtocolHTTP, ProtocolStream)
	}
	if c.Server.URL != "" {
		parsed, err := url.Parse(c.Server.URL)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return fmt.Errorf("server.url must be an http(s) url, got %q", c.Server.URL)
		}
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}
	switch c.DB.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("%s must be sqlite or postgres", EnvDBDriver)
	}
	if strings.TrimSpace(c.DB.DSN) == "" && c.DB.Driver == "postgres" {
		return fmt.Errorf("%s must not be empty for postgres", EnvDBDSN)
	}
	if c.Events.SamplingRate < 0 || c.Events.SamplingRate > 1 {
		return fmt.Errorf("events.sampling_rate must be within [0.0, 1.0], got %v", c.Events.SamplingRate)
	}
	if c.Events.BatchSize <= 0 {
		return fmt.Errorf("events.batch_size must be > 0")
	}
	if c.Events.FlushInterval <= 0 {
		return fmt.Errorf("events.flush_interval_ms must be > 0")
	}
	if c.Events.MaxPayloadBytes <= 0 {
		return fmt.Errorf("events.max_payload_size_kb must be > 0")
	}
	if c.Events.RetryQueueSize <= 0 {
		return fmt.Errorf("events.retry_queue_size must be > 0")
	}
	for _, pattern := range c.RedactPatterns {
		if strings.TrimSpace(pattern) == "" {
			return fmt.Errorf("redact_patterns must not contain empty entries")
		}
		if _, err := regexp.Compile("(?i)" + pattern); err != nil {
			return fmt.Errorf("invalid redact pattern %q: %w", pattern, err)
		}
	}
	for _, path := range c.ExcludeFields {
		if strings.TrimSpace(path) == "" {
			return fmt.Errorf("exclude_fields must not contain empty entries")
		}
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("retry_attempts must be >= 1")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout_ms must be > 0")
	}
	if c.Stream.QueueSize <= 0 {
		return fmt.Errorf("stream.queue_size must be > 0")
	}
	if c.Stream.PingInterval <= 0 {
		return fmt.Errorf("stream.ping_interval must be > 0")
	}
	if c.RateLimit.EventsPerSecond > 0 && c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate_limit.burst must be > 0 when rate limiting is enabled")
	}
	if c.Query.DefaultWindow <= 0 || c.Query.MaxWindow <= 0 {
		return fmt.Errorf("query windows must be > 0")
	}
	if c.Query.DefaultWindow > c.Query.MaxWindow {
		return fmt.Errorf("query.default_window must not exceed query.max_window")
	}
	if c.Query.MaxLimit <= 0 {
		return fmt.Errorf("query.max_limit must be > 0")
	}
	seen := map[string]struct{}{}
	for _, p := range c.Platforms {
		if p.Name == "" {
			return fmt.Errorf("platforms entries must have a name")
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("platform %q declared twice", p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	for _, raw := range c.Forwarders.Webhooks {
		parsed, err := url.Parse(raw)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return fmt.Errorf("forwarders.webhooks entry %q must be an http(s) url", raw)
		}
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json")
	}
	return nil
}
