package config

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Drop policies for a full writer queue
const (
	// KeepNewest evicts the oldest queued chunk to admit the new one
	KeepNewest = "newest"
	// KeepOldest rejects the incoming chunk
	KeepOldest = "oldest"
)

// ErrInvalidConfig wraps every validation failure
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
	Tracer    TracerConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8000"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
	// GRPCPort serves the traced gRPC health service; empty disables it
	GRPCPort        string        `envconfig:"GRPC_PORT" default:"9000"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds per-client rate limiting configuration.
type RateLimitConfig struct {
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"false"`
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
}

// TracerConfig holds tracer configuration.
type TracerConfig struct {
	Enabled  bool   `envconfig:"TRACE_ENABLED" default:"true"`
	Service  string `envconfig:"TRACE_SERVICE" default:"apmtrace"`
	Env      string `envconfig:"TRACE_ENV"`
	Version  string `envconfig:"TRACE_VERSION"`
	AgentURL string `envconfig:"TRACE_AGENT_URL" default:"http://localhost:8126"`

	// SampleRate applies to every trace no rule matches. Negative leaves
	// the decision to the collector's per-service rates.
	SampleRate        float64 `envconfig:"TRACE_SAMPLE_RATE" default:"-1"`
	RateLimit         float64 `envconfig:"TRACE_RATE_LIMIT" default:"100"`
	SamplingRulesFile string  `envconfig:"TRACE_SAMPLING_RULES_FILE"`

	MaxQueueSize    int           `envconfig:"TRACE_MAX_QUEUE_SIZE" default:"1000"`
	DropPolicy      string        `envconfig:"TRACE_DROP_POLICY" default:"newest"`
	MaxPayloadSpans int           `envconfig:"TRACE_MAX_PAYLOAD_SPANS" default:"1000"`
	FlushInterval   time.Duration `envconfig:"TRACE_FLUSH_INTERVAL" default:"1s"`
	FlushTimeout    time.Duration `envconfig:"TRACE_FLUSH_TIMEOUT" default:"5s"`

	PartialFlushEnabled  bool          `envconfig:"TRACE_PARTIAL_FLUSH_ENABLED" default:"true"`
	PartialFlushMinSpans int           `envconfig:"TRACE_PARTIAL_FLUSH_MIN_SPANS" default:"500"`
	MaxOpenTraces        int           `envconfig:"TRACE_MAX_OPEN_TRACES" default:"10000"`
	TraceTimeout         time.Duration `envconfig:"TRACE_TIMEOUT" default:"10m"`
	SweepInterval        time.Duration `envconfig:"TRACE_SWEEP_INTERVAL" default:"30s"`
	KeepUnsampled        bool          `envconfig:"TRACE_KEEP_UNSAMPLED" default:"false"`

	RetryMax       int           `envconfig:"TRACE_RETRY_MAX" default:"3"`
	RetryWaitMin   time.Duration `envconfig:"TRACE_RETRY_WAIT_MIN" default:"100ms"`
	RetryWaitMax   time.Duration `envconfig:"TRACE_RETRY_WAIT_MAX" default:"2s"`
	RequestTimeout time.Duration `envconfig:"TRACE_REQUEST_TIMEOUT" default:"2s"`
	Compression    bool          `envconfig:"TRACE_COMPRESSION" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8000",
			Host:            "0.0.0.0",
			GRPCPort:        "9000",
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerSecond: 100,
			Burst:             200,
		},
		Tracer: DefaultTracer(),
	}
}

// DefaultTracer returns the default tracer configuration.
func DefaultTracer() TracerConfig {
	return TracerConfig{
		Enabled:              true,
		Service:              "apmtrace",
		AgentURL:             "http://localhost:8126",
		SampleRate:           -1,
		RateLimit:            100,
		MaxQueueSize:         1000,
		DropPolicy:           KeepNewest,
		MaxPayloadSpans:      1000,
		FlushInterval:        time.Second,
		FlushTimeout:         5 * time.Second,
		PartialFlushEnabled:  true,
		PartialFlushMinSpans: 500,
		MaxOpenTraces:        10000,
		TraceTimeout:         10 * time.Minute,
		SweepInterval:        30 * time.Second,
		RetryMax:             3,
		RetryWaitMin:         100 * time.Millisecond,
		RetryWaitMax:         2 * time.Second,
		RequestTimeout:       2 * time.Second,
		Compression:          true,
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("%w: server port is required", ErrInvalidConfig)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: SHUTDOWN_TIMEOUT must be positive", ErrInvalidConfig)
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0) {
		return fmt.Errorf("%w: RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive", ErrInvalidConfig)
	}
	return c.Tracer.Validate()
}

// Validate checks the tracer settings for values the tracer cannot run with.
func (c TracerConfig) Validate() error {
	if c.Service == "" {
		return fmt.Errorf("%w: TRACE_SERVICE is required", ErrInvalidConfig)
	}
	if u, err := url.Parse(c.AgentURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: TRACE_AGENT_URL %q is not an absolute URL", ErrInvalidConfig, c.AgentURL)
	}
	if math.IsNaN(c.SampleRate) || c.SampleRate > 1 {
		return fmt.Errorf("%w: TRACE_SAMPLE_RATE %v must be within [0, 1]", ErrInvalidConfig, c.SampleRate)
	}
	if c.DropPolicy != KeepNewest && c.DropPolicy != KeepOldest {
		return fmt.Errorf("%w: TRACE_DROP_POLICY %q must be %q or %q", ErrInvalidConfig, c.DropPolicy, KeepNewest, KeepOldest)
	}

	positive := []struct {
		name  string
		value int
	}{
		{"TRACE_MAX_QUEUE_SIZE", c.MaxQueueSize},
		{"TRACE_MAX_PAYLOAD_SPANS", c.MaxPayloadSpans},
		{"TRACE_PARTIAL_FLUSH_MIN_SPANS", c.PartialFlushMinSpans},
		{"TRACE_MAX_OPEN_TRACES", c.MaxOpenTraces},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidConfig, p.name, p.value)
		}
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"TRACE_FLUSH_INTERVAL", c.FlushInterval},
		{"TRACE_FLUSH_TIMEOUT", c.FlushTimeout},
		{"TRACE_TIMEOUT", c.TraceTimeout},
		{"TRACE_SWEEP_INTERVAL", c.SweepInterval},
		{"TRACE_REQUEST_TIMEOUT", c.RequestTimeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %s", ErrInvalidConfig, d.name, d.value)
		}
	}

	if c.RetryMax < 0 {
		return fmt.Errorf("%w: TRACE_RETRY_MAX must not be negative", ErrInvalidConfig)
	}
	if c.RetryWaitMin > c.RetryWaitMax {
		return fmt.Errorf("%w: TRACE_RETRY_WAIT_MIN %s exceeds TRACE_RETRY_WAIT_MAX %s", ErrInvalidConfig, c.RetryWaitMin, c.RetryWaitMax)
	}
	return nil
}

// SampleRateSet reports whether a global sample rate was configured.
func (c TracerConfig) SampleRateSet() bool {
	return c.SampleRate >= 0
}
