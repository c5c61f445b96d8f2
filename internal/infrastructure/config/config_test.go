package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "9000", cfg.Server.GRPCPort)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.False(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 200, cfg.RateLimit.Burst)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Logging.Development)

	assert.True(t, cfg.Tracer.Enabled)
	assert.Equal(t, "http://localhost:8126", cfg.Tracer.AgentURL)
	assert.Equal(t, KeepNewest, cfg.Tracer.DropPolicy)
	assert.Equal(t, 500, cfg.Tracer.PartialFlushMinSpans)
	assert.Equal(t, 5*time.Second, cfg.Tracer.FlushTimeout)
	assert.False(t, cfg.Tracer.SampleRateSet())

	require.NoError(t, cfg.Validate())
}

func TestLoadMatchesDefault(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, Default(), cfg)
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	envVars := map[string]string{
		"PORT":                          "9000",
		"LOG_LEVEL":                     "debug",
		"TRACE_SERVICE":                 "checkout",
		"TRACE_ENV":                     "prod",
		"TRACE_VERSION":                 "1.2.3",
		"TRACE_AGENT_URL":               "http://agent:8126",
		"TRACE_SAMPLE_RATE":             "0.25",
		"TRACE_DROP_POLICY":             "oldest",
		"TRACE_MAX_QUEUE_SIZE":          "10",
		"TRACE_FLUSH_INTERVAL":          "250ms",
		"TRACE_PARTIAL_FLUSH_ENABLED":   "false",
		"TRACE_PARTIAL_FLUSH_MIN_SPANS": "50",
		"TRACE_RETRY_MAX":               "5",
		"TRACE_COMPRESSION":             "false",
	}

	for key, value := range envVars {
		err := os.Setenv(key, value)
		require.NoError(t, err)
		defer os.Unsetenv(key)
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "checkout", cfg.Tracer.Service)
	assert.Equal(t, "prod", cfg.Tracer.Env)
	assert.Equal(t, "1.2.3", cfg.Tracer.Version)
	assert.Equal(t, "http://agent:8126", cfg.Tracer.AgentURL)
	assert.Equal(t, 0.25, cfg.Tracer.SampleRate)
	assert.True(t, cfg.Tracer.SampleRateSet())
	assert.Equal(t, KeepOldest, cfg.Tracer.DropPolicy)
	assert.Equal(t, 10, cfg.Tracer.MaxQueueSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Tracer.FlushInterval)
	assert.False(t, cfg.Tracer.PartialFlushEnabled)
	assert.Equal(t, 50, cfg.Tracer.PartialFlushMinSpans)
	assert.Equal(t, 5, cfg.Tracer.RetryMax)
	assert.False(t, cfg.Tracer.Compression)

	// defaults still apply
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 10*time.Minute, cfg.Tracer.TraceTimeout)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"unparseable rate", "TRACE_SAMPLE_RATE", "half"},
		{"rate above one", "TRACE_SAMPLE_RATE", "1.5"},
		{"unknown drop policy", "TRACE_DROP_POLICY", "random"},
		{"zero queue", "TRACE_MAX_QUEUE_SIZE", "0"},
		{"relative agent url", "TRACE_AGENT_URL", "localhost"},
		{"bad duration", "TRACE_FLUSH_TIMEOUT", "soon"},
		{"zero shutdown timeout", "SHUTDOWN_TIMEOUT", "0s"},
		{"unparseable rps", "RATE_LIMIT_RPS", "fast"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := os.Setenv(tt.key, tt.value)
			require.NoError(t, err)
			defer os.Unsetenv(tt.key)

			_, err = Load()
			assert.Error(t, err)

			cfg := LoadOrDefault()
			assert.Equal(t, Default(), cfg)
		})
	}
}

func TestTracerValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *TracerConfig)
		wantErr bool
	}{
		{"defaults", func(c *TracerConfig) {}, false},
		{"rate zero", func(c *TracerConfig) { c.SampleRate = 0 }, false},
		{"rate one", func(c *TracerConfig) { c.SampleRate = 1 }, false},
		{"empty service", func(c *TracerConfig) { c.Service = "" }, true},
		{"negative retries", func(c *TracerConfig) { c.RetryMax = -1 }, true},
		{"inverted backoff", func(c *TracerConfig) { c.RetryWaitMin = 5 * time.Second }, true},
		{"zero partial threshold", func(c *TracerConfig) { c.PartialFlushMinSpans = 0 }, true},
		{"zero sweep", func(c *TracerConfig) { c.SweepInterval = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultTracer()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseSamplingRules(t *testing.T) {
	yamlRules := []byte(`
rate_limit: 50
rules:
  - service: checkout
    sample_rate: 1
  - name: /^health/
    sample_rate: 0
`)
	tomlRules := []byte(`
rate_limit = 50

[[rules]]
service = "checkout"
sample_rate = 1.0

[[rules]]
name = "/^health/"
sample_rate = 0.0
`)

	for _, tc := range []struct {
		ext  string
		data []byte
	}{{".yaml", yamlRules}, {".toml", tomlRules}} {
		t.Run(tc.ext, func(t *testing.T) {
			rules, err := ParseSamplingRules(tc.data, tc.ext)
			require.NoError(t, err)

			require.NotNil(t, rules.RateLimit)
			assert.Equal(t, 50.0, *rules.RateLimit)
			require.Len(t, rules.Rules, 2)
			assert.Equal(t, SamplingRule{Service: "checkout", SampleRate: 1}, rules.Rules[0])
			assert.Equal(t, SamplingRule{Name: "/^health/", SampleRate: 0}, rules.Rules[1])
		})
	}
}

func TestParseSamplingRulesErrors(t *testing.T) {
	_, err := ParseSamplingRules([]byte("rules: []"), ".json")
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = ParseSamplingRules([]byte("rules:\n  - sample_rate: 2\n"), ".yml")
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = ParseSamplingRules([]byte("rules = ["), ".toml")
	assert.Error(t, err)
}

func TestLoadSamplingRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - service: web\n    sample_rate: 0.5\n"), 0o644))

	rules, err := LoadSamplingRules(path)
	require.NoError(t, err)
	assert.Nil(t, rules.RateLimit)
	assert.Equal(t, []SamplingRule{{Service: "web", SampleRate: 0.5}}, rules.Rules)

	_, err = LoadSamplingRules(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
