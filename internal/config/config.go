package config

import (
	"time"

	"github.com/marketbridge/marketbridge/internal/core"
)

// Config represents the complete application configuration. Values come
// from, in increasing precedence: built-in defaults (SetDefaults), the
// config file, a .env file, MARKETBRIDGE_* environment variables, and
// runtime overrides.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Health    HealthConfig    `mapstructure:"health" yaml:"health"`
	Debug     DebugConfig     `mapstructure:"debug" yaml:"debug"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch" yaml:"dispatch"`
	Breaker   BreakerConfig   `mapstructure:"breaker" yaml:"breaker"`
	Optimizer OptimizerConfig `mapstructure:"optimizer" yaml:"optimizer"`
	Gateway   GatewayConfig   `mapstructure:"gateway" yaml:"gateway"`

	Marketplaces []MarketplaceConfig         `mapstructure:"marketplaces" yaml:"marketplaces"`
	Credentials  map[string]CredentialConfig `mapstructure:"credentials" yaml:"credentials,omitempty"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	// ControlRate caps /v1 requests per second across all clients. Zero disables it.
	ControlRate  float64 `mapstructure:"control_rate" yaml:"control_rate"`
	ControlBurst int     `mapstructure:"control_burst" yaml:"control_burst"`
}

// StoreConfig selects where metrics, health records and window limiter
// state are persisted.
//
// Driver is one of libsql (local file or Turso), redis, or none.
type StoreConfig struct {
	Driver    string      `mapstructure:"driver" yaml:"driver"`
	Path      string      `mapstructure:"path" yaml:"path"`
	URL       string      `mapstructure:"url" yaml:"url"`
	AuthToken string      `mapstructure:"auth_token" yaml:"auth_token"`
	Redis     RedisConfig `mapstructure:"redis" yaml:"redis"`
}

// RedisConfig configures the shared Redis store.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr" yaml:"addr"`
	Password  string        `mapstructure:"password" yaml:"password"`
	DB        int           `mapstructure:"db" yaml:"db"`
	KeyPrefix string        `mapstructure:"key_prefix" yaml:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// LoggingConfig contains logging configuration
// Supports progressive logging profiles:
// - SIMPLE: Console output only, minimal configuration (CLI tools)
// - STRUCTURED: Structured sinks, correlation IDs (API services)
// - ENTERPRISE: Multiple sinks, middleware, throttling, policy enforcement (production)
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`

	// Profile selects the logging complexity level
	// Valid values: SIMPLE, STRUCTURED, ENTERPRISE
	Profile string `mapstructure:"profile" yaml:"profile"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	// Enabled controls whether metrics are exposed
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the dedicated metrics endpoint port (Prometheus format)
	// Metrics are also available at the main HTTP port in JSON format
	Port int `mapstructure:"port" yaml:"port"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	// Enabled controls whether background marketplace health probes run.
	// The /health endpoints are always served.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// ProbeTimeout bounds a single marketplace health probe
	ProbeTimeout time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
}

// DebugConfig contains debug and profiling configuration
type DebugConfig struct {
	// Enabled controls whether debug mode is active
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// PprofEnabled controls whether pprof endpoints are exposed
	// WARNING: Only enable in development/staging environments
	PprofEnabled bool `mapstructure:"pprof_enabled" yaml:"pprof_enabled"`
}

// DispatchConfig tunes the dispatcher and the metrics collector.
type DispatchConfig struct {
	MaxTokenWait    time.Duration `mapstructure:"max_token_wait" yaml:"max_token_wait"`
	BulkWorkers     int           `mapstructure:"bulk_workers" yaml:"bulk_workers"`
	BulkTimeout     time.Duration `mapstructure:"bulk_timeout" yaml:"bulk_timeout"`
	MetricsInterval time.Duration `mapstructure:"metrics_interval" yaml:"metrics_interval"`
	WindowLimits    bool          `mapstructure:"window_limits" yaml:"window_limits"`
}

// BreakerConfig configures every marketplace circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// OptimizerConfig configures the decrease-only rate optimizer.
type OptimizerConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	MinRequests int64   `mapstructure:"min_requests" yaml:"min_requests"`
	Threshold   float64 `mapstructure:"threshold" yaml:"threshold"`
	Factor      float64 `mapstructure:"factor" yaml:"factor"`
	Floor       float64 `mapstructure:"floor" yaml:"floor"`
}

// GatewayConfig selects how marketplace calls leave the process.
//
// Mode is http (real marketplace APIs) or simulated (in-process stand-in).
type GatewayConfig struct {
	Mode         string          `mapstructure:"mode" yaml:"mode"`
	Timeout      time.Duration   `mapstructure:"timeout" yaml:"timeout"`
	MaxBodyBytes int64           `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
	Simulated    SimulatedConfig `mapstructure:"simulated" yaml:"simulated"`
}

// SimulatedConfig shapes the simulated gateway.
type SimulatedConfig struct {
	Latency        time.Duration `mapstructure:"latency" yaml:"latency"`
	FailureRate    float64       `mapstructure:"failure_rate" yaml:"failure_rate"`
	RateLimitAfter int           `mapstructure:"rate_limit_after" yaml:"rate_limit_after"`
	RetryAfter     time.Duration `mapstructure:"retry_after" yaml:"retry_after"`
}

// MarketplaceConfig is one configured marketplace integration.
type MarketplaceConfig struct {
	Name                string               `mapstructure:"name" yaml:"name"`
	BaseURL             string               `mapstructure:"base_url" yaml:"base_url"`
	Priority            int                  `mapstructure:"priority" yaml:"priority"`
	HealthCheckInterval time.Duration        `mapstructure:"health_check_interval" yaml:"health_check_interval"`
	HealthCheckPath     string               `mapstructure:"health_check_path" yaml:"health_check_path"`
	RateLimit           core.RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// Endpoint converts the config entry into the engine's endpoint type.
func (m MarketplaceConfig) Endpoint() core.MarketplaceEndpoint {
	return core.MarketplaceEndpoint{
		Name:                m.Name,
		BaseURL:             m.BaseURL,
		RateLimit:           m.RateLimit,
		Priority:            m.Priority,
		HealthCheckInterval: m.HealthCheckInterval,
		HealthCheckPath:     m.HealthCheckPath,
	}
}

// CredentialConfig describes how to authenticate against one marketplace.
//
// Type is bearer (Token) or headers (Headers).
type CredentialConfig struct {
	Type    string            `mapstructure:"type" yaml:"type"`
	Token   string            `mapstructure:"token" yaml:"token,omitempty"`
	Headers map[string]string `mapstructure:"headers" yaml:"headers,omitempty"`
}

// Endpoints returns the configured marketplaces as engine endpoints.
func (c *Config) Endpoints() []core.MarketplaceEndpoint {
	out := make([]core.MarketplaceEndpoint, 0, len(c.Marketplaces))
	for _, m := range c.Marketplaces {
		out = append(out, m.Endpoint())
	}
	return out
}
