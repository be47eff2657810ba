// Package config provides centralized configuration management for
// marketbridge. Configuration is layered with viper:
// Layer 1: built-in defaults (SetDefaults)
// Layer 2: config file ($XDG_CONFIG_HOME/marketbridge/config.yaml or --config)
// Layer 3: .env file, MARKETBRIDGE_* environment variables, runtime overrides
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// AppName names config, data and cache directories.
	AppName = "marketbridge"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "MARKETBRIDGE"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

var (
	// appConfig holds the current application configuration
	appConfig *Config
	configMu  sync.RWMutex
)

// envAliases are short environment names kept alongside the
// MARKETBRIDGE_<SECTION>_<KEY> form derived from the key.
var envAliases = map[string][]string{
	"server.host":      {"HOST"},
	"server.port":      {"PORT"},
	"logging.level":    {"LOG_LEVEL"},
	"logging.profile":  {"LOG_PROFILE"},
	"store.driver":     {"DB_DRIVER"},
	"store.path":       {"DB_PATH"},
	"store.url":        {"DB_URL"},
	"store.auth_token": {"DB_AUTH_TOKEN"},
	"store.redis.addr": {"REDIS_ADDR"},
	"gateway.mode":     {"GATEWAY_MODE"},
}

// SetDefaults registers every built-in default on v.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.control_rate", 20.0)
	v.SetDefault("server.control_burst", 40)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "SIMPLE")

	// Store defaults
	v.SetDefault("store.driver", "libsql")
	v.SetDefault("store.path", "")
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.key_prefix", AppName)
	v.SetDefault("store.redis.ttl", "168h")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	// Health check defaults
	v.SetDefault("health.enabled", true)
	v.SetDefault("health.probe_timeout", "10s")

	// Debug defaults
	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)

	// Dispatch defaults
	v.SetDefault("dispatch.max_token_wait", "250ms")
	v.SetDefault("dispatch.bulk_workers", 10)
	v.SetDefault("dispatch.bulk_timeout", "30s")
	v.SetDefault("dispatch.metrics_interval", "60s")
	v.SetDefault("dispatch.window_limits", true)

	// Breaker defaults
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.timeout", "60s")

	// Optimizer defaults
	v.SetDefault("optimizer.enabled", true)
	v.SetDefault("optimizer.min_requests", 100)
	v.SetDefault("optimizer.threshold", 0.1)
	v.SetDefault("optimizer.factor", 0.8)
	v.SetDefault("optimizer.floor", 1.0)

	// Gateway defaults
	v.SetDefault("gateway.mode", "http")
	v.SetDefault("gateway.timeout", "10s")
	v.SetDefault("gateway.max_body_bytes", 4<<20)
	v.SetDefault("gateway.simulated.latency", "50ms")
	v.SetDefault("gateway.simulated.failure_rate", 0.0)
	v.SetDefault("gateway.simulated.rate_limit_after", 0)
	v.SetDefault("gateway.simulated.retry_after", "1s")

	v.SetDefault("marketplaces", DefaultMarketplaces())
}

// DefaultMarketplaces returns the stock marketplace list.
func DefaultMarketplaces() []map[string]any {
	return []map[string]any{
		{
			"name":                  "coupang",
			"base_url":              "https://api-gateway.coupang.com",
			"priority":              1,
			"health_check_interval": "300s",
			"health_check_path":     "/",
			"rate_limit": map[string]any{
				"max_requests_per_second": 10.0,
				"max_requests_per_minute": 500,
				"max_requests_per_hour":   20000,
				"burst_allowance":         20,
				"backoff_base":            1.0,
				"max_backoff":             300.0,
			},
		},
		{
			"name":                  "naver",
			"base_url":              "https://api.commerce.naver.com",
			"priority":              2,
			"health_check_interval": "300s",
			"health_check_path":     "/",
			"rate_limit": map[string]any{
				"max_requests_per_second": 5.0,
				"max_requests_per_minute": 250,
				"max_requests_per_hour":   10000,
				"burst_allowance":         10,
				"backoff_base":            1.0,
				"max_backoff":             300.0,
			},
		},
		{
			"name":                  "11st",
			"base_url":              "https://openapi.11st.co.kr",
			"priority":              3,
			"health_check_interval": "300s",
			"health_check_path":     "/",
			"rate_limit": map[string]any{
				"max_requests_per_second": 2.0,
				"max_requests_per_minute": 100,
				"max_requests_per_hour":   5000,
				"burst_allowance":         5,
				"backoff_base":            2.0,
				"max_backoff":             600.0,
			},
		},
	}
}

// ConfigureEnv wires MARKETBRIDGE_* environment variables into v.
func ConfigureEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	keys := make([]string, 0, len(envAliases))
	for key := range envAliases {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		names := []string{envName(key)}
		for _, alias := range envAliases[key] {
			names = append(names, EnvPrefix+"_"+alias)
		}
		_ = v.BindEnv(append([]string{key}, names...)...)
	}
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overwriting variables that are already set. A missing file is
// only an error when required is true.
func LoadDotEnv(path string, required bool) error {
	path = strings.TrimSpace(path)
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("env file %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Load decodes the effective configuration from v. When v is nil a fresh
// viper instance with defaults and environment bindings is used.
//
// This function is safe to call multiple times (e.g., for config reload)
func Load(v *viper.Viper, runtimeOverrides ...map[string]any) (*Config, error) {
	if v == nil {
		v = viper.New()
		SetDefaults(v)
		ConfigureEnv(v)
	}

	for _, overrides := range runtimeOverrides {
		for key, value := range flatten("", overrides) {
			v.Set(key, value)
		}
	}

	cfg := &Config{}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if strings.TrimSpace(cfg.Store.URL) == "" && strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = DefaultStorePath()
	}
	cfg.Logging.Profile = strings.ToUpper(strings.TrimSpace(cfg.Logging.Profile))
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	cfg.Gateway.Mode = strings.ToLower(strings.TrimSpace(cfg.Gateway.Mode))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Store the loaded config
	setConfig(cfg)

	return cfg, nil
}

func flatten(prefix string, in map[string]any) map[string]any {
	out := make(map[string]any)
	for key, value := range in {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok {
			for k, v := range flatten(full, nested) {
				out[k] = v
			}
			continue
		}
		out[full] = value
	}
	return out
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		add("server.port %d out of range", c.Server.Port)
	}
	if c.Server.ControlRate < 0 || c.Server.ControlBurst < 0 {
		add("server.control_rate and server.control_burst must not be negative")
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		add("metrics.port %d out of range", c.Metrics.Port)
	}

	switch c.Logging.Profile {
	case "", "SIMPLE", "STRUCTURED", "ENTERPRISE":
	default:
		add("logging.profile %q is not one of SIMPLE, STRUCTURED, ENTERPRISE", c.Logging.Profile)
	}

	switch c.Store.Driver {
	case "", "libsql", "none":
	case "redis":
		if strings.TrimSpace(c.Store.Redis.Addr) == "" {
			add("store.redis.addr is required for the redis driver")
		}
	default:
		add("store.driver %q is not one of libsql, redis, none", c.Store.Driver)
	}

	switch c.Gateway.Mode {
	case "", "http", "simulated":
	default:
		add("gateway.mode %q is not one of http, simulated", c.Gateway.Mode)
	}
	if rate := c.Gateway.Simulated.FailureRate; rate < 0 || rate > 1 {
		add("gateway.simulated.failure_rate %.2f must be within [0,1]", rate)
	}

	if c.Dispatch.BulkWorkers < 0 {
		add("dispatch.bulk_workers must not be negative")
	}
	if c.Dispatch.BulkTimeout < 0 || c.Dispatch.MaxTokenWait < 0 || c.Dispatch.MetricsInterval < 0 {
		add("dispatch durations must not be negative")
	}
	if c.Breaker.FailureThreshold < 0 || c.Breaker.Timeout < 0 {
		add("breaker settings must not be negative")
	}
	if c.Optimizer.Factor < 0 || c.Optimizer.Factor >= 1 {
		add("optimizer.factor %.2f must be within [0,1)", c.Optimizer.Factor)
	}
	if c.Optimizer.Threshold < 0 || c.Optimizer.Threshold > 1 {
		add("optimizer.threshold %.2f must be within [0,1]", c.Optimizer.Threshold)
	}

	if len(c.Marketplaces) == 0 {
		add("at least one marketplace is required")
	}
	seen := make(map[string]struct{}, len(c.Marketplaces))
	for i, m := range c.Marketplaces {
		name := strings.TrimSpace(m.Name)
		if name == "" {
			add("marketplaces[%d].name is required", i)
			continue
		}
		if _, dup := seen[name]; dup {
			add("marketplace %q is configured twice", name)
		}
		seen[name] = struct{}{}
		if c.Gateway.Mode != "simulated" && strings.TrimSpace(m.BaseURL) == "" {
			add("marketplace %q: base_url is required", name)
		}
		if err := m.RateLimit.Validate(); err != nil {
			add("marketplace %q: %w", name, err)
		}
	}

	for name, cred := range c.Credentials {
		switch strings.ToLower(strings.TrimSpace(cred.Type)) {
		case "bearer":
			if strings.TrimSpace(cred.Token) == "" {
				add("credentials.%s: bearer token is empty", name)
			}
		case "headers":
			if len(cred.Headers) == 0 {
				add("credentials.%s: no headers configured", name)
			}
		default:
			add("credentials.%s: type %q is not one of bearer, headers", name, cred.Type)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

const redacted = "********"

// Redacted returns a copy with secrets masked.
func (c *Config) Redacted() *Config {
	out := *c
	if out.Store.AuthToken != "" {
		out.Store.AuthToken = redacted
	}
	if out.Store.Redis.Password != "" {
		out.Store.Redis.Password = redacted
	}
	if len(c.Credentials) > 0 {
		out.Credentials = make(map[string]CredentialConfig, len(c.Credentials))
		for name, cred := range c.Credentials {
			if cred.Token != "" {
				cred.Token = redacted
			}
			if len(cred.Headers) > 0 {
				masked := make(map[string]string, len(cred.Headers))
				for k := range cred.Headers {
					masked[k] = redacted
				}
				cred.Headers = masked
			}
			out.Credentials[name] = cred
		}
	}
	out.Marketplaces = append([]MarketplaceConfig(nil), c.Marketplaces...)
	return &out
}

// YAML renders the configuration with secrets masked.
func (c *Config) YAML() ([]byte, error) {
	data, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return nil, fmt.Errorf("render config: %w", err)
	}
	return data, nil
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// setConfig updates the current configuration (thread-safe)
func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	configDir := gfconfig.GetAppConfigDir(AppName)
	if strings.TrimSpace(configDir) == "" {
		return ""
	}
	return filepath.Join(configDir, "config.yaml")
}

// DefaultConfigDir returns the XDG-compliant config directory for the app.
func DefaultConfigDir() string {
	return gfconfig.GetAppConfigDir(AppName)
}

// DefaultStorePath returns the XDG-compliant path to the database file.
func DefaultStorePath() string {
	dataDir := gfconfig.GetAppDataDir(AppName)
	if strings.TrimSpace(dataDir) == "" {
		return "./" + AppName + ".db"
	}
	return filepath.Join(dataDir, AppName+".db")
}
