package observability

import (
	"testing"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInitCLILogger(t *testing.T) {
	InitCLILogger("marketbridge-test", true)
	require.NotNil(t, CLILogger)
	CLILogger.Debug("cli logger ready", zap.String("component", "test"))
}

func TestNewServerLoggerProfiles(t *testing.T) {
	for _, profile := range []string{"", ProfileSimple, ProfileStructured, ProfileEnterprise, "structured"} {
		t.Run("profile="+profile, func(t *testing.T) {
			logger, err := NewServerLogger(ServerLoggerOptions{
				Service:   "marketbridge-test",
				Level:     "debug",
				Profile:   profile,
				Namespace: "marketbridge",
			})
			require.NoError(t, err)
			require.NotNil(t, logger)
			logger.Info("server logger ready", zap.String("marketplace", "amazon"))
		})
	}
}

func TestServerLoggerConfig(t *testing.T) {
	cfg := serverLoggerConfig(ServerLoggerOptions{Service: "svc", Level: "WARN", Namespace: "ns"})
	assert.Equal(t, logging.ProfileStructured, cfg.Profile)
	assert.Equal(t, "WARN", cfg.DefaultLevel)
	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, "ns", cfg.StaticFields["namespace"])
	assert.Len(t, cfg.Middleware, 1)
	assert.False(t, cfg.EnableStacktrace)

	simple := serverLoggerConfig(ServerLoggerOptions{Service: "svc", Profile: "simple"})
	assert.Equal(t, logging.ProfileSimple, simple.Profile)
	assert.Empty(t, simple.Middleware)
	assert.Equal(t, "console", simple.Sinks[0].Format)

	enterprise := serverLoggerConfig(ServerLoggerOptions{Service: "svc", Profile: ProfileEnterprise, Environment: "staging"})
	assert.True(t, enterprise.EnableStacktrace)
	assert.Equal(t, "staging", enterprise.Environment)
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]string{
		"trace":   "TRACE",
		"debug":   "DEBUG",
		" Info ":  "INFO",
		"warning": "WARN",
		"error":   "ERROR",
		"bogus":   "INFO",
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLogLevel(in), in)
	}
}

func TestNamespace(t *testing.T) {
	assert.Equal(t, "marketbridge", Namespace("marketbridge"))
	assert.Equal(t, "market_bridge_api", Namespace("Market-Bridge.api"))
	assert.Equal(t, "app", Namespace("  "))
}

func TestInitMetricsRequiresNamespace(t *testing.T) {
	require.Error(t, InitMetrics("", 0))
}

func TestResolvePort(t *testing.T) {
	port, err := resolvePort("[::]:9191")
	require.NoError(t, err)
	assert.Equal(t, 9191, port)

	_, err = resolvePort("nonsense")
	assert.Error(t, err)
}
