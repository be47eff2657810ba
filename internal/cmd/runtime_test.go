package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketbridge/marketbridge/internal/config"
	"github.com/marketbridge/marketbridge/internal/core"
	"github.com/marketbridge/marketbridge/internal/core/engine"
	"github.com/marketbridge/marketbridge/internal/core/gateway"
	errwrap "github.com/marketbridge/marketbridge/internal/errors"
	"github.com/marketbridge/marketbridge/internal/observability"
	"github.com/marketbridge/marketbridge/internal/output"
)

func simulatedConfig(t *testing.T, extra map[string]any) *config.Config {
	t.Helper()
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	overrides := map[string]any{
		"store": map[string]any{"driver": "none"},
		"gateway": map[string]any{
			"mode":      "simulated",
			"simulated": map[string]any{"latency": "1ms"},
		},
	}
	cfg, err := config.Load(nil, overrides, extra)
	require.NoError(t, err)
	return cfg
}

func newTestRuntime(t *testing.T, cfg *config.Config) *dispatchRuntime {
	t.Helper()
	observability.InitCLILogger("test", false)
	p, err := openPersistence(context.Background(), cfg.Store)
	require.NoError(t, err)
	rt, err := buildRuntime(cfg, p, observability.CLILogger)
	require.NoError(t, err)
	return rt
}

func TestBuildRuntimeSimulated(t *testing.T) {
	cfg := simulatedConfig(t, nil)
	rt := newTestRuntime(t, cfg)

	assert.Len(t, rt.Registry.Names(), len(cfg.Marketplaces))
	require.NotNil(t, rt.Limiter, "window limits default on")
	assert.Equal(t, cfg.Optimizer.Threshold, rt.Optimizer.Threshold)

	ctx := context.Background()
	rt.start(ctx, false)
	defer rt.stop(ctx)

	results, err := runSimulation(ctx, rt.Service, []string{"coupang"}, 5, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 5, results[0].Succeeded)

	st, err := rt.Service.Status("coupang")
	require.NoError(t, err)
	assert.EqualValues(t, 5, st.TotalRequests)
}

func TestBuildRuntimeWithoutWindowLimits(t *testing.T) {
	cfg := simulatedConfig(t, map[string]any{"dispatch": map[string]any{"window_limits": false}})
	rt := newTestRuntime(t, cfg)
	assert.Nil(t, rt.Limiter)
	assert.Nil(t, rt.Service.Limiter)
}

type recordingStore struct {
	mu      sync.Mutex
	metrics int
	health  int
}

func (s *recordingStore) Record(ctx context.Context, rec core.MetricsRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics++
	return nil
}

func (s *recordingStore) RecordHealth(ctx context.Context, rec core.HealthRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health++
	return nil
}

func (s *recordingStore) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics, s.health
}

func TestStartCollectsWithoutHealthProbes(t *testing.T) {
	rt := newTestRuntime(t, simulatedConfig(t, nil))
	rec := &recordingStore{}
	rt.Collector.Store = rec
	rt.Collector.Interval = 5 * time.Millisecond
	rt.Health.Store = rec

	ctx := context.Background()
	rt.start(ctx, false)
	require.Eventually(t, func() bool {
		n, _ := rec.counts()
		return n > 0
	}, time.Second, 5*time.Millisecond)
	rt.stop(ctx)

	_, health := rec.counts()
	assert.Zero(t, health)
}

func TestStartRunsHealthProbesWhenEnabled(t *testing.T) {
	rt := newTestRuntime(t, simulatedConfig(t, nil))
	rec := &recordingStore{}
	rt.Collector.Store = rec
	rt.Health.Store = rec

	ctx := context.Background()
	rt.start(ctx, true)
	require.Eventually(t, func() bool {
		_, n := rec.counts()
		return n >= len(rt.Registry.Names())
	}, time.Second, 5*time.Millisecond)
	rt.stop(ctx)
}

func TestRunSimulationSortsByName(t *testing.T) {
	rt := newTestRuntime(t, simulatedConfig(t, nil))
	ctx := context.Background()
	rt.start(ctx, false)
	defer rt.stop(ctx)

	names := rt.Registry.Names()
	reversed := make([]string, len(names))
	for i, n := range names {
		reversed[len(names)-1-i] = n
	}

	results, err := runSimulation(ctx, rt.Service, reversed, 2, 5)
	require.NoError(t, err)
	require.Len(t, results, len(names))
	for i := 1; i < len(results); i++ {
		assert.Less(t, results[i-1].Marketplace, results[i].Marketplace)
	}
}

func TestSelectMarketplaces(t *testing.T) {
	rt := newTestRuntime(t, simulatedConfig(t, nil))

	all, err := selectMarketplaces(rt.Registry, nil)
	require.NoError(t, err)
	assert.Equal(t, rt.Registry.Names(), all)

	picked, err := selectMarketplaces(rt.Registry, []string{" coupang ", "coupang", ""})
	require.NoError(t, err)
	assert.Equal(t, []string{"coupang"}, picked)

	_, err = selectMarketplaces(rt.Registry, []string{"amazon"})
	require.ErrorIs(t, err, core.ErrUnknownMarketplace)

	_, err = selectMarketplaces(rt.Registry, []string{" "})
	require.Error(t, err)
}

func TestApplyReloadUpdatesChangedRateLimits(t *testing.T) {
	prev := simulatedConfig(t, nil)
	rt := newTestRuntime(t, prev)

	next := simulatedConfig(t, nil)
	next.Marketplaces = append([]config.MarketplaceConfig(nil), prev.Marketplaces...)
	next.Marketplaces[0].RateLimit.MaxRequestsPerSecond = 3
	next.Marketplaces = append(next.Marketplaces, config.MarketplaceConfig{Name: "amazon"})

	changed, err := applyReload(rt, prev, next)
	require.NoError(t, err)
	assert.Equal(t, []string{prev.Marketplaces[0].Name}, changed)

	got, err := rt.Service.RateLimit(prev.Marketplaces[0].Name)
	require.NoError(t, err)
	assert.Equal(t, 3.0, got.MaxRequestsPerSecond)
}

func TestApplyReloadReportsInvalidRateLimit(t *testing.T) {
	prev := simulatedConfig(t, nil)
	rt := newTestRuntime(t, prev)

	next := *prev
	next.Marketplaces = append([]config.MarketplaceConfig(nil), prev.Marketplaces...)
	next.Marketplaces[0].RateLimit.MaxRequestsPerSecond = -1

	changed, err := applyReload(rt, prev, &next)
	require.Error(t, err)
	assert.Empty(t, changed)
	assert.Contains(t, err.Error(), prev.Marketplaces[0].Name)
}

func TestGatewayFactoryModes(t *testing.T) {
	cfg := &config.Config{}
	cfg.Gateway.Mode = "ftp"
	_, err := gatewayFactory(cfg)
	require.Error(t, err)

	cfg.Gateway.Mode = "http"
	cfg.Gateway.MaxBodyBytes = 1024
	factory, err := gatewayFactory(cfg)
	require.NoError(t, err)
	gw, err := factory(core.MarketplaceEndpoint{Name: "coupang", BaseURL: "https://api.coupang.test"})
	require.NoError(t, err)
	hg, ok := gw.(*gateway.HTTPGateway)
	require.True(t, ok)
	assert.EqualValues(t, 1024, hg.MaxBodyBytes)

	cfg.Gateway.Mode = "simulated"
	factory, err = gatewayFactory(cfg)
	require.NoError(t, err)
	gw, err = factory(core.MarketplaceEndpoint{Name: "coupang"})
	require.NoError(t, err)
	_, ok = gw.(*gateway.Simulated)
	assert.True(t, ok)
}

func TestCredentialProviders(t *testing.T) {
	got, err := credentialProviders(map[string]config.CredentialConfig{
		"coupang": {Type: "bearer", Token: "secret"},
		"gmarket": {Type: "headers", Headers: map[string]string{"X-Api-Key": "k"}},
	})
	require.NoError(t, err)
	assert.Equal(t, gateway.BearerToken("secret"), got["coupang"])
	assert.Equal(t, gateway.StaticHeaders{"X-Api-Key": "k"}, got["gmarket"])

	_, err = credentialProviders(map[string]config.CredentialConfig{"x": {Type: "oauth"}})
	require.Error(t, err)
}

func TestOpenPersistenceNone(t *testing.T) {
	p, err := openPersistence(context.Background(), config.StoreConfig{Driver: "none"})
	require.NoError(t, err)
	assert.Equal(t, "none", p.Driver())
	assert.NoError(t, p.Ping(context.Background()))
	assert.NoError(t, p.Close())
	assert.Nil(t, p.History)
	assert.IsType(t, engine.NopMetricsStore{}, p.Metrics)
}

func TestExitCodeFor(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want foundry.ExitCode
	}{
		{"config", fmt.Errorf("load: %w", config.ErrInvalidConfig), foundry.ExitConfigInvalid},
		{"missing file", fmt.Errorf("open: %w", os.ErrNotExist), foundry.ExitFileNotFound},
		{"circuit", core.ErrCircuitOpen, foundry.ExitExternalServiceUnavailable},
		{"gateway", &core.GatewayError{Kind: core.KindServerError, StatusCode: 503}, foundry.ExitExternalServiceUnavailable},
		{"envelope", errwrap.NewConfigInvalidError("bad"), foundry.ExitConfigInvalid},
		{"other", errors.New("boom"), foundry.ExitFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, exitCodeFor(tc.err))
		})
	}
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "metrics.list", sanitizeFilename("Metrics.List"))
	assert.Equal(t, "rate-limit-coupang", sanitizeFilename(" rate limit/coupang "))
	assert.Equal(t, "output", sanitizeFilename("../"))
}

func TestOutputExtension(t *testing.T) {
	assert.Equal(t, "json", outputExtension(output.FormatJSON))
	assert.Equal(t, "yaml", outputExtension(output.FormatYAML))
	assert.Equal(t, "md", outputExtension(output.FormatMarkdown))
	assert.Equal(t, "txt", outputExtension(output.FormatTable))
}

func TestWriteOutputToDirectory(t *testing.T) {
	dir := t.TempDir()
	c := &cobra.Command{Use: "probe"}
	addOutputFlags(c)
	require.NoError(t, c.Flags().Set("output-format", "json"))
	require.NoError(t, c.Flags().Set("out-dir", dir))

	require.NoError(t, writeOutput(c, "Rate Limit.Usage", map[string]int{"coupang": 3}))

	data, err := os.ReadFile(filepath.Join(dir, "rate-limit.usage.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"coupang": 3`)
}

func TestWriteOutputRejectsBothTargets(t *testing.T) {
	c := &cobra.Command{Use: "probe"}
	addOutputFlags(c)
	require.NoError(t, c.Flags().Set("out", "a.txt"))
	require.NoError(t, c.Flags().Set("out-dir", "b"))

	require.ErrorContains(t, writeOutput(c, "x", nil), "mutually exclusive")
}
