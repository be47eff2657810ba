package cmd

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/marketbridge/marketbridge/internal/core/engine"
	"github.com/marketbridge/marketbridge/internal/observability"
)

var (
	simulateMarketplaces []string
	simulateCount        int
	simulatePriority     int
	simulateGateway      string
	simulatePersist      bool
	simulateDumpConfig   bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Push a burst of calls through the dispatcher and report the outcome",
	Long: `Run the dispatcher in-process and enqueue --count GET calls against the
health path of each selected marketplace. The simulated gateway is used by
default so no marketplace is contacted; pass --gateway http to rehearse
against the real endpoints.

Nothing is persisted unless --persist is set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		overrides := map[string]any{
			"gateway": map[string]any{"mode": simulateGateway},
		}
		if !simulatePersist {
			overrides["store"] = map[string]any{"driver": "none"}
		}
		cfg, err := loadConfig(overrides)
		if err != nil {
			return err
		}

		if simulateDumpConfig {
			data, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		}

		p, err := openPersistence(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer p.Close() // nolint:errcheck // best-effort cleanup

		rt, err := buildRuntime(cfg, p, observability.CLILogger)
		if err != nil {
			return err
		}

		names, err := selectMarketplaces(rt.Registry, simulateMarketplaces)
		if err != nil {
			return err
		}

		rt.start(ctx, false)
		defer rt.stop(context.Background())

		results, err := runSimulation(ctx, rt.Service, names, simulateCount, simulatePriority)
		if err != nil {
			return err
		}

		observability.CLILogger.Debug("Simulation finished",
			zap.Strings("marketplaces", names),
			zap.Int("count", simulateCount),
			zap.String("gateway_mode", cfg.Gateway.Mode))

		return writeOutput(cmd, "simulate", results)
	},
}

// runSimulation drives every marketplace concurrently and returns results
// in name order. The first failure is returned after all runs finish.
func runSimulation(ctx context.Context, svc *engine.Service, names []string, count, priority int) ([]engine.SimulationResult, error) {
	results := make([]engine.SimulationResult, len(names))
	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			res, err := svc.Simulate(ctx, name, count, priority)
			results[i] = res
			return err
		})
	}
	err := g.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i].Marketplace < results[j].Marketplace })
	return results, err
}

// selectMarketplaces validates requested names. An empty request selects
// every marketplace.
func selectMarketplaces(reg *engine.Registry, requested []string) ([]string, error) {
	if len(requested) == 0 {
		return reg.Names(), nil
	}
	seen := make(map[string]bool, len(requested))
	out := make([]string, 0, len(requested))
	for _, raw := range requested {
		name := strings.TrimSpace(raw)
		if name == "" || seen[name] {
			continue
		}
		if _, err := reg.Lookup(name); err != nil {
			return nil, err
		}
		seen[name] = true
		out = append(out, name)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no marketplaces selected")
	}
	return out, nil
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	simulateCmd.Flags().StringSliceVarP(&simulateMarketplaces, "marketplace", "m", nil, "Marketplaces to exercise (default all)")
	simulateCmd.Flags().IntVarP(&simulateCount, "count", "n", 20, "Calls per marketplace")
	simulateCmd.Flags().IntVar(&simulatePriority, "priority", 5, "Priority for every call (lower runs first)")
	simulateCmd.Flags().StringVar(&simulateGateway, "gateway", "simulated", "Gateway mode: simulated|http")
	simulateCmd.Flags().BoolVar(&simulatePersist, "persist", false, "Write metrics and limiter state to the configured store")
	simulateCmd.Flags().BoolVar(&simulateDumpConfig, "dump-config", false, "Print the effective configuration (secrets redacted) and exit")
	addOutputFlags(simulateCmd)
}
