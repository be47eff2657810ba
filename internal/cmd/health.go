package cmd

import (
	"context"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/marketbridge/marketbridge/internal/core"
	errwrap "github.com/marketbridge/marketbridge/internal/errors"
	"github.com/marketbridge/marketbridge/internal/observability"
)

var (
	healthMarketplaces []string
	healthSelfOnly     bool
	healthPersist      bool
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe marketplace health endpoints once",
	Long: `Probe the health path of every configured marketplace once, bypassing
the token bucket and circuit breaker, and print the result. Exits non-zero
when any marketplace is unhealthy.

Use --self to only verify that the binary, logger and configuration load.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.CLILogger

		if versionInfo.Version == "" {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Version information missing", errwrap.NewConfigInvalidError("Version information missing"))
		}

		overrides := map[string]any{}
		if !healthPersist {
			overrides["store"] = map[string]any{"driver": "none"}
		}
		cfg, err := loadConfig(overrides)
		if err != nil {
			ExitWithCode(logger, exitCodeFor(err), "Configuration is invalid", err)
		}
		logger.Debug("Configuration loaded", zap.Int("marketplaces", len(cfg.Marketplaces)))

		if healthSelfOnly {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s: configuration ok (%d marketplaces)\n",
				rootCmd.Name(), versionInfo.Version, len(cfg.Marketplaces))
			return err
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		p, err := openPersistence(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer p.Close() // nolint:errcheck // best-effort cleanup

		rt, err := buildRuntime(cfg, p, logger)
		if err != nil {
			return err
		}
		names, err := selectMarketplaces(rt.Registry, healthMarketplaces)
		if err != nil {
			return err
		}

		records := make([]core.HealthRecord, 0, len(names))
		unhealthy := 0
		for _, name := range names {
			rec, err := rt.Health.CheckNow(ctx, name)
			if err != nil {
				return err
			}
			if !rec.IsHealthy {
				unhealthy++
			}
			records = append(records, rec)
		}

		if err := writeOutput(cmd, "health", records); err != nil {
			return err
		}
		if unhealthy > 0 {
			return fmt.Errorf("%d of %d marketplaces unhealthy", unhealthy, len(records))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)

	healthCmd.Flags().StringSliceVarP(&healthMarketplaces, "marketplace", "m", nil, "Marketplaces to probe (default all)")
	healthCmd.Flags().BoolVar(&healthSelfOnly, "self", false, "Only check that the binary and configuration load")
	healthCmd.Flags().BoolVar(&healthPersist, "persist", false, "Record probe results in the configured store")
	addOutputFlags(healthCmd)
}
