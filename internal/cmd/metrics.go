package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/marketbridge/marketbridge/internal/core/store"
)

var (
	metricsMarketplace string
	metricsSince       time.Duration
	metricsLimit       int
	metricsResetAll    bool
	metricsResetYes    bool
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Inspect persisted marketplace metrics and health history",
}

var metricsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded metrics samples, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openHistory(cmd.Context())
		if err != nil {
			return err
		}
		defer p.Close() // nolint:errcheck // best-effort cleanup

		records, err := p.History.ListMetrics(cmd.Context(), metricsQuery())
		if err != nil {
			return err
		}
		return writeOutput(cmd, "metrics.list", records)
	},
}

var metricsHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "List recorded health probes, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openHistory(cmd.Context())
		if err != nil {
			return err
		}
		defer p.Close() // nolint:errcheck // best-effort cleanup

		records, err := p.History.ListHealth(cmd.Context(), metricsQuery())
		if err != nil {
			return err
		}
		return writeOutput(cmd, "metrics.health", records)
	},
}

var metricsUptimeCmd = &cobra.Command{
	Use:   "uptime",
	Short: "Report the healthy share of probes per marketplace",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Store.Driver == "none" {
			return errNoStore
		}
		p, err := openPersistence(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer p.Close() // nolint:errcheck // best-effort cleanup

		names := []string{strings.TrimSpace(metricsMarketplace)}
		if names[0] == "" {
			names = names[:0]
			for _, m := range cfg.Marketplaces {
				names = append(names, m.Name)
			}
		}

		since := sinceTime(metricsSince)
		reports := make([]store.UptimeReport, 0, len(names))
		for _, name := range names {
			if p.SQL != nil {
				uptime, probes, err := p.SQL.Uptime(ctx, name, since)
				if err != nil {
					return err
				}
				reports = append(reports, store.UptimeReport{Marketplace: name, Since: since, Uptime: uptime, Probes: probes})
				continue
			}
			records, err := p.History.ListHealth(ctx, store.MetricsQuery{Marketplace: name, Since: since})
			if err != nil {
				return err
			}
			reports = append(reports, store.UptimeFromHealth(name, since, records))
		}
		return writeOutput(cmd, "metrics.uptime", reports)
	},
}

var metricsResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete persisted metrics and health history",
	RunE: func(cmd *cobra.Command, args []string) error {
		name := strings.TrimSpace(metricsMarketplace)
		switch {
		case name == "" && !metricsResetAll:
			return errors.New("one of --marketplace or --all is required")
		case name != "" && metricsResetAll:
			return errors.New("--marketplace and --all are mutually exclusive")
		case metricsResetAll && !metricsResetYes:
			return errors.New("--all requires --yes")
		}

		p, err := openHistory(cmd.Context())
		if err != nil {
			return err
		}
		defer p.Close() // nolint:errcheck // best-effort cleanup

		if metricsResetAll && p.SQL == nil {
			return fmt.Errorf("--all is not supported by the %s store; reset one marketplace at a time", p.Driver())
		}

		deleted, err := p.History.ResetMetrics(cmd.Context(), name)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d metrics/health entr(ies)\n", deleted)
		return err
	},
}

func metricsQuery() store.MetricsQuery {
	return store.MetricsQuery{
		Marketplace: strings.TrimSpace(metricsMarketplace),
		Since:       sinceTime(metricsSince),
		Limit:       metricsLimit,
	}
}

func sinceTime(window time.Duration) time.Time {
	if window <= 0 {
		return time.Time{}
	}
	return time.Now().UTC().Add(-window)
}

func init() {
	for _, c := range []*cobra.Command{metricsListCmd, metricsHealthCmd, metricsUptimeCmd} {
		c.Flags().StringVarP(&metricsMarketplace, "marketplace", "m", "", "Only this marketplace")
		c.Flags().DurationVar(&metricsSince, "since", 24*time.Hour, "Only records newer than this window (0 for all)")
		addOutputFlags(c)
	}
	metricsListCmd.Flags().IntVar(&metricsLimit, "limit", 50, "Maximum records (0 for all)")
	metricsHealthCmd.Flags().IntVar(&metricsLimit, "limit", 50, "Maximum records (0 for all)")

	metricsResetCmd.Flags().StringVarP(&metricsMarketplace, "marketplace", "m", "", "Reset a single marketplace")
	metricsResetCmd.Flags().BoolVar(&metricsResetAll, "all", false, "Reset every marketplace")
	metricsResetCmd.Flags().BoolVar(&metricsResetYes, "yes", false, "Confirm destructive reset")

	metricsCmd.AddCommand(metricsListCmd, metricsHealthCmd, metricsUptimeCmd, metricsResetCmd)
	rootCmd.AddCommand(metricsCmd)
}
