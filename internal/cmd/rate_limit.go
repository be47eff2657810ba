package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/marketbridge/marketbridge/internal/core/store"
	"github.com/marketbridge/marketbridge/internal/output"
)

var (
	rlAll         bool
	rlMarketplace string
	rlPrefix      string
	rlYes         bool
	rlDryRun      bool
)

// RateLimitResetResult summarizes a reset.
type RateLimitResetResult struct {
	Matched int   `json:"matched"`
	Deleted int64 `json:"deleted"`
	DryRun  bool  `json:"dry_run"`
}

var rateLimitCmd = &cobra.Command{
	Use:   "rate-limit",
	Short: "Inspect and reset persisted window limiter state",
	Long: `Inspect and reset the per-minute and per-hour window counters and the
429 backoff windows that the dispatcher persists per marketplace.`,
}

var rateLimitUsageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show window usage against configured limits",
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

		name := strings.TrimSpace(rlMarketplace)
		usage := []store.RateLimitUsage{}
		for _, m := range cfg.Marketplaces {
			if name != "" && m.Name != name {
				continue
			}
			state, err := p.RateLimits.GetRateLimit(ctx, m.Name)
			if err != nil {
				return err
			}
			usage = append(usage, store.UsageOf(m.Name, m.RateLimit, state, time.Now()))
		}
		if name != "" && len(usage) == 0 {
			return fmt.Errorf("marketplace %q is not configured", name)
		}
		return writeOutput(cmd, "rate-limit.usage", usage)
	},
}

var rateLimitListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored window limiter state",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openSQLStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		query := store.RateLimitQuery{All: rlAll, Prefix: strings.TrimSpace(rlPrefix)}
		if query.Prefix == "" {
			query.All = true
		}
		entries, err := db.ListRateLimits(cmd.Context(), query)
		if err != nil {
			return err
		}
		return writeOutput(cmd, "rate-limit.list", entries)
	},
}

var rateLimitResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset stored window limiter state and backoff",
	RunE: func(cmd *cobra.Command, args []string) error {
		query := store.RateLimitQuery{
			All:         rlAll,
			Marketplace: strings.TrimSpace(rlMarketplace),
			Prefix:      strings.TrimSpace(rlPrefix),
		}
		if err := query.Validate(); err != nil {
			return err
		}
		if query.All && !rlYes && !rlDryRun {
			return errors.New("--all requires --yes (or use --dry-run)")
		}

		db, err := openSQLStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		result := RateLimitResetResult{DryRun: rlDryRun}
		if result.Matched, err = db.CountRateLimits(cmd.Context(), query); err != nil {
			return err
		}
		if !rlDryRun {
			if result.Deleted, err = db.ResetRateLimits(cmd.Context(), query); err != nil {
				return err
			}
		}

		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}
		if format == output.FormatTable {
			return writeResetSummary(cmd.OutOrStdout(), result)
		}
		return writeOutput(cmd, "rate-limit.reset", result)
	},
}

func writeResetSummary(w io.Writer, result RateLimitResetResult) error {
	var err error
	if result.DryRun {
		_, err = fmt.Fprintf(w, "Would delete %d rate limit entr(ies)\n", result.Matched)
	} else {
		_, err = fmt.Fprintf(w, "Deleted %d/%d rate limit entr(ies)\n", result.Deleted, result.Matched)
	}
	return err
}

func init() {
	rateLimitUsageCmd.Flags().StringVarP(&rlMarketplace, "marketplace", "m", "", "Only this marketplace")

	rateLimitListCmd.Flags().BoolVar(&rlAll, "all", false, "List all marketplaces")
	rateLimitListCmd.Flags().StringVar(&rlPrefix, "prefix", "", "List marketplaces with matching prefix")

	rateLimitResetCmd.Flags().BoolVar(&rlAll, "all", false, "Reset all marketplaces")
	rateLimitResetCmd.Flags().StringVarP(&rlMarketplace, "marketplace", "m", "", "Reset a single marketplace (exact match)")
	rateLimitResetCmd.Flags().StringVar(&rlPrefix, "prefix", "", "Reset marketplaces with matching prefix")
	rateLimitResetCmd.Flags().BoolVar(&rlYes, "yes", false, "Confirm destructive reset")
	rateLimitResetCmd.Flags().BoolVar(&rlDryRun, "dry-run", false, "Show what would be deleted")

	for _, c := range []*cobra.Command{rateLimitUsageCmd, rateLimitListCmd, rateLimitResetCmd} {
		addOutputFlags(c)
		rateLimitCmd.AddCommand(c)
	}
	rootCmd.AddCommand(rateLimitCmd)
}
