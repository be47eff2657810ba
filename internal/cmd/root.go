package cmd

import (
	"errors"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/marketbridge/marketbridge/internal/config"
	"github.com/marketbridge/marketbridge/internal/observability"
)

var (
	cfgFile string
	envFile string
	verbose bool

	// Version info set by main package
	versionInfo struct {
		Version   string
		Commit    string
		BuildDate string
	}
)

// SetVersionInfo is called by main package to set version information
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var rootCmd = &cobra.Command{
	Use:   config.AppName,
	Short: "Rate-limited outbound dispatch for marketplace APIs",
	Long: config.AppName + ` queues, throttles and circuit-breaks every outbound call to the
configured marketplace APIs, probes their health, and exposes a control
surface for operators.

Use the subcommands to run the service or inspect persisted state.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Quiet gofulmen's global telemetry until serve installs the real exporter.
	observability.DisableMetrics()

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is "+config.DefaultConfigPath()+")")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "load environment variables from this file (default ./.env if present)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (sets log level to debug)")

	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

// initConfig reads the env file, the config file and MARKETBRIDGE_* variables.
func initConfig() {
	observability.InitCLILogger(config.AppName, verbose)
	logger := observability.CLILogger

	if err := config.LoadDotEnv(envFile, envFile != ""); err != nil {
		ExitWithCode(logger, foundry.ExitConfigInvalid, "Failed to load env file", err)
	}

	v := viper.GetViper()
	config.SetDefaults(v)
	config.ConfigureEnv(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		for _, dir := range configSearchPaths() {
			v.AddConfigPath(dir)
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	err := v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	switch {
	case err == nil:
	case errors.As(err, &notFound) && cfgFile == "":
		logger.Debug("No config file found, using defaults and environment variables")
		return
	default:
		ExitWithCode(logger, foundry.ExitConfigInvalid, "Failed to read config file", err)
	}
	logger.Debug("Using config file", zap.String("path", v.ConfigFileUsed()))
}

// configSearchPaths lists where config.yaml is looked up, first match wins.
func configSearchPaths() []string {
	var paths []string
	if dir := config.DefaultConfigDir(); dir != "" {
		paths = append(paths, dir)
	} else if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, home)
	}
	return append(paths, "./config", ".")
}

// loadConfig decodes and validates the effective configuration.
func loadConfig(overrides ...map[string]any) (*config.Config, error) {
	return config.Load(viper.GetViper(), overrides...)
}
