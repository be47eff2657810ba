package observability

import (
	"fmt"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/logging"
)

var (
	// CLILogger is used by one-shot commands (SIMPLE profile).
	CLILogger *logging.Logger

	// ServerLogger is used by the long-running dispatch service.
	ServerLogger *logging.Logger
)

// Logging profiles accepted by ServerLoggerOptions.Profile.
const (
	ProfileSimple     = "SIMPLE"
	ProfileStructured = "STRUCTURED"
	ProfileEnterprise = "ENTERPRISE"
)

// ServerLoggerOptions shapes the server logger.
type ServerLoggerOptions struct {
	Service     string
	Level       string
	Profile     string
	Namespace   string
	Environment string
}

// InitCLILogger initializes the CLI logger with the SIMPLE profile.
func InitCLILogger(serviceName string, verbose bool) {
	logger, err := logging.NewCLI(serviceName)
	if err != nil {
		exitWithCodeStderr(foundry.ExitConfigInvalid, "Failed to initialize CLI logger", err)
	}

	if verbose {
		logger.SetLevel(logging.DEBUG)
	}

	CLILogger = logger
}

// InitServerLogger builds the server logger and installs it globally. A
// failure here is fatal.
func InitServerLogger(opts ServerLoggerOptions) {
	logger, err := NewServerLogger(opts)
	if err != nil {
		exitWithCodeStderr(foundry.ExitConfigInvalid, "Failed to initialize server logger", err)
	}
	ServerLogger = logger
}

// NewServerLogger builds a logger for opts without installing it.
func NewServerLogger(opts ServerLoggerOptions) (*logging.Logger, error) {
	return logging.New(serverLoggerConfig(opts))
}

func serverLoggerConfig(opts ServerLoggerOptions) *logging.LoggerConfig {
	staticFields := make(map[string]any)
	if opts.Namespace != "" {
		staticFields["namespace"] = opts.Namespace
	}

	env := strings.TrimSpace(opts.Environment)
	if env == "" {
		env = "production"
	}

	cfg := &logging.LoggerConfig{
		Profile:      logging.ProfileStructured,
		DefaultLevel: parseLogLevel(opts.Level),
		Service:      opts.Service,
		Environment:  env,
		StaticFields: staticFields,
		Middleware: []logging.MiddlewareConfig{
			{
				Name:    "correlation",
				Enabled: true,
				Order:   100,
				Config:  make(map[string]any),
			},
		},
		Sinks: []logging.SinkConfig{
			{
				Type:   "console",
				Format: "json",
				Console: &logging.ConsoleSinkConfig{
					Stream:   "stderr",
					Colorize: false,
				},
			},
		},
		EnableCaller: true,
	}

	switch strings.ToUpper(strings.TrimSpace(opts.Profile)) {
	case ProfileSimple:
		cfg.Profile = logging.ProfileSimple
		cfg.Middleware = nil
		cfg.Sinks[0].Format = "console"
		cfg.EnableCaller = false
	case ProfileEnterprise:
		cfg.EnableStacktrace = true
	}

	return cfg
}

// Namespace turns a service name into a telemetry namespace.
func Namespace(service string) string {
	ns := strings.ToLower(strings.TrimSpace(service))
	ns = strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(ns)
	if ns == "" {
		return "app"
	}
	return ns
}

// Sync flushes both loggers. Sync errors on closed stdio are common and ignored.
func Sync() {
	if ServerLogger != nil {
		_ = ServerLogger.Sync()
	}
	if CLILogger != nil {
		_ = CLILogger.Sync()
	}
}

func parseLogLevel(levelStr string) string {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "trace":
		return "TRACE"
	case "debug":
		return "DEBUG"
	case "warn", "warning":
		return "WARN"
	case "error":
		return "ERROR"
	default:
		return "INFO"
	}
}

// exitWithCodeStderr is used before any logger exists.
func exitWithCodeStderr(exitCode foundry.ExitCode, msg string, err error) {
	info, ok := foundry.GetExitCodeInfo(exitCode)
	if !ok {
		fmt.Fprintf(os.Stderr, "FATAL: %s: %v (exit code: %d)\n", msg, err, exitCode)
		os.Exit(int(exitCode))
	}
	fmt.Fprintf(os.Stderr, "FATAL: %s: %v\n", msg, err)
	fmt.Fprintf(os.Stderr, "Exit Code: %d (%s) - %s\n", info.Code, info.Name, info.Description)
	os.Exit(info.Code)
}
