package main

import (
	"github.com/marketbridge/marketbridge/internal/cmd"
	"github.com/marketbridge/marketbridge/internal/server/handlers"
)

// Set via ldflags, e.g.
// go build -ldflags="-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-10-14"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	handlers.SetVersionInfo(version, commit, buildDate)

	if err := cmd.Execute(); err != nil {
		cmd.ExitOnError("Command execution failed", err)
	}
}
