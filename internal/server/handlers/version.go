package handlers

import (
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/crucible"

	"github.com/marketbridge/marketbridge/internal/config"
)

// BuildInfo is injected from main via SetVersionInfo.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"git_commit"`
	BuildDate string `json:"build_date"`
}

var (
	buildMu   sync.RWMutex
	build     = BuildInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}
	startedAt = time.Now().UTC()
)

func SetVersionInfo(version, commit, buildDate string) {
	buildMu.Lock()
	defer buildMu.Unlock()
	build = BuildInfo{Version: version, Commit: commit, BuildDate: buildDate}
}

// CurrentBuild returns the injected build metadata.
func CurrentBuild() BuildInfo {
	buildMu.RLock()
	defer buildMu.RUnlock()
	return build
}

// VersionResponse is the GET /version body.
type VersionResponse struct {
	Name         string            `json:"name"`
	Build        BuildInfo         `json:"build"`
	Dependencies map[string]string `json:"dependencies"`
	Runtime      RuntimeInfo       `json:"runtime"`
}

type RuntimeInfo struct {
	GoVersion     string    `json:"go_version"`
	Platform      string    `json:"platform"`
	NumCPU        int       `json:"num_cpu"`
	NumGoroutines int       `json:"num_goroutines"`
	StartedAt     time.Time `json:"started_at"`
	Uptime        string    `json:"uptime"`
}

func VersionHandler(w http.ResponseWriter, r *http.Request) {
	deps := crucible.GetVersion()
	writeJSON(w, http.StatusOK, VersionResponse{
		Name:  config.AppName,
		Build: CurrentBuild(),
		Dependencies: map[string]string{
			"gofulmen": deps.Gofulmen,
			"crucible": deps.Crucible,
		},
		Runtime: RuntimeInfo{
			GoVersion:     runtime.Version(),
			Platform:      runtime.GOOS + "/" + runtime.GOARCH,
			NumCPU:        runtime.NumCPU(),
			NumGoroutines: runtime.NumGoroutine(),
			StartedAt:     startedAt,
			Uptime:        time.Since(startedAt).Round(time.Second).String(),
		},
	})
}
