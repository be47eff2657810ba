package handlers

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fulmenhq/gofulmen/errors"

	"github.com/marketbridge/marketbridge/internal/core/engine"
)

// ErrDegraded marks a check that still serves traffic with reduced capacity.
var ErrDegraded = stderrors.New("degraded")

// Check results.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusTimeout   = "timeout"
)

// Probe names a health endpoint.
type Probe string

const (
	ProbeAggregate Probe = "aggregate"
	ProbeLive      Probe = "live"
	ProbeReady     Probe = "ready"
	ProbeStartup   Probe = "startup"
)

var probeTimeouts = map[Probe]time.Duration{
	ProbeAggregate: 5 * time.Second,
	ProbeLive:      2 * time.Second,
	ProbeReady:     5 * time.Second,
	ProbeStartup:   3 * time.Second,
}

// HealthResponse is the body of a passing probe.
type HealthResponse struct {
	Status    string            `json:"status"`
	Probe     Probe             `json:"probe"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HealthChecker is one dependency check.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

type registration struct {
	checker HealthChecker
	probes  map[Probe]bool
}

// HealthManager runs registered checks for the probe endpoints. Checks
// registered without probes back the aggregate and readiness probes;
// liveness only runs checks registered for it explicitly.
type HealthManager struct {
	version string
	started atomic.Bool

	mu       sync.RWMutex
	checkers map[string]registration
}

func NewHealthManager(version string) *HealthManager {
	return &HealthManager{version: version, checkers: make(map[string]registration)}
}

// RegisterChecker adds or replaces a named check.
func (hm *HealthManager) RegisterChecker(name string, checker HealthChecker, probes ...Probe) {
	if len(probes) == 0 {
		probes = []Probe{ProbeAggregate, ProbeReady}
	}
	set := make(map[Probe]bool, len(probes))
	for _, p := range probes {
		set[p] = true
	}
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checkers[name] = registration{checker: checker, probes: set}
}

// MarkStarted flips the startup probe to passing. Until then it answers 503.
func (hm *HealthManager) MarkStarted() {
	hm.started.Store(true)
}

func (hm *HealthManager) checkersFor(probe Probe) map[string]HealthChecker {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	out := make(map[string]HealthChecker)
	for name, reg := range hm.checkers {
		if reg.probes[probe] || (probe == ProbeStartup && reg.probes[ProbeReady]) {
			out[name] = reg.checker
		}
	}
	return out
}

// runHealthChecks runs the checks concurrently. A check still running when
// ctx expires is reported as timeout.
func (hm *HealthManager) runHealthChecks(ctx context.Context, probe Probe) map[string]string {
	checkers := hm.checkersFor(probe)
	results := make(map[string]string, len(checkers))

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name := range checkers {
		results[name] = StatusTimeout
	}
	for name, checker := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status := classifyCheck(ctx, checker.CheckHealth(ctx))
			mu.Lock()
			results[name] = status
			mu.Unlock()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	out := make(map[string]string, len(results))
	for k, v := range results {
		out[k] = v
	}
	return out
}

func classifyCheck(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return StatusHealthy
	case stderrors.Is(err, ErrDegraded):
		return StatusDegraded
	case ctx.Err() != nil && stderrors.Is(err, ctx.Err()):
		return StatusTimeout
	default:
		return StatusUnhealthy
	}
}

// determineOverallStatus folds check results. Any unhealthy check fails
// the probe; degraded and timed out checks degrade it.
func (hm *HealthManager) determineOverallStatus(checks map[string]string) string {
	overall := StatusHealthy
	for _, status := range checks {
		switch status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded, StatusTimeout:
			overall = StatusDegraded
		}
	}
	return overall
}

func (hm *HealthManager) serveProbe(w http.ResponseWriter, r *http.Request, probe Probe) {
	if probe == ProbeStartup && !hm.started.Load() {
		respondWithError(w, r, probeFailure(probe, "starting", nil))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), probeTimeouts[probe])
	defer cancel()

	checks := hm.runHealthChecks(ctx, probe)
	status := hm.determineOverallStatus(checks)
	if status == StatusUnhealthy {
		respondWithError(w, r, probeFailure(probe, status, checks))
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    status,
		Probe:     probe,
		Version:   hm.version,
		Timestamp: time.Now().UTC(),
		Checks:    checks,
	})
}

func (hm *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	hm.serveProbe(w, r, ProbeAggregate)
}

func (hm *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	hm.serveProbe(w, r, ProbeLive)
}

func (hm *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	hm.serveProbe(w, r, ProbeReady)
}

func (hm *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	hm.serveProbe(w, r, ProbeStartup)
}

// probeFailure builds the 503 envelope listing failing checks.
func probeFailure(probe Probe, status string, checks map[string]string) *errors.ErrorEnvelope {
	envelope := errors.NewErrorEnvelope("SERVICE_UNAVAILABLE", fmt.Sprintf("%s probe failed", probe))

	details := map[string]any{"probe": string(probe), "status": status}
	if len(checks) > 0 {
		details["checks"] = checks
	}
	envelope = envelope.WithDetails(details)

	var failing []string
	for name, result := range checks {
		if result != StatusHealthy {
			failing = append(failing, name)
		}
	}
	sort.Strings(failing)
	ctxData := map[string]any{"probe": string(probe), "status": status}
	if len(failing) > 0 {
		ctxData["unhealthy_checks"] = failing
	}
	envelope, _ = envelope.WithContext(ctxData)
	return envelope
}

// MarketplaceChecker reports degraded while any marketplace circuit is open
// and unhealthy once every circuit is open.
type MarketplaceChecker struct {
	Statuses func() []engine.Status
}

func (c MarketplaceChecker) CheckHealth(ctx context.Context) error {
	if c.Statuses == nil {
		return nil
	}
	statuses := c.Statuses()
	var open []string
	for _, st := range statuses {
		if st.CircuitState == engine.StateOpen.String() {
			open = append(open, st.Name)
		}
	}
	switch {
	case len(open) == 0:
		return nil
	case len(open) == len(statuses):
		return fmt.Errorf("all marketplace circuits open: %s", strings.Join(open, ", "))
	default:
		return fmt.Errorf("%w: circuits open for %s", ErrDegraded, strings.Join(open, ", "))
	}
}

// PingChecker adapts a ping function, such as a store connection check.
type PingChecker func(ctx context.Context) error

func (p PingChecker) CheckHealth(ctx context.Context) error {
	if p == nil {
		return nil
	}
	return p(ctx)
}

var globalHealthManager atomic.Pointer[HealthManager]

// InitHealthManager installs a fresh process-wide manager and returns it.
func InitHealthManager(version string) *HealthManager {
	hm := NewHealthManager(version)
	globalHealthManager.Store(hm)
	return hm
}

func GetHealthManager() *HealthManager {
	return globalHealthManager.Load()
}

func globalProbe(probe Probe) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if hm := globalHealthManager.Load(); hm != nil {
			hm.serveProbe(w, r, probe)
			return
		}
		respondWithError(w, r, probeFailure(probe, "uninitialized", nil))
	}
}

// Handlers bound to the process-wide manager.
var (
	HealthHandler    = globalProbe(ProbeAggregate)
	LivenessHandler  = globalProbe(ProbeLive)
	ReadinessHandler = globalProbe(ProbeReady)
	StartupHandler   = globalProbe(ProbeStartup)
)
