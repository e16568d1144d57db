package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/errors"

	"github.com/brokerguard/brokerguard/internal/metrics"
)

// HealthResponse represents the aggregate health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// ProbeResponse represents individual probe response
type ProbeResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthChecker defines interface for health checkable components
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// Probe names and their check budgets.
const (
	probeAggregate = "aggregate"
	probeLive      = "live"
	probeReady     = "ready"
	probeStartup   = "startup"
)

var probeTimeouts = map[string]time.Duration{
	probeAggregate: 5 * time.Second,
	probeLive:      2 * time.Second,
	probeReady:     5 * time.Second,
	probeStartup:   3 * time.Second,
}

// HealthManager manages health checks and probe states
type HealthManager struct {
	mu       sync.RWMutex
	checkers map[string]HealthChecker
	// liveness only runs these; the rest gate readiness.
	liveness map[string]bool
	version  string
}

// NewHealthManager creates a new health manager
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		checkers: make(map[string]HealthChecker),
		liveness: make(map[string]bool),
		version:  version,
	}
}

// RegisterChecker registers a readiness health checker
func (hm *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checkers[name] = checker
}

// RegisterLivenessChecker registers a checker that also gates the liveness probe.
func (hm *HealthManager) RegisterLivenessChecker(name string, checker HealthChecker) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checkers[name] = checker
	hm.liveness[name] = true
}

// runHealthChecks executes the registered checks in name order
func (hm *HealthManager) runHealthChecks(ctx context.Context, livenessOnly bool) map[string]string {
	hm.mu.RLock()
	names := make([]string, 0, len(hm.checkers))
	for name := range hm.checkers {
		if livenessOnly && !hm.liveness[name] {
			continue
		}
		names = append(names, name)
	}
	checkers := make(map[string]HealthChecker, len(names))
	for _, name := range names {
		checkers[name] = hm.checkers[name]
	}
	hm.mu.RUnlock()
	sort.Strings(names)

	checks := make(map[string]string, len(names))
	for _, name := range names {
		if ctx.Err() != nil {
			checks[name] = "timeout"
			continue
		}
		started := time.Now()
		healthy := checkers[name].CheckHealth(ctx) == nil
		metrics.RecordHealthCheck(name, healthy, time.Since(started))
		if healthy {
			checks[name] = "healthy"
		} else {
			checks[name] = "unhealthy"
		}
	}
	return checks
}

// determineOverallStatus determines overall health status
func (hm *HealthManager) determineOverallStatus(checks map[string]string) string {
	degraded := false
	for _, status := range checks {
		if status == "unhealthy" {
			return "unhealthy"
		}
		if status == "degraded" || status == "timeout" {
			degraded = true
		}
	}
	if degraded {
		return "degraded"
	}
	return "healthy"
}

// probe runs the checks for one probe and reports whether the caller was answered with an error.
func (hm *HealthManager) probe(w http.ResponseWriter, r *http.Request, name string) (map[string]string, string, bool) {
	checkCtx, cancel := context.WithTimeout(r.Context(), probeTimeouts[name])
	defer cancel()

	checks := hm.runHealthChecks(checkCtx, name == probeLive)
	status := hm.determineOverallStatus(checks)
	if status != "unhealthy" {
		return checks, status, false
	}

	message := name + " probe failed"
	probeName := name
	if name == probeAggregate {
		message = "aggregate health check failed"
		probeName = ""
	}
	envelope := errors.NewErrorEnvelope("SERVICE_UNAVAILABLE", message)
	respondWithError(w, r, enrichHealthEnvelope(envelope, probeName, status, checks))
	return nil, status, true
}

// HealthHandler handles aggregate health check requests
func (hm *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	checks, status, failed := hm.probe(w, r, probeAggregate)
	if failed {
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    status,
		Version:   hm.version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	})
}

// LivenessHandler reports whether the process is running. Only liveness
// checkers are consulted, so a broker outage does not restart the pod.
func (hm *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	hm.probeHandler(w, r, probeLive)
}

// ReadinessHandler reports whether the service can take traffic.
func (hm *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	hm.probeHandler(w, r, probeReady)
}

// StartupHandler reports whether initialization has completed.
func (hm *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	hm.probeHandler(w, r, probeStartup)
}

func (hm *HealthManager) probeHandler(w http.ResponseWriter, r *http.Request, name string) {
	_, status, failed := hm.probe(w, r, name)
	if failed {
		return
	}
	writeJSON(w, http.StatusOK, ProbeResponse{Status: status, Timestamp: time.Now().UTC()})
}

func enrichHealthEnvelope(envelope *errors.ErrorEnvelope, probe, status string, checks map[string]string) *errors.ErrorEnvelope {
	if envelope == nil {
		return nil
	}

	details := map[string]interface{}{
		"status": status,
	}
	if len(checks) > 0 {
		details["checks"] = checks
	}
	if probe != "" {
		details["probe"] = probe
	}
	envelope = envelope.WithDetails(details)

	contextData := map[string]interface{}{
		"status": status,
	}
	if probe != "" {
		contextData["probe"] = probe
	}

	var unhealthy []string
	for name, result := range checks {
		if result != "healthy" {
			unhealthy = append(unhealthy, name)
		}
	}
	if len(unhealthy) > 0 {
		sort.Strings(unhealthy)
		contextData["unhealthy_checks"] = unhealthy
	}

	envelope, _ = envelope.WithContext(contextData)
	return envelope
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var (
	globalMu            sync.RWMutex
	globalHealthManager *HealthManager
)

// InitHealthManager initializes the global health manager
func InitHealthManager(version string) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalHealthManager = NewHealthManager(version)
}

// GetHealthManager returns the global health manager
func GetHealthManager() *HealthManager {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalHealthManager
}

// withGlobal runs fn against the global manager or answers 503 when none is set.
func withGlobal(w http.ResponseWriter, r *http.Request, probe string, fn func(*HealthManager, http.ResponseWriter, *http.Request)) {
	if hm := GetHealthManager(); hm != nil {
		fn(hm, w, r)
		return
	}
	envelope := errors.NewErrorEnvelope("SERVICE_UNAVAILABLE", "health manager not initialized")
	respondWithError(w, r, enrichHealthEnvelope(envelope, probe, "unknown", nil))
}

// LivenessHandler serves the liveness probe from the global manager
func LivenessHandler(w http.ResponseWriter, r *http.Request) {
	withGlobal(w, r, probeLive, (*HealthManager).LivenessHandler)
}

// ReadinessHandler serves the readiness probe from the global manager
func ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	withGlobal(w, r, probeReady, (*HealthManager).ReadinessHandler)
}

// StartupHandler serves the startup probe from the global manager
func StartupHandler(w http.ResponseWriter, r *http.Request) {
	withGlobal(w, r, probeStartup, (*HealthManager).StartupHandler)
}

// HealthHandler serves the aggregate check from the global manager
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	withGlobal(w, r, probeAggregate, (*HealthManager).HealthHandler)
}
