package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChecker struct {
	err error
}

func (s stubChecker) CheckHealth(context.Context) error {
	return s.err
}

type errorBody struct {
	Error struct {
		Code    string                 `json:"code"`
		Message string                 `json:"message"`
		Details map[string]interface{} `json:"details"`
	} `json:"error"`
}

func TestHealthHandlerReturnsHealthyStatus(t *testing.T) {
	manager := NewHealthManager("1.2.3")
	manager.RegisterChecker("session", stubChecker{})

	rec := httptest.NewRecorder()
	manager.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, "healthy", resp.Checks["session"])
}

func TestHealthHandlerReportsUnhealthyChecks(t *testing.T) {
	manager := NewHealthManager("1.2.3")
	manager.RegisterChecker("store", stubChecker{err: errors.New("down")})
	manager.RegisterChecker("session", stubChecker{})

	rec := httptest.NewRecorder()
	manager.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body errorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "SERVICE_UNAVAILABLE", body.Error.Code)
	assert.Equal(t, "unhealthy", body.Error.Details["status"])

	checks, ok := body.Error.Details["checks"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "unhealthy", checks["store"])
	assert.Equal(t, "healthy", checks["session"])
	assert.Equal(t, []interface{}{"store"}, body.Error.Details["unhealthy_checks"])
}

func TestLivenessIgnoresReadinessCheckers(t *testing.T) {
	manager := NewHealthManager("1.2.3")
	manager.RegisterChecker("broker", stubChecker{err: errors.New("unreachable")})
	manager.RegisterLivenessChecker("monitor", stubChecker{})

	rec := httptest.NewRecorder()
	manager.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var probe ProbeResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&probe))
	assert.Equal(t, "healthy", probe.Status)

	rec = httptest.NewRecorder()
	manager.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body errorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ready", body.Error.Details["probe"])
}

func TestGlobalHandlersWithoutManager(t *testing.T) {
	globalMu.Lock()
	prev := globalHealthManager
	globalHealthManager = nil
	globalMu.Unlock()
	t.Cleanup(func() {
		globalMu.Lock()
		globalHealthManager = prev
		globalMu.Unlock()
	})

	rec := httptest.NewRecorder()
	StartupHandler(rec, httptest.NewRequest(http.MethodGet, "/health/startup", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	InitHealthManager("9.9.9")
	rec = httptest.NewRecorder()
	StartupHandler(rec, httptest.NewRequest(http.MethodGet, "/health/startup", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestDetermineOverallStatus(t *testing.T) {
	manager := NewHealthManager("test")

	assert.Equal(t, "healthy", manager.determineOverallStatus(map[string]string{"a": "healthy"}))
	assert.Equal(t, "degraded", manager.determineOverallStatus(map[string]string{"a": "healthy", "b": "timeout"}))
	assert.Equal(t, "unhealthy", manager.determineOverallStatus(map[string]string{"a": "timeout", "b": "unhealthy"}))
}
