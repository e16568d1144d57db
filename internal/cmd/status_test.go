package cmd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokerguard/brokerguard/internal/config"
	"github.com/brokerguard/brokerguard/internal/core"
	"github.com/brokerguard/brokerguard/internal/keeper"
)

func TestServerURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8080", serverURL(config.ServerConfig{Host: "0.0.0.0", Port: 8080}))
	assert.Equal(t, "http://127.0.0.1:9000", serverURL(config.ServerConfig{Port: 9000}))
	assert.Equal(t, "http://broker.local:80", serverURL(config.ServerConfig{Host: "broker.local", Port: 80}))
	assert.Equal(t, "http://[::1]:8080", serverURL(config.ServerConfig{Host: "::1", Port: 8080}))
}

func TestFetchStatus(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/status", r.URL.Path)
		query = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(keeper.Status{
			Broker:     config.BrokerSimulator,
			Statistics: core.Statistics{Count: 7, Failures: 1},
			Alerts:     []core.Alert{{Rule: "error_rate", Severity: core.SeverityWarning}},
		})
	}))
	defer srv.Close()

	status, err := fetchStatus(context.Background(), srv.Client(), srv.URL+"/", 5*time.Minute, 3)
	require.NoError(t, err)
	assert.Equal(t, "alerts=3&window=5m0s", query)
	assert.Equal(t, config.BrokerSimulator, status.Broker)
	assert.Equal(t, 7, status.Statistics.Count)
	require.Len(t, status.Alerts, 1)
	assert.Equal(t, "error_rate", status.Alerts[0].Rule)
}

func TestFetchStatusErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"code":"SERVICE_UNAVAILABLE","message":"store offline"}}`))
	}))
	defer srv.Close()

	_, err := fetchStatus(context.Background(), srv.Client(), srv.URL, 0, 10)
	require.Error(t, err)
	assert.Equal(t, core.KindNetwork, core.KindOf(err))
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "store offline")
}

func TestFetchStatusMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	_, err := fetchStatus(context.Background(), srv.Client(), srv.URL, 0, 10)
	require.Equal(t, core.KindMalformedResponse, core.KindOf(err))
}
