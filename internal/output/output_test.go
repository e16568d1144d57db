package output

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokerguard/brokerguard/internal/core"
	"github.com/brokerguard/brokerguard/internal/core/engine"
	"github.com/brokerguard/brokerguard/internal/core/store"
	"github.com/brokerguard/brokerguard/internal/keeper"
)

func sampleStatus() keeper.Status {
	at := time.Date(2026, 3, 4, 14, 30, 0, 0, time.UTC)
	backoff := at.Add(30 * time.Second)
	return keeper.Status{
		At:     at,
		Broker: "simulator",
		Session: engine.SessionStatus{
			Session: core.Session{
				State:         core.StateConnected,
				Account:       "paper",
				EstablishedAt: at.Add(-time.Hour),
			},
			Reconnects: 2,
		},
		Statistics: core.Statistics{
			Window:     5 * time.Minute,
			Count:      40,
			Failures:   2,
			ErrorRate:  0.05,
			AvgLatency: 120 * time.Millisecond,
			ByKind:     map[core.ErrorKind]int{core.KindTimeout: 1, core.KindNetwork: 1},
		},
		RateLimits: []engine.ClassUsage{
			{Class: "orders", Used: 4, Limit: 10, Window: time.Minute, BackoffUntil: &backoff},
		},
		Pacer: keeper.PacerStatus{Enabled: true, Factor: 1.5},
		Alerts: []core.Alert{
			{ID: "a1", Rule: "error_rate", Severity: core.SeverityWarning, Message: "error rate 5.0% | above 2%", FiredAt: at},
		},
	}
}

func TestParseFormat(t *testing.T) {
	for input, want := range map[string]Format{
		"":         FormatTable,
		"table":    FormatTable,
		"JSON":     FormatJSON,
		"yml":      FormatYAML,
		"markdown": FormatMarkdown,
	} {
		got, err := ParseFormat(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}

	_, err := ParseFormat("csv")
	require.Error(t, err)
}

func TestTableStatus(t *testing.T) {
	rendered, err := NewFormatter(FormatTable).FormatStatus(sampleStatus())
	require.NoError(t, err)

	assert.Contains(t, rendered, "connected")
	assert.Contains(t, rendered, "paper")
	assert.Contains(t, rendered, "5.0%")
	assert.Contains(t, rendered, "network=1, timeout=1")
	assert.Contains(t, rendered, "orders")
	assert.Contains(t, rendered, "2026-03-04T14:30:30Z")
	assert.Contains(t, rendered, "factor 1.50")
	assert.Contains(t, rendered, "error_rate")
}

func TestStructuredStatus(t *testing.T) {
	jsonOut, err := NewFormatter(FormatJSON).FormatStatus(sampleStatus())
	require.NoError(t, err)
	assert.Contains(t, jsonOut, `"state": "connected"`)
	assert.Contains(t, jsonOut, `"rate_limits": [`)

	yamlOut, err := NewFormatter(FormatYAML).FormatStatus(sampleStatus())
	require.NoError(t, err)
	assert.Contains(t, yamlOut, "state: connected")
	assert.Contains(t, yamlOut, "broker: simulator")
	assert.Contains(t, yamlOut, "- class: orders")
	assert.NotContains(t, yamlOut, "{")
}

func TestEncodeYAMLQuotesAmbiguousStrings(t *testing.T) {
	out, err := Encode(FormatYAML, map[string]string{"account": "123", "flag": "true", "name": "paper"})
	require.NoError(t, err)
	assert.Contains(t, out, `account: "123"`)
	assert.Contains(t, out, `flag: "true"`)
	assert.Contains(t, out, "name: paper")
}

func TestMarkdownEscapesCells(t *testing.T) {
	rendered, err := NewFormatter(FormatMarkdown).FormatStatus(sampleStatus())
	require.NoError(t, err)
	assert.Contains(t, rendered, "## simulator status")
	assert.Contains(t, rendered, "### Rate limits")
	assert.Contains(t, rendered, `error rate 5.0% \| above 2%`)

	empty, err := NewFormatter(FormatMarkdown).FormatAlerts(nil)
	require.NoError(t, err)
	assert.Contains(t, empty, "_none_")
}

func TestEventsAndRateLimits(t *testing.T) {
	at := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	events := []store.SessionEventRow{
		{ID: 1, Type: core.EventConnectFailed, From: "connecting", To: "disconnected", At: at, Error: "dial refused"},
		{ID: 2, Type: core.EventConnected, From: "connecting", To: "connected", At: at, Account: "paper"},
	}
	rendered, err := NewFormatter(FormatTable).FormatEvents(events)
	require.NoError(t, err)
	assert.Contains(t, rendered, "dial refused")
	assert.Contains(t, rendered, "account paper")

	rendered, err = NewFormatter(FormatTable).FormatRateLimits(nil)
	require.NoError(t, err)
	assert.Equal(t, "(no stored rate limit state)", rendered)

	jsonOut, err := NewFormatter(FormatJSON).FormatRateLimits([]store.RateLimitEntry{
		{Class: "quotes", State: core.RateLimitState{Rejections: 3, Last429At: &at}},
	})
	require.NoError(t, err)
	assert.Contains(t, jsonOut, `"class": "quotes"`)
	assert.Contains(t, jsonOut, `"rejections": 3`)
}

func TestProbeReport(t *testing.T) {
	report := ProbeReport{
		Endpoint:  "account.summary",
		Calls:     10,
		Succeeded: 9,
		Failed:    1,
		ByKind:    map[core.ErrorKind]int{core.KindRateLimited: 1},
		Elapsed:   1500 * time.Millisecond,
	}
	rendered, err := NewFormatter(FormatTable).FormatProbe(report)
	require.NoError(t, err)
	assert.Contains(t, rendered, "account.summary")
	assert.Contains(t, rendered, "rate_limited=1")
	assert.Contains(t, rendered, "1.5s")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "-", formatDuration(0))
	assert.Equal(t, "1.5ms", formatDuration(1500*time.Microsecond))
	assert.Equal(t, "2m0s", formatDuration(2*time.Minute))
}

func TestFormatSnapshot(t *testing.T) {
	at := time.Date(2025, 3, 4, 14, 30, 0, 0, time.UTC)
	snap := &store.Snapshot{
		ID:         4,
		TakenAt:    at,
		Statistics: core.Statistics{Window: 15 * time.Minute, Count: 40, Failures: 2, ErrorRate: 0.05},
	}

	rendered, err := NewFormatter(FormatTable).FormatSnapshot(snap)
	require.NoError(t, err)
	assert.Contains(t, rendered, "Taken at")
	assert.Contains(t, rendered, "5.0%")

	rendered, err = NewFormatter(FormatMarkdown).FormatSnapshot(nil)
	require.NoError(t, err)
	assert.Equal(t, "_no snapshots_", rendered)

	rendered, err = NewFormatter(FormatJSON).FormatSnapshot(snap)
	require.NoError(t, err)
	assert.Contains(t, rendered, `"count": 40`)
}
