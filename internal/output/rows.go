package output

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/brokerguard/brokerguard/internal/core"
	"github.com/brokerguard/brokerguard/internal/core/engine"
	"github.com/brokerguard/brokerguard/internal/core/store"
	"github.com/brokerguard/brokerguard/internal/keeper"
)

// section is a titled key/value block shared by the table and markdown renderers.
type section struct {
	title string
	rows  [][2]string
}

func sessionSection(status engine.SessionStatus) section {
	s := status.Session
	rows := [][2]string{
		{"State", s.State.String()},
		{"Account", orDash(s.Account)},
		{"Established", formatTime(s.EstablishedAt)},
		{"Last activity", formatTime(s.LastActivityAt)},
		{"Reconnects", fmt.Sprint(status.Reconnects)},
		{"Consecutive failures", fmt.Sprint(status.ConsecutiveFailures)},
	}
	if status.CooldownUntil != nil {
		rows = append(rows, [2]string{"Cooldown until", formatTime(*status.CooldownUntil)})
	}
	if status.LastKeepAlive != nil {
		rows = append(rows, [2]string{"Last keep-alive", formatTime(*status.LastKeepAlive)})
	}
	if status.AuthFailure != "" {
		rows = append(rows, [2]string{"Auth failure", status.AuthFailure})
	}
	if status.LastError != "" {
		rows = append(rows, [2]string{"Last error", status.LastError})
	}
	return section{title: "Session", rows: rows}
}

func statisticsSection(stats core.Statistics) section {
	rows := [][2]string{
		{"Window", formatDuration(stats.Window)},
		{"Calls", fmt.Sprint(stats.Count)},
		{"Failures", fmt.Sprint(stats.Failures)},
		{"Error rate", fmt.Sprintf("%.1f%%", stats.ErrorRate*100)},
		{"Avg latency", formatDuration(stats.AvgLatency)},
		{"P95 latency", formatDuration(stats.P95Latency)},
		{"Max latency", formatDuration(stats.MaxLatency)},
		{"Rate limited", fmt.Sprint(stats.RateLimited)},
		{"Reconnects", fmt.Sprint(stats.Reconnects)},
	}
	if kinds := formatKinds(stats.ByKind); kinds != "" {
		rows = append(rows, [2]string{"Errors by kind", kinds})
	}
	return section{title: "Statistics", rows: rows}
}

func snapshotSection(snap *store.Snapshot) section {
	stats := statisticsSection(snap.Statistics)
	rows := append([][2]string{{"Taken at", formatTime(snap.TakenAt)}}, stats.rows...)
	return section{title: "Snapshot", rows: rows}
}

func pacerSection(p keeper.PacerStatus) section {
	state := "off"
	switch {
	case p.Enabled && p.Suppressed:
		state = "suppressed (quiet hours)"
	case p.Enabled:
		state = fmt.Sprintf("factor %.2f", p.Factor)
	}
	return section{title: "Pacing", rows: [][2]string{{"Pacer", state}}}
}

func probeSection(report ProbeReport) section {
	rows := [][2]string{
		{"Endpoint", report.Endpoint},
		{"Calls", fmt.Sprint(report.Calls)},
		{"Succeeded", fmt.Sprint(report.Succeeded)},
		{"Failed", fmt.Sprint(report.Failed)},
		{"Elapsed", formatDuration(report.Elapsed)},
	}
	if kinds := formatKinds(report.ByKind); kinds != "" {
		rows = append(rows, [2]string{"Errors by kind", kinds})
	}
	return section{title: "Probe", rows: rows}
}

var (
	usageHeader     = []string{"Class", "Used", "Limit", "Window", "Backoff until"}
	alertHeader     = []string{"Fired", "Severity", "Rule", "Message"}
	eventHeader     = []string{"At", "Event", "From", "To", "Detail"}
	rateLimitHeader = []string{"Class", "Rejections", "Last 429", "Backoff until"}
)

func usageRows(usage []engine.ClassUsage) [][]string {
	rows := make([][]string, 0, len(usage))
	for _, u := range usage {
		rows = append(rows, []string{
			u.Class,
			fmt.Sprint(u.Used),
			fmt.Sprint(u.Limit),
			formatDuration(u.Window),
			formatTimePtr(u.BackoffUntil),
		})
	}
	return rows
}

func alertRows(alerts []core.Alert) [][]string {
	rows := make([][]string, 0, len(alerts))
	for _, a := range alerts {
		rows = append(rows, []string{formatTime(a.FiredAt), string(a.Severity), a.Rule, a.Message})
	}
	return rows
}

func eventRows(events []store.SessionEventRow) [][]string {
	rows := make([][]string, 0, len(events))
	for _, ev := range events {
		detail := ev.Error
		if detail == "" {
			detail = ev.Reason
		}
		if detail == "" && ev.Account != "" {
			detail = "account " + ev.Account
		}
		rows = append(rows, []string{formatTime(ev.At), string(ev.Type), ev.From, ev.To, orDash(detail)})
	}
	return rows
}

func rateLimitRows(entries []store.RateLimitEntry) [][]string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.Class,
			fmt.Sprint(e.State.Rejections),
			formatTimePtr(e.State.Last429At),
			formatTimePtr(e.State.BackoffUntil),
		})
	}
	return rows
}

func formatKinds(byKind map[core.ErrorKind]int) string {
	if len(byKind) == 0 {
		return ""
	}
	parts := make([]string, 0, len(byKind))
	for kind, n := range byKind {
		parts = append(parts, fmt.Sprintf("%s=%d", kind, n))
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}

func formatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Second:
		return d.Round(time.Microsecond).String()
	default:
		return d.Round(time.Millisecond).String()
	}
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
