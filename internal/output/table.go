package output

import (
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/brokerguard/brokerguard/internal/core"
	"github.com/brokerguard/brokerguard/internal/core/store"
	"github.com/brokerguard/brokerguard/internal/keeper"
)

// TableFormatter renders results as rounded ASCII tables.
type TableFormatter struct{}

func (f *TableFormatter) FormatStatus(status keeper.Status) (string, error) {
	parts := []string{
		renderSection(sessionSection(status.Session)),
		renderSection(statisticsSection(status.Statistics)),
		renderGrid("Rate limits", usageHeader, usageRows(status.RateLimits)),
		renderSection(pacerSection(status.Pacer)),
	}
	if len(status.Alerts) > 0 {
		parts = append(parts, renderGrid("Recent alerts", alertHeader, alertRows(status.Alerts)))
	}
	return strings.Join(parts, "\n"), nil
}

func (f *TableFormatter) FormatAlerts(alerts []core.Alert) (string, error) {
	if len(alerts) == 0 {
		return "(no alerts)", nil
	}
	return renderGrid("Alerts", alertHeader, alertRows(alerts)), nil
}

func (f *TableFormatter) FormatEvents(events []store.SessionEventRow) (string, error) {
	if len(events) == 0 {
		return "(no session events)", nil
	}
	return renderGrid("Session events", eventHeader, eventRows(events)), nil
}

func (f *TableFormatter) FormatRateLimits(entries []store.RateLimitEntry) (string, error) {
	if len(entries) == 0 {
		return "(no stored rate limit state)", nil
	}
	return renderGrid("Rate limits", rateLimitHeader, rateLimitRows(entries)), nil
}

func (f *TableFormatter) FormatProbe(report ProbeReport) (string, error) {
	return strings.Join([]string{
		renderSection(probeSection(report)),
		renderSection(sessionSection(report.Session)),
		renderSection(statisticsSection(report.Statistics)),
	}, "\n"), nil
}

func (f *TableFormatter) FormatSnapshot(snap *store.Snapshot) (string, error) {
	if snap == nil {
		return "(no snapshots)", nil
	}
	return renderSection(snapshotSection(snap)), nil
}

func renderSection(s section) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetTitle(s.title)
	for _, row := range s.rows {
		t.AppendRow(table.Row{row[0], row[1]})
	}
	return t.Render()
}

func renderGrid(title string, header []string, rows [][]string) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetTitle(title)
	t.AppendHeader(toRow(header))
	for _, row := range rows {
		t.AppendRow(toRow(row))
	}
	return t.Render()
}

func toRow(cells []string) table.Row {
	row := make(table.Row, len(cells))
	for i, c := range cells {
		row[i] = c
	}
	return row
}
