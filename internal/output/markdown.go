package output

import (
	"fmt"
	"strings"

	"github.com/brokerguard/brokerguard/internal/core"
	"github.com/brokerguard/brokerguard/internal/core/store"
	"github.com/brokerguard/brokerguard/internal/keeper"
)

// MarkdownFormatter renders results as markdown tables.
type MarkdownFormatter struct{}

func (f *MarkdownFormatter) FormatStatus(status keeper.Status) (string, error) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## %s status\n\n", escapeMarkdownCell(status.Broker)))
	writeMarkdownSection(&sb, sessionSection(status.Session))
	writeMarkdownSection(&sb, statisticsSection(status.Statistics))
	writeMarkdownGrid(&sb, "Rate limits", usageHeader, usageRows(status.RateLimits))
	writeMarkdownSection(&sb, pacerSection(status.Pacer))
	if len(status.Alerts) > 0 {
		writeMarkdownGrid(&sb, "Recent alerts", alertHeader, alertRows(status.Alerts))
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func (f *MarkdownFormatter) FormatAlerts(alerts []core.Alert) (string, error) {
	var sb strings.Builder
	writeMarkdownGrid(&sb, "Alerts", alertHeader, alertRows(alerts))
	return strings.TrimRight(sb.String(), "\n"), nil
}

func (f *MarkdownFormatter) FormatEvents(events []store.SessionEventRow) (string, error) {
	var sb strings.Builder
	writeMarkdownGrid(&sb, "Session events", eventHeader, eventRows(events))
	return strings.TrimRight(sb.String(), "\n"), nil
}

func (f *MarkdownFormatter) FormatRateLimits(entries []store.RateLimitEntry) (string, error) {
	var sb strings.Builder
	writeMarkdownGrid(&sb, "Rate limits", rateLimitHeader, rateLimitRows(entries))
	return strings.TrimRight(sb.String(), "\n"), nil
}

func (f *MarkdownFormatter) FormatProbe(report ProbeReport) (string, error) {
	var sb strings.Builder
	writeMarkdownSection(&sb, probeSection(report))
	writeMarkdownSection(&sb, sessionSection(report.Session))
	writeMarkdownSection(&sb, statisticsSection(report.Statistics))
	return strings.TrimRight(sb.String(), "\n"), nil
}

func (f *MarkdownFormatter) FormatSnapshot(snap *store.Snapshot) (string, error) {
	if snap == nil {
		return "_no snapshots_", nil
	}
	var sb strings.Builder
	writeMarkdownSection(&sb, snapshotSection(snap))
	return strings.TrimRight(sb.String(), "\n"), nil
}

func writeMarkdownSection(sb *strings.Builder, s section) {
	rows := make([][]string, 0, len(s.rows))
	for _, row := range s.rows {
		rows = append(rows, []string{row[0], row[1]})
	}
	writeMarkdownGrid(sb, s.title, []string{"Field", "Value"}, rows)
}

func writeMarkdownGrid(sb *strings.Builder, title string, header []string, rows [][]string) {
	sb.WriteString(fmt.Sprintf("### %s\n\n", title))
	if len(rows) == 0 {
		sb.WriteString("_none_\n\n")
		return
	}
	sb.WriteString("| " + strings.Join(header, " | ") + " |\n")
	sb.WriteString("|" + strings.Repeat("------|", len(header)) + "\n")
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, c := range row {
			cells[i] = escapeMarkdownCell(c)
		}
		sb.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}
	sb.WriteString("\n")
}

func escapeMarkdownCell(value string) string {
	value = strings.ReplaceAll(value, "\n", " ")
	return strings.ReplaceAll(value, "|", "\\|")
}
