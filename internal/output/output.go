package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/brokerguard/brokerguard/internal/core"
	"github.com/brokerguard/brokerguard/internal/core/engine"
	"github.com/brokerguard/brokerguard/internal/core/store"
	"github.com/brokerguard/brokerguard/internal/keeper"
)

// Format represents an output format.
type Format string

const (
	FormatTable    Format = "table"
	FormatJSON     Format = "json"
	FormatYAML     Format = "yaml"
	FormatMarkdown Format = "markdown"
)

// ProbeReport summarizes a probe run against the broker.
type ProbeReport struct {
	Endpoint   string                 `json:"endpoint"`
	Calls      int                    `json:"calls"`
	Succeeded  int                    `json:"succeeded"`
	Failed     int                    `json:"failed"`
	ByKind     map[core.ErrorKind]int `json:"by_kind,omitempty"`
	Elapsed    time.Duration          `json:"elapsed"`
	Session    engine.SessionStatus   `json:"session"`
	Statistics core.Statistics        `json:"statistics"`
}

// Formatter renders command results.
type Formatter interface {
	FormatStatus(status keeper.Status) (string, error)
	FormatAlerts(alerts []core.Alert) (string, error)
	FormatEvents(events []store.SessionEventRow) (string, error)
	FormatRateLimits(entries []store.RateLimitEntry) (string, error)
	FormatProbe(report ProbeReport) (string, error)
	FormatSnapshot(snap *store.Snapshot) (string, error)
}

// ParseFormat validates and normalizes a format string.
func ParseFormat(value string) (Format, error) {
	switch normalized := strings.ToLower(strings.TrimSpace(value)); normalized {
	case "", string(FormatTable):
		return FormatTable, nil
	case string(FormatJSON):
		return FormatJSON, nil
	case string(FormatYAML), "yml":
		return FormatYAML, nil
	case string(FormatMarkdown), "md":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", value)
	}
}

// NewFormatter returns a formatter for the requested format.
func NewFormatter(format Format) Formatter {
	switch format {
	case FormatJSON, FormatYAML:
		return &StructuredFormatter{Format: format}
	case FormatMarkdown:
		return &MarkdownFormatter{}
	default:
		return &TableFormatter{}
	}
}

// Encode renders v as indented JSON, or as YAML keyed by the JSON field names.
func Encode(format Format, v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	if format != FormatYAML {
		return string(data), nil
	}

	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return "", fmt.Errorf("convert to yaml: %w", err)
	}
	blockStyle(&node)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return "", err
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

// blockStyle drops the flow and quoting styles inherited from JSON input.
func blockStyle(n *yaml.Node) {
	n.Style = 0
	if n.Kind == yaml.ScalarNode && n.Tag == "!!str" && needsQuote(n.Value) {
		n.Style = yaml.DoubleQuotedStyle
	}
	for _, child := range n.Content {
		blockStyle(child)
	}
}

// needsQuote reports strings that would otherwise read back as another type.
func needsQuote(s string) bool {
	var v any
	if err := yaml.Unmarshal([]byte(s), &v); err != nil {
		return true
	}
	_, isString := v.(string)
	return !isString
}

// StructuredFormatter renders results as JSON or YAML documents.
type StructuredFormatter struct {
	Format Format
}

func (f *StructuredFormatter) FormatStatus(status keeper.Status) (string, error) {
	return Encode(f.Format, status)
}

func (f *StructuredFormatter) FormatAlerts(alerts []core.Alert) (string, error) {
	if alerts == nil {
		alerts = []core.Alert{}
	}
	return Encode(f.Format, alerts)
}

func (f *StructuredFormatter) FormatEvents(events []store.SessionEventRow) (string, error) {
	if events == nil {
		events = []store.SessionEventRow{}
	}
	return Encode(f.Format, events)
}

func (f *StructuredFormatter) FormatRateLimits(entries []store.RateLimitEntry) (string, error) {
	if entries == nil {
		entries = []store.RateLimitEntry{}
	}
	return Encode(f.Format, entries)
}

func (f *StructuredFormatter) FormatProbe(report ProbeReport) (string, error) {
	return Encode(f.Format, report)
}

// FormatSnapshot renders a nil snapshot as null.
func (f *StructuredFormatter) FormatSnapshot(snap *store.Snapshot) (string, error) {
	return Encode(f.Format, snap)
}
