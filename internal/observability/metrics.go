package observability

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/fulmenhq/gofulmen/telemetry"
	"github.com/fulmenhq/gofulmen/telemetry/exporters"

	"github.com/brokerguard/brokerguard/internal/appid"
)

// The broker metrics in internal/metrics are no-ops while TelemetrySystem is
// nil, so CLI commands that never call InitMetrics emit nothing.
var (
	TelemetrySystem    *telemetry.System
	PrometheusExporter *exporters.PrometheusExporter

	metricsPort int
)

// InitMetrics starts the Prometheus exporter on port (0 picks a free port) and
// installs the telemetry system feeding it. Metric names are prefixed with
// namespace when given, else with serviceName unless that is the binary name.
func InitMetrics(serviceName string, port int, namespace ...string) error {
	if port < 0 {
		port = 0
	}
	ns := ""
	if len(namespace) > 0 {
		ns = namespace[0]
	}

	exporter := exporters.NewPrometheusExporter(metricsNamespace(serviceName, ns), fmt.Sprintf(":%d", port))
	if err := exporter.Start(); err != nil {
		return fmt.Errorf("start metrics exporter on :%d: %w", port, err)
	}

	sys, err := telemetry.NewSystem(&telemetry.Config{
		Enabled: true,
		Emitter: exporter,
	})
	if err != nil {
		_ = exporter.Stop()
		return fmt.Errorf("create telemetry system: %w", err)
	}

	metricsPort = port
	if bound, err := resolvePort(exporter.GetAddr()); err == nil {
		metricsPort = bound
	}
	PrometheusExporter = exporter
	TelemetrySystem = sys
	return nil
}

// GetMetricsPort returns the port the exporter bound, 0 before InitMetrics.
func GetMetricsPort() int {
	return metricsPort
}

func metricsNamespace(serviceName, namespace string) string {
	if ns := strings.TrimSpace(namespace); ns != "" {
		return ns
	}
	if name := strings.TrimSpace(serviceName); name != "" && name != appid.BinaryName {
		return name
	}
	return appid.TelemetryNamespace
}

func resolvePort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}
