// Package appid holds the application identity used for config paths,
// environment variables and telemetry names.
package appid

import "strings"

const (
	BinaryName  = "brokerguard"
	ConfigName  = "brokerguard"
	Vendor      = "brokerguard"
	EnvPrefix   = "BROKERGUARD_"
	Description = "Session, pacing and health guard for brokerage API clients"
	// TelemetryNamespace prefixes emitted metric names.
	TelemetryNamespace = "brokerguard"
)

// EnvVar returns the prefixed environment variable for name, for example
// EnvVar("log_level") is BROKERGUARD_LOG_LEVEL.
func EnvVar(name string) string {
	name = strings.ToUpper(strings.TrimSpace(name))
	name = strings.NewReplacer(".", "_", "-", "_").Replace(name)
	return EnvPrefix + name
}
