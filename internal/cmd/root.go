package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/brokerguard/brokerguard/internal/appid"
	"github.com/brokerguard/brokerguard/internal/config"
	"github.com/brokerguard/brokerguard/internal/observability"
)

var (
	cfgFile   string
	verbose   bool
	traceFile string
	setFlags  []string

	// appConfig is loaded once per invocation by initConfig.
	appConfig *config.Config

	stopTracing func(context.Context) error

	// Version info set by main package
	versionInfo struct {
		Version   string
		Commit    string
		BuildDate string
	}
)

// SetVersionInfo is called by main package to set version information
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var rootCmd = &cobra.Command{
	Use:   appid.BinaryName,
	Short: appid.Description,
	Long: appid.BinaryName + " - " + appid.Description + `

brokerguard keeps one authenticated broker session alive, paces and
rate-limits calls against the broker's quotas, retries transient failures
and raises alerts when the connection degrades.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
		return flushTracing(cmd.Context())
	},
}

// Execute runs the root command. The caller maps the returned error onto an
// exit code with Exit.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Keep gofulmen's global telemetry quiet until serve installs the real system.
	if sys, err := telemetry.NewSystem(&telemetry.Config{Enabled: false}); err == nil {
		telemetry.SetGlobalSystem(sys)
	}

	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", fmt.Sprintf("config file (default is $XDG_CONFIG_HOME/%s/config.yaml)", appid.ConfigName))
	flags.BoolVarP(&verbose, "verbose", "v", false, "verbose output (sets log level to debug)")
	flags.StringVar(&traceFile, "trace", "", "write OpenTelemetry spans to this file as JSON")
	flags.StringArrayVar(&setFlags, "set", nil, "override a config key, e.g. --set retry.max_attempts=5 (repeatable)")
}

// initConfig sets up the CLI logger, loads configuration and starts tracing.
func initConfig() {
	observability.InitCLILogger(appid.BinaryName, verbose)

	overrides, err := parseOverrides(setFlags)
	if err != nil {
		ExitWithCode(observability.CLILogger, foundry.ExitConfigInvalid, "Invalid --set override", err)
	}

	cfg, err := config.Load(context.Background(), cfgFile, overrides)
	if err != nil {
		ExitWithCode(observability.CLILogger, foundry.ExitConfigInvalid, "Failed to load configuration", err)
	}
	appConfig = cfg

	if used := config.ConfigFileUsed(); used != "" {
		observability.CLILogger.Debug("Using config file", zap.String("path", used))
	} else {
		observability.CLILogger.Debug("No config file found, using defaults and environment variables")
	}

	if traceFile != "" || cfg.Tracing.Enabled {
		file := traceFile
		if file == "" {
			file = cfg.Tracing.File
		}
		shutdown, err := observability.InitTracing(observability.TracingOptions{
			ServiceName:    appid.BinaryName,
			ServiceVersion: versionInfo.Version,
			File:           file,
			SampleRatio:    cfg.Tracing.SampleRatio,
		})
		if err != nil {
			observability.CLILogger.Warn("Failed to enable tracing", zap.Error(err))
		} else {
			stopTracing = shutdown
		}
	}
}

// parseOverrides turns key=value pairs into runtime config overrides.
func parseOverrides(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("override %q must look like key=value", pair)
		}
		out[strings.ToLower(key)] = strings.TrimSpace(value)
	}
	return out, nil
}

func flushTracing(ctx context.Context) error {
	if stopTracing == nil {
		return nil
	}
	shutdown := stopTracing
	stopTracing = nil

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return shutdown(ctx)
}

// loadedConfig returns the configuration loaded by initConfig.
func loadedConfig() (*config.Config, error) {
	if appConfig != nil {
		return appConfig, nil
	}
	return nil, config.ErrNotLoaded
}
