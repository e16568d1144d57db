package cmd

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/brokerguard/brokerguard/internal/appid"
	"github.com/brokerguard/brokerguard/internal/config"
	"github.com/brokerguard/brokerguard/internal/observability"
)

var envInfoCmd = &cobra.Command{
	Use:   "envinfo",
	Short: "Display environment information",
	Long:  "Display environment, configuration and version information. Secrets are reported as set or unset only.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadedConfig()
		if err != nil {
			return err
		}
		log := observability.CLILogger
		version := crucible.GetVersion()

		log.Info("=== Brokerguard Environment Information ===")
		log.Info("")

		log.Info("Application:")
		log.Info("  Name:       " + appid.BinaryName)
		log.Info("  Version:    " + versionInfo.Version)
		log.Info("  Commit:     " + versionInfo.Commit)
		log.Info("  Built:      " + versionInfo.BuildDate)
		log.Info("")

		log.Info("SSOT:")
		log.Info("  Gofulmen:   "+version.Gofulmen, zap.String("gofulmen_version", version.Gofulmen))
		log.Info("  Crucible:   "+version.Crucible, zap.String("crucible_version", version.Crucible))
		log.Info("")

		log.Info("Runtime:")
		log.Info("  Go Version: "+runtime.Version(), zap.String("go_version", runtime.Version()))
		log.Info("  GOOS:       "+runtime.GOOS, zap.String("goos", runtime.GOOS))
		log.Info("  GOARCH:     "+runtime.GOARCH, zap.String("goarch", runtime.GOARCH))
		log.Info(fmt.Sprintf("  NumCPU:     %d", runtime.NumCPU()), zap.Int("num_cpu", runtime.NumCPU()))
		log.Info("")

		log.Info("Broker:")
		log.Info("  Mode:           "+cfg.Broker.Mode, zap.String("broker_mode", cfg.Broker.Mode))
		if cfg.Broker.Mode == config.BrokerHTTP {
			log.Info("  Base URL:       "+cfg.Broker.HTTP.BaseURL, zap.String("base_url", cfg.Broker.HTTP.BaseURL))
		}
		source := cfg.Credentials.Source
		if source == config.CredentialsAuto {
			source = "auto"
		}
		log.Info("  Credentials:    "+source, zap.String("credentials_source", source))
		if cfg.Credentials.Source == config.CredentialsVault {
			log.Info("  Vault Address:  " + cfg.Credentials.Vault.Address)
			log.Info("  Vault Token:    " + setOrUnset(cfg.Credentials.Vault.Token))
		}
		log.Info("")

		log.Info("Limits:")
		log.Info(fmt.Sprintf("  Default Budget: %d calls / %s", cfg.RateLimit.MaxCallsPerWindow, cfg.RateLimit.Window()))
		log.Info(fmt.Sprintf("  Classes:        %d", len(cfg.RateLimit.Classes)), zap.Int("classes", len(cfg.RateLimit.Classes)))
		log.Info("  Window Backend: "+orNone(cfg.RateLimit.Backend), zap.String("backend", cfg.RateLimit.Backend))
		if redis := strings.TrimSpace(cfg.Redis.Addr + cfg.Redis.URL); redis != "" {
			log.Info("  Redis Password: " + setOrUnset(cfg.Redis.Password))
		}
		log.Info(fmt.Sprintf("  Pacer Enabled:  %t", cfg.Pacer.Enabled), zap.Bool("pacer_enabled", cfg.Pacer.Enabled))
		log.Info("")

		log.Info("Persistence:")
		log.Info(fmt.Sprintf("  Store Enabled:  %t", cfg.Store.Enabled), zap.Bool("store_enabled", cfg.Store.Enabled))
		log.Info("  DB Driver:      "+cfg.Store.Driver, zap.String("db_driver", cfg.Store.Driver))
		if strings.TrimSpace(cfg.Store.URL) != "" {
			log.Info("  DB URL:         "+cfg.Store.URL, zap.String("db_url", cfg.Store.URL))
			log.Info("  DB Auth Token:  " + setOrUnset(cfg.Store.AuthToken))
		} else {
			log.Info("  DB Path:        "+cfg.Store.Path, zap.String("db_path", cfg.Store.Path))
		}
		log.Info("")

		log.Info("Server:")
		log.Info("  Host:           "+cfg.Server.Host, zap.String("host", cfg.Server.Host))
		log.Info(fmt.Sprintf("  Port:           %d", cfg.Server.Port), zap.Int("port", cfg.Server.Port))
		log.Info("  Log Level:      "+cfg.Logging.Level, zap.String("log_level", cfg.Logging.Level))
		log.Info("  Log Profile:    "+cfg.Logging.Profile, zap.String("log_profile", cfg.Logging.Profile))
		log.Info(fmt.Sprintf("  Metrics:        %t (port %d)", cfg.Metrics.Enabled, cfg.Metrics.Port), zap.Int("metrics_port", cfg.Metrics.Port))
		log.Info(fmt.Sprintf("  Tracing:        %t", cfg.Tracing.Enabled), zap.Bool("tracing_enabled", cfg.Tracing.Enabled))
		log.Info("")

		log.Info("Configuration:")
		log.Info("  Config File:    "+orNone(config.ConfigFileUsed()), zap.String("config_file", config.ConfigFileUsed()))
		log.Info("  Default Path:   " + orNone(config.DefaultConfigPath()))
		log.Info("  Env Overrides:  " + strings.Join(config.EnvironmentOverrides(), ", "))
		log.Info("")

		log.Info("=== End Environment Information ===")
		return nil
	},
}

func setOrUnset(secret string) string {
	if strings.TrimSpace(secret) == "" {
		return "(not set)"
	}
	return "(set)"
}

func init() {
	rootCmd.AddCommand(envInfoCmd)
}
