package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/brokerguard/brokerguard/internal/config"
	"github.com/brokerguard/brokerguard/internal/core"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the merged configuration as YAML",
	Long: `Print the configuration after defaults, the user config file, environment
variables and --set overrides are merged. Secrets are never printed.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadedConfig()
		if err != nil {
			return err
		}
		return writeConfigYAML(cmd.OutOrStdout(), cfg)
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the merged configuration for errors",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadedConfig()
		if err != nil {
			return err
		}
		if err := config.Validate(cfg); err != nil {
			return core.WrapError(core.KindConfiguration, "config.validate", err)
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
		return err
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show where configuration is read from",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if _, err := loadedConfig(); err != nil {
			return err
		}
		return writeConfigSources(cmd.OutOrStdout())
	},
}

func writeConfigYAML(w io.Writer, cfg *config.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

func writeConfigSources(w io.Writer) error {
	used := config.ConfigFileUsed()
	if used == "" {
		used = "(none; defaults only)"
	}
	overrides := config.EnvironmentOverrides()
	env := "(none)"
	if len(overrides) > 0 {
		env = strings.Join(overrides, ", ")
	}

	_, err := fmt.Fprintf(w, "Config file:    %s\nDefault path:   %s\nData directory: %s\nEnvironment:    %s\n",
		used, orNone(config.DefaultConfigPath()), orNone(config.DefaultDataDir()), env)
	return err
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(configCmd)
}
