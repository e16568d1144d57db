// Package config provides centralized configuration management for brokerguard.
// It implements a three-layer config pattern on spf13/viper:
// Layer 1: embedded defaults (defaults.yaml)
// Layer 2: user overrides (--config, or discovered via XDG paths)
// Layer 3: BROKERGUARD_* environment variables and runtime overrides
package config

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/brokerguard/brokerguard/internal/appid"
)

//go:embed defaults.yaml
var defaultsYAML []byte

var (
	// appConfig holds the current application configuration
	appConfig  *Config
	configFile string
	configMu   sync.RWMutex
)

// envAliases maps short environment variables onto config keys in addition
// to the automatic BROKERGUARD_<SECTION>_<KEY> names.
var envAliases = map[string][]string{
	"server.host":             {"HOST"},
	"server.port":             {"PORT"},
	"server.read_timeout":     {"READ_TIMEOUT"},
	"server.write_timeout":    {"WRITE_TIMEOUT"},
	"server.idle_timeout":     {"IDLE_TIMEOUT"},
	"server.shutdown_timeout": {"SHUTDOWN_TIMEOUT"},
	"logging.level":           {"LOG_LEVEL"},
	"logging.profile":         {"LOG_PROFILE"},
	"store.driver":            {"DB_DRIVER"},
	"store.path":              {"DB_PATH"},
	"store.url":               {"DB_URL"},
	"store.auth_token":        {"DB_AUTH_TOKEN"},
	"broker.mode":             {"BROKER_MODE"},
	"broker.http.base_url":    {"BROKER_URL"},
	"credentials.vault.token": {"VAULT_TOKEN"},
	"redis.url":               {"REDIS_URL"},
	"redis.password":          {"REDIS_PASSWORD"},
	"notify.email.password":   {"SMTP_PASSWORD"},
}

// Load loads configuration using the three-layer pattern. path selects an
// explicit user config file; when empty the XDG config path and
// ./config/config.yaml are tried.
//
// This function is safe to call multiple times (e.g., for config reload)
func Load(ctx context.Context, path string, runtimeOverrides ...map[string]any) (*Config, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaultsYAML)); err != nil {
		return nil, fmt.Errorf("failed to read embedded defaults: %w", err)
	}

	used, err := mergeUserConfig(v, path)
	if err != nil {
		return nil, err
	}

	prefix := strings.TrimSuffix(appid.EnvPrefix, "_")
	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, aliases := range envAliases {
		names := []string{appid.EnvVar(key)}
		for _, alias := range aliases {
			names = append(names, appid.EnvVar(alias))
		}
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	for _, overrides := range runtimeOverrides {
		for key, value := range flatten("", overrides) {
			v.Set(key, value)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.StringToFloat64HookFunc(),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if strings.TrimSpace(cfg.Store.URL) == "" && strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = DefaultStorePath()
	}

	setConfig(cfg, used)
	return cfg, nil
}

// mergeUserConfig merges the layer 2 file and returns its path, or "" when none was found.
func mergeUserConfig(v *viper.Viper, path string) (string, error) {
	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return "", fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		return path, nil
	}

	for _, candidate := range userConfigCandidates() {
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		v.SetConfigFile(candidate)
		if err := v.MergeInConfig(); err != nil {
			return "", fmt.Errorf("failed to read config file %s: %w", candidate, err)
		}
		return candidate, nil
	}
	return "", nil
}

func userConfigCandidates() []string {
	var out []string
	if p := DefaultConfigPath(); p != "" {
		out = append(out, p)
	}
	return append(out, filepath.Join("config", "config.yaml"))
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		full := strings.ToLower(key)
		if prefix != "" {
			full = prefix + "." + full
		}
		if nested, ok := value.(map[string]any); ok && len(nested) > 0 {
			for k, v := range flatten(full, nested) {
				out[k] = v
			}
			continue
		}
		out[full] = value
	}
	return out
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// ConfigFileUsed returns the user config file merged by the last Load, if any.
func ConfigFileUsed() string {
	configMu.RLock()
	defer configMu.RUnlock()
	return configFile
}

// setConfig updates the current configuration (thread-safe)
func setConfig(cfg *Config, file string) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
	configFile = file
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	configDir := gfconfig.GetAppConfigDir(appid.ConfigName)
	if strings.TrimSpace(configDir) == "" {
		return ""
	}
	return filepath.Join(configDir, "config.yaml")
}

// DefaultDataDir returns the XDG-compliant data directory for the app.
func DefaultDataDir() string {
	return gfconfig.GetAppDataDir(appid.ConfigName)
}

// DefaultStorePath returns the XDG-compliant path to the database file.
func DefaultStorePath() string {
	dataDir := DefaultDataDir()
	if strings.TrimSpace(dataDir) == "" {
		return "./" + appid.BinaryName + ".db"
	}
	return filepath.Join(dataDir, appid.BinaryName+".db")
}

// EnvironmentOverrides lists the names of the BROKERGUARD_* variables that are set.
func EnvironmentOverrides() []string {
	var out []string
	for _, item := range os.Environ() {
		key, _, ok := strings.Cut(item, "=")
		if !ok || !strings.HasPrefix(key, appid.EnvPrefix) {
			continue
		}
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// ErrNotLoaded is returned by helpers that need a loaded configuration.
var ErrNotLoaded = errors.New("configuration not loaded")
