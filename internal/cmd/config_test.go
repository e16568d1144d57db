package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokerguard/brokerguard/internal/config"
)

func TestWriteConfigYAMLOmitsSecrets(t *testing.T) {
	cfg := quietConfig(t)
	cfg.Credentials.Vault.Token = "s.vault-secret"
	cfg.Store.AuthToken = "libsql-secret"
	cfg.Redis.Password = "redis-secret"
	cfg.Notify.Webhooks = []config.WebhookConfig{{
		Name:    "ops",
		URL:     "https://hooks.example.com/alerts",
		Headers: map[string]string{"Authorization": "Bearer hook-secret"},
	}}

	var buf bytes.Buffer
	require.NoError(t, writeConfigYAML(&buf, cfg))
	out := buf.String()

	assert.Contains(t, out, "broker:")
	assert.Contains(t, out, "mode: simulator")
	for _, secret := range []string{"s.vault-secret", "libsql-secret", "redis-secret", "hook-secret"} {
		assert.NotContains(t, out, secret)
	}
}

func TestWriteConfigSources(t *testing.T) {
	quietConfig(t)
	t.Setenv("BROKERGUARD_BROKER_MODE", "simulator")

	var buf bytes.Buffer
	require.NoError(t, writeConfigSources(&buf))
	assert.Contains(t, buf.String(), "defaults only")
	assert.Contains(t, buf.String(), "BROKERGUARD_BROKER_MODE")
}
