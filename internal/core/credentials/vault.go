package credentials

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/vault/api"

	"github.com/brokerguard/brokerguard/internal/core"
)

// VaultConfig locates the broker secret in a KV v2 mount.
type VaultConfig struct {
	Address string
	Token   string
	Mount   string
	Path    string
}

// VaultProvider reads credentials from HashiCorp Vault.
type VaultProvider struct {
	client *api.Client
	config VaultConfig
}

// NewVaultProvider creates a Vault-backed provider.
func NewVaultProvider(cfg VaultConfig) (*VaultProvider, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, core.NewError(core.KindConfiguration, "credentials.vault", "secret path is required")
	}
	if strings.TrimSpace(cfg.Mount) == "" {
		cfg.Mount = "secret"
	}

	vaultConfig := api.DefaultConfig()
	if cfg.Address != "" {
		vaultConfig.Address = cfg.Address
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	return &VaultProvider{client: client, config: cfg}, nil
}

// Credentials reads username, password, totp_secret and account from the secret.
func (p *VaultProvider) Credentials(ctx context.Context) (Credentials, error) {
	path := fmt.Sprintf("%s/data/%s", strings.Trim(p.config.Mount, "/"), strings.Trim(p.config.Path, "/"))

	secret, err := p.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return Credentials{}, core.WrapError(core.KindNetwork, "credentials.vault", fmt.Errorf("failed to read broker credentials from vault: %w", err))
	}
	if secret == nil || secret.Data == nil {
		return Credentials{}, core.NewError(core.KindConfiguration, "credentials.vault", "broker credentials not found at "+path)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return Credentials{}, core.NewError(core.KindConfiguration, "credentials.vault", "invalid secret format")
	}

	creds := Credentials{
		Username:   getString(data, "username"),
		Password:   getString(data, "password"),
		TOTPSecret: getString(data, "totp_secret"),
		Account:    getString(data, "account"),
	}
	if err := creds.Validate(); err != nil {
		return Credentials{}, err
	}
	return creds, nil
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key]; ok {
		switch typed := v.(type) {
		case string:
			return typed
		case fmt.Stringer:
			return typed.String()
		case nil:
			return ""
		default:
			return fmt.Sprint(typed)
		}
	}
	return ""
}
