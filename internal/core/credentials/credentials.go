// Package credentials resolves broker login material from the environment,
// dotenv files or HashiCorp Vault, and derives one-time codes for the second factor.
package credentials

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/brokerguard/brokerguard/internal/core"
)

// Credentials is the stored login material for the broker account.
type Credentials struct {
	Username   string
	Password   string
	TOTPSecret string
	Account    string
}

// Login is what a connector sends to the broker for one authentication attempt.
type Login struct {
	Username    string
	Password    string
	OneTimeCode string
	Account     string
}

// Provider supplies broker credentials.
type Provider interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// Validate checks that the mandatory fields are present and the TOTP secret decodes.
func (c Credentials) Validate() error {
	if strings.TrimSpace(c.Username) == "" || c.Password == "" {
		return core.NewError(core.KindConfiguration, "credentials", "username and password are required")
	}
	if c.TOTPSecret != "" {
		if _, err := decodeSecret(c.TOTPSecret); err != nil {
			return core.WrapError(core.KindConfiguration, "credentials", fmt.Errorf("invalid totp secret: %w", err))
		}
	}
	return nil
}

// Login builds a Login for now, deriving the one-time code when a TOTP secret is set.
func (c Credentials) Login(now time.Time) (Login, error) {
	login := Login{Username: c.Username, Password: c.Password, Account: c.Account}
	if c.TOTPSecret == "" {
		return login, nil
	}
	code, err := TOTP(c.TOTPSecret, now)
	if err != nil {
		return Login{}, core.WrapError(core.KindConfiguration, "credentials", err)
	}
	login.OneTimeCode = code
	return login, nil
}

// String masks secrets so credentials never leak into logs.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{Username: %s, Account: %s}", MaskUsername(c.Username), c.Account)
}

// MaskUsername keeps the first three characters of a username.
func MaskUsername(username string) string {
	if len(username) <= 3 {
		return "***"
	}
	return username[:3] + "***"
}

// StaticProvider returns fixed credentials.
type StaticProvider struct {
	Value Credentials
}

func (p StaticProvider) Credentials(ctx context.Context) (Credentials, error) {
	if err := p.Value.Validate(); err != nil {
		return Credentials{}, err
	}
	return p.Value, nil
}

// EnvProvider reads credentials from environment variables, falling back to dotenv files.
//
// Variables are Prefix + USERNAME, PASSWORD, TOTP_SECRET and ACCOUNT.
type EnvProvider struct {
	Prefix string
	Files  []string
	// Lookup replaces os.LookupEnv.
	Lookup func(key string) (string, bool)
}

func (p EnvProvider) Credentials(ctx context.Context) (Credentials, error) {
	fileValues := map[string]string{}
	for _, path := range p.Files {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		values, err := godotenv.Read(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return Credentials{}, core.WrapError(core.KindConfiguration, "credentials", fmt.Errorf("read %s: %w", path, err))
		}
		for k, v := range values {
			if _, seen := fileValues[k]; !seen {
				fileValues[k] = v
			}
		}
	}

	lookup := p.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(name string) string {
		key := p.Prefix + name
		if v, ok := lookup(key); ok && v != "" {
			return v
		}
		return fileValues[key]
	}

	creds := Credentials{
		Username:   get("USERNAME"),
		Password:   get("PASSWORD"),
		TOTPSecret: get("TOTP_SECRET"),
		Account:    get("ACCOUNT"),
	}
	if err := creds.Validate(); err != nil {
		return Credentials{}, err
	}
	return creds, nil
}
