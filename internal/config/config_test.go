// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 InfoGrep Contributors

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infogrep/authd/internal/auth"
	"github.com/infogrep/authd/internal/config"
	"github.com/infogrep/authd/pkg/errutil"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "authd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, auth.ModePassword, cfg.Mode())
	assert.Equal(t, "memory", cfg.Session.Backend)
	assert.Equal(t, 48*time.Hour, cfg.Session.TTL)
	assert.False(t, cfg.Session.Sliding)
	assert.Equal(t, 32, cfg.Session.TokenBytes)
	assert.Equal(t, time.Minute, cfg.Session.SweepInterval)
}

func TestLoadFile(t *testing.T) {
	path := writeConfigFile(t, `
listen_addr: ":8888"
log_format: text
session:
  backend: postgres
  ttl: 2h
  sliding: true
  max_per_principal: 5
`)

	cfg, err := config.Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, ":8888", cfg.ListenAddr)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "postgres", cfg.Session.Backend)
	assert.Equal(t, 2*time.Hour, cfg.Session.TTL)
	assert.True(t, cfg.Session.Sliding)
	assert.Equal(t, 5, cfg.Session.MaxPerPrincipal)

	// Untouched keys keep their defaults.
	assert.Equal(t, ":9090", cfg.MetricsAddr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "CONFIG_LOAD_FAILED")
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
log_level: warn
session:
  ttl: 2h
`)

	t.Setenv("AUTHD_LOG_LEVEL", "debug")
	t.Setenv("AUTHD_SESSION__TTL", "30m")
	t.Setenv("AUTHD_SESSION__MAX_PER_PRINCIPAL", "7")

	cfg, err := config.Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 30*time.Minute, cfg.Session.TTL)
	assert.Equal(t, 7, cfg.Session.MaxPerPrincipal)
}

func TestLoadEnvMultiWordKeys(t *testing.T) {
	t.Setenv("AUTHD_AUTH_MODE", "oauth")
	t.Setenv("AUTHD_LISTEN_ADDR", ":7070")
	t.Setenv("AUTHD_OAUTH__ISSUER", "https://idp.example.com")
	t.Setenv("AUTHD_OAUTH__CLIENT_ID", "authd")
	t.Setenv("AUTHD_OAUTH__REDIRECT_URL", "https://authd.example.com/authorize")

	cfg, err := config.Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, auth.ModeOAuth, cfg.Mode())
	assert.Equal(t, ":7070", cfg.ListenAddr)
	assert.Equal(t, "https://idp.example.com", cfg.OAuth.Issuer)
	assert.Equal(t, "authd", cfg.OAuth.ClientID)
}

func TestLoadFlagsOverrideEnv(t *testing.T) {
	t.Setenv("AUTHD_LISTEN_ADDR", ":7070")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("listen_addr", ":8080", "")
	require.NoError(t, flags.Parse([]string{"--listen_addr=:6060"}))

	cfg, err := config.Load("", flags)
	require.NoError(t, err)
	assert.Equal(t, ":6060", cfg.ListenAddr)
}

func TestLoadSecretsFromEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/authd")
	t.Setenv("ADMIN_PASSWORD", "bootstrap-secret")
	t.Setenv("OAUTH_CLIENT_SECRET", "client-secret")

	cfg, err := config.Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/authd", cfg.DatabaseURL)
	assert.Equal(t, "bootstrap-secret", cfg.AdminPassword)
	assert.Equal(t, "client-secret", cfg.OAuth.ClientSecret)
}

func TestValidate(t *testing.T) {
	valid := config.Defaults()

	tests := []struct {
		name   string
		mutate func(c *config.Config)
		code   string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*config.Config) {},
		},
		{
			name:   "unknown auth mode",
			mutate: func(c *config.Config) { c.AuthMode = "ldap" },
			code:   "CONFIG_INVALID",
		},
		{
			name:   "unknown log format",
			mutate: func(c *config.Config) { c.LogFormat = "xml" },
			code:   "CONFIG_INVALID",
		},
		{
			name:   "unknown session backend",
			mutate: func(c *config.Config) { c.Session.Backend = "redis" },
			code:   "CONFIG_INVALID",
		},
		{
			name:   "negative ttl",
			mutate: func(c *config.Config) { c.Session.TTL = -time.Hour },
			code:   "CONFIG_INVALID",
		},
		{
			name:   "negative session cap",
			mutate: func(c *config.Config) { c.Session.MaxPerPrincipal = -1 },
			code:   "CONFIG_INVALID",
		},
		{
			name:   "oauth mode without issuer",
			mutate: func(c *config.Config) { c.AuthMode = "oauth" },
			code:   "CONFIG_INVALID",
		},
		{
			name: "oauth mode without redirect url",
			mutate: func(c *config.Config) {
				c.AuthMode = "oauth"
				c.OAuth.Issuer = "https://idp.example.com"
				c.OAuth.ClientID = "authd"
			},
			code: "CONFIG_INVALID",
		},
		{
			name: "oauth mode fully configured",
			mutate: func(c *config.Config) {
				c.AuthMode = "oauth"
				c.OAuth.Issuer = "https://idp.example.com"
				c.OAuth.ClientID = "authd"
				c.OAuth.RedirectURL = "https://authd.example.com/authorize"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.code == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			errutil.AssertErrorCode(t, err, tt.code)
		})
	}
}
