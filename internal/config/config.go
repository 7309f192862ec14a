// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 InfoGrep Contributors

// Package config loads the service configuration. Sources are layered:
// built-in defaults, then a YAML file, then AUTHD_* environment variables,
// then command-line flags. Secrets (database URL, admin bootstrap password,
// OAuth client secret) come from the environment only.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/infogrep/authd/internal/auth"
)

// SessionConfig holds the session lifecycle parameters.
type SessionConfig struct {
	// Backend selects the registry implementation: "memory" or "postgres".
	Backend string `koanf:"backend"`

	// TTL is the session time-to-live.
	TTL time.Duration `koanf:"ttl"`

	// Sliding enables renewal-on-check instead of a fixed deadline.
	Sliding bool `koanf:"sliding"`

	// MaxPerPrincipal caps live sessions per principal. Zero is unbounded.
	MaxPerPrincipal int `koanf:"max_per_principal"`

	// TokenBytes is the token entropy width in bytes.
	TokenBytes int `koanf:"token_bytes"`

	// SweepInterval is the period of the background expiry sweep.
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// OAuthConfig holds the OIDC provider settings for oauth mode.
type OAuthConfig struct {
	Issuer       string `koanf:"issuer"`
	ClientID     string `koanf:"client_id"`
	ClientSecret string `koanf:"client_secret"`
	RedirectURL  string `koanf:"redirect_url"`
}

// Config is the full service configuration.
type Config struct {
	// ListenAddr is the HTTP API listen address.
	ListenAddr string `koanf:"listen_addr"`

	// MetricsAddr is the observability server listen address.
	MetricsAddr string `koanf:"metrics_addr"`

	// LogFormat is "json" or "text".
	LogFormat string `koanf:"log_format"`

	// LogLevel is "debug", "info", "warn" or "error".
	LogLevel string `koanf:"log_level"`

	// AuthMode fixes the credential-issuance mechanism for the process.
	AuthMode string `koanf:"auth_mode"`

	// FrontendLoginURI is where the OAuth callback redirects the browser
	// after a completed login.
	FrontendLoginURI string `koanf:"frontend_login_uri"`

	// CORSOrigin is the allowed cross-origin for browser clients.
	// Empty allows any origin.
	CORSOrigin string `koanf:"cors_origin"`

	// RegistrationRequiresAdmin gates self-registration behind an admin
	// session.
	RegistrationRequiresAdmin bool `koanf:"registration_requires_admin"`

	Session SessionConfig `koanf:"session"`
	OAuth   OAuthConfig   `koanf:"oauth"`

	// DatabaseURL comes from the DATABASE_URL environment variable, never
	// from file or flags.
	DatabaseURL string `koanf:"-"`

	// AdminPassword seeds the bootstrap admin. From ADMIN_PASSWORD only.
	AdminPassword string `koanf:"-"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		ListenAddr:       ":8080",
		MetricsAddr:      ":9090",
		LogFormat:        "json",
		LogLevel:         "info",
		AuthMode:         string(auth.ModePassword),
		FrontendLoginURI: "/",
		Session: SessionConfig{
			Backend:         "memory",
			TTL:             48 * time.Hour,
			Sliding:         false,
			MaxPerPrincipal: 0,
			TokenBytes:      32,
			SweepInterval:   time.Minute,
		},
	}
}

// Load assembles the configuration. path may be empty, in which case the
// file layer is skipped. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, oops.Code("CONFIG_LOAD_FAILED").
				With("path", path).
				Wrap(err)
		}
	}

	// Double underscore nests: AUTHD_SESSION__TTL=1h maps to session.ttl.
	// Single underscores stay part of the key, so AUTHD_LISTEN_ADDR maps
	// to listen_addr and AUTHD_SESSION__MAX_PER_PRINCIPAL to
	// session.max_per_principal.
	if err := k.Load(env.Provider("AUTHD_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "AUTHD_")), "__", ".")
	}), nil); err != nil {
		return Config{}, oops.Code("CONFIG_LOAD_FAILED").
			With("source", "environment").
			Wrap(err)
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return Config{}, oops.Code("CONFIG_LOAD_FAILED").
				With("source", "flags").
				Wrap(err)
		}
	}

	cfg := Defaults()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, oops.Code("CONFIG_PARSE_FAILED").Wrap(err)
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.AdminPassword = os.Getenv("ADMIN_PASSWORD")
	if cfg.OAuth.ClientSecret == "" {
		cfg.OAuth.ClientSecret = os.Getenv("OAUTH_CLIENT_SECRET")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c Config) Validate() error {
	mode, err := auth.ParseMode(c.AuthMode)
	if err != nil {
		return err
	}

	switch c.LogFormat {
	case "json", "text":
	default:
		return oops.Code("CONFIG_INVALID").
			With("log_format", c.LogFormat).
			Errorf("log_format must be \"json\" or \"text\"")
	}

	switch c.Session.Backend {
	case "memory", "postgres":
	default:
		return oops.Code("CONFIG_INVALID").
			With("backend", c.Session.Backend).
			Errorf("session backend must be \"memory\" or \"postgres\"")
	}

	if c.Session.TTL < 0 {
		return oops.Code("CONFIG_INVALID").Errorf("session ttl cannot be negative")
	}
	if c.Session.MaxPerPrincipal < 0 {
		return oops.Code("CONFIG_INVALID").Errorf("session max_per_principal cannot be negative")
	}

	if mode == auth.ModeOAuth {
		if c.OAuth.Issuer == "" || c.OAuth.ClientID == "" {
			return oops.Code("CONFIG_INVALID").
				Errorf("oauth mode requires oauth.issuer and oauth.client_id")
		}
		if c.OAuth.RedirectURL == "" {
			return oops.Code("CONFIG_INVALID").
				Errorf("oauth mode requires oauth.redirect_url")
		}
	}

	return nil
}

// Mode returns the parsed auth mode. Call after Validate.
func (c Config) Mode() auth.Mode {
	mode, _ := auth.ParseMode(c.AuthMode)
	return mode
}
