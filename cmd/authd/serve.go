// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 InfoGrep Contributors

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/infogrep/authd/internal/auth"
	authpg "github.com/infogrep/authd/internal/auth/postgres"
	"github.com/infogrep/authd/internal/config"
	"github.com/infogrep/authd/internal/httpapi"
	"github.com/infogrep/authd/internal/logging"
	"github.com/infogrep/authd/internal/oauth"
	"github.com/infogrep/authd/internal/observability"
	"github.com/infogrep/authd/internal/session"
	sessionpg "github.com/infogrep/authd/internal/session/postgres"
	"github.com/infogrep/authd/internal/store"
	"github.com/infogrep/authd/pkg/errutil"
)

const shutdownTimeout = 15 * time.Second

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the authentication server",
		Long: `Start the HTTP API and the observability endpoints. Pending
database migrations are applied before the server accepts requests.`,
		RunE: runServe,
	}

	flags := cmd.Flags()
	flags.String("listen_addr", "", "HTTP API listen address")
	flags.String("metrics_addr", "", "observability listen address")
	flags.String("log_format", "", "log format (json or text)")
	flags.String("log_level", "", "log level (debug, info, warn, error)")
	flags.String("auth_mode", "", "authentication mode (password or oauth)")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return oops.Code("CONFIG_INVALID").Errorf("DATABASE_URL environment variable is required")
	}

	logging.SetDefault("authd", version, cfg.LogFormat, logging.ParseLevel(cfg.LogLevel))
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := autoMigrate(cfg.DatabaseURL, logger); err != nil {
		return err
	}

	gate, err := auth.NewGate(cfg.Mode())
	if err != nil {
		return err
	}

	policy := session.Policy{
		TTL:             cfg.Session.TTL,
		Sliding:         cfg.Session.Sliding,
		MaxPerPrincipal: cfg.Session.MaxPerPrincipal,
		TokenBytes:      cfg.Session.TokenBytes,
		SweepInterval:   cfg.Session.SweepInterval,
	}

	var registry session.Registry
	switch cfg.Session.Backend {
	case "postgres":
		pgReg, err := sessionpg.NewRegistry(pool, policy)
		if err != nil {
			return err
		}
		go sweepLoop(ctx, pgReg, policy.Normalized().SweepInterval, logger)
		registry = pgReg
	default:
		memReg := session.NewMemoryRegistry(policy)
		defer memReg.Close()
		registry = memReg
	}

	principals := authpg.NewPrincipalRepository(pool)
	hasher := auth.NewArgon2idHasher()

	svcOpts := []auth.ServiceOption{auth.WithLogger(logger)}
	if cfg.RegistrationRequiresAdmin {
		svcOpts = append(svcOpts, auth.WithAdminRegistration())
	}
	svc, err := auth.NewService(principals, registry, hasher, gate, svcOpts...)
	if err != nil {
		return err
	}

	if gate.Active() == auth.ModePassword {
		if cfg.AdminPassword == "" {
			logger.Warn("ADMIN_PASSWORD not set, skipping admin bootstrap")
		} else if err := auth.EnsureAdmin(ctx, principals, hasher, cfg.AdminPassword, logger); err != nil {
			return err
		}
	}

	apiOpts := []httpapi.Option{
		httpapi.WithLogger(logger),
		httpapi.WithFrontendLoginURI(cfg.FrontendLoginURI),
		httpapi.WithCORSOrigin(cfg.CORSOrigin),
	}

	if gate.Active() == auth.ModeOAuth {
		provider, err := oauth.New(ctx, cfg.OAuth.Issuer, cfg.OAuth.ClientID, cfg.OAuth.ClientSecret, cfg.OAuth.RedirectURL)
		if err != nil {
			return err
		}
		apiOpts = append(apiOpts, httpapi.WithOAuthProvider(provider))
	}

	obs := observability.NewServer(cfg.MetricsAddr, func() bool {
		return pool.Ping(context.Background()) == nil
	})
	obsErrCh, err := obs.Start()
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := obs.Stop(stopCtx); err != nil {
			errutil.LogError(logger, "observability shutdown failed", err)
		}
	}()

	apiOpts = append(apiOpts, httpapi.WithMetrics(obs.Metrics()))

	api := httpapi.NewServer(svc, apiOpts...)
	httpSrv := api.NewHTTPServer(cfg.ListenAddr)

	serveErrCh := make(chan error, 1)
	go func() {
		logger.Info("authentication server started",
			"addr", cfg.ListenAddr,
			"auth_mode", string(gate.Active()),
			"session_backend", cfg.Session.Backend,
		)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErrCh:
		return oops.Code("SERVER_FAILED").Wrap(err)
	case err := <-obsErrCh:
		if err != nil {
			return oops.Code("OBSERVABILITY_FAILED").Wrap(err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return oops.Code("SHUTDOWN_FAILED").Wrap(err)
	}

	logger.Info("authentication server stopped")
	return nil
}

// autoMigrate applies pending migrations at startup so a fresh database
// comes up without a separate deploy step.
func autoMigrate(databaseURL string, logger *slog.Logger) error {
	migrator, err := store.NewMigrator(databaseURL)
	if err != nil {
		return err
	}
	defer func() {
		if err := migrator.Close(); err != nil {
			errutil.LogError(logger, "migrator close failed", err)
		}
	}()

	pending, err := migrator.PendingMigrations()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	logger.Info("applying pending migrations", "count", len(pending))
	return migrator.Up()
}

// sweepLoop periodically deletes expired sessions from the durable store.
func sweepLoop(ctx context.Context, reg *sessionpg.Registry, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := reg.DeleteExpired(ctx)
			if err != nil {
				errutil.LogError(logger, "session sweep failed", err)
				continue
			}
			if n > 0 {
				logger.Debug("expired sessions removed", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}
