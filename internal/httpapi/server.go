// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 InfoGrep Contributors

// Package httpapi exposes the authentication service over HTTP.
//
// The wire contract is a flat JSON envelope: {"error": bool, "status":
// STATUS_WORD, "data": ...}. Status words are stable identifiers consumed
// by other services; they change only with a protocol version bump.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/infogrep/authd/internal/auth"
	"github.com/infogrep/authd/internal/oauth"
	"github.com/infogrep/authd/internal/observability"
)

// Server routes HTTP requests to the auth service.
type Server struct {
	svc      *auth.Service
	provider *oauth.Provider
	logger   *slog.Logger
	metrics  *observability.Metrics

	frontendLoginURI string
	corsOrigin       string
}

// Option configures a Server.
type Option func(*Server)

// WithOAuthProvider installs the OIDC provider for oauth mode.
func WithOAuthProvider(p *oauth.Provider) Option {
	return func(s *Server) {
		s.provider = p
	}
}

// WithFrontendLoginURI sets where the OAuth callback redirects after login.
func WithFrontendLoginURI(uri string) Option {
	return func(s *Server) {
		s.frontendLoginURI = uri
	}
}

// WithCORSOrigin restricts browser clients to one origin. Empty allows any.
func WithCORSOrigin(origin string) Option {
	return func(s *Server) {
		s.corsOrigin = origin
	}
}

// WithMetrics installs the request metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithLogger sets the request logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates the API server.
func NewServer(svc *auth.Service, opts ...Option) *Server {
	s := &Server{
		svc:              svc,
		logger:           slog.Default(),
		frontendLoginURI: "/",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the routing table with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("POST /check", s.handleCheck)
	mux.HandleFunc("POST /logout", s.handleLogout)

	mux.HandleFunc("GET /oauth_login", s.handleOAuthLogin)
	mux.HandleFunc("GET /authorize", s.handleAuthorize)

	mux.HandleFunc("PATCH /user", s.handleUserPatch)
	mux.HandleFunc("GET /sessions", s.handleSessions)

	mux.HandleFunc("GET /admin/users", s.handleAdminUsers)
	mux.HandleFunc("PATCH /admin/user", s.handleAdminUserPatch)
	mux.HandleFunc("DELETE /admin/user", s.handleAdminUserDelete)

	mux.HandleFunc("GET /health", s.handleHealth)

	var h http.Handler = mux
	h = s.requestLog(h)
	h = s.echoTraceHeaders(h)
	h = s.cors(h)
	return h
}

// NewHTTPServer wraps the handler in an http.Server with sane timeouts.
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}
