// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 InfoGrep Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/infogrep/authd/internal/session"
)

// Identity is a normalized external authentication identity returned by
// the OAuth provider. It contains facts only, no decisions.
type Identity struct {
	Subject       string // provider-scoped unique user identifier (sub)
	Email         string // email returned by the provider
	EmailVerified bool   // whether the provider asserts email ownership
}

// Service provides the authentication operations.
type Service struct {
	principals PrincipalRepository
	sessions   session.Registry
	hasher     PasswordHasher
	gate       *Gate
	logger     *slog.Logger

	// registrationRequiresAdmin gates POST /register behind an admin
	// session, matching the locked-down deployment profile.
	registrationRequiresAdmin bool
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the service logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithAdminRegistration requires an admin session for registration.
func WithAdminRegistration() ServiceOption {
	return func(s *Service) {
		s.registrationRequiresAdmin = true
	}
}

// NewService creates a Service.
func NewService(principals PrincipalRepository, sessions session.Registry, hasher PasswordHasher, gate *Gate, opts ...ServiceOption) (*Service, error) {
	if principals == nil {
		return nil, oops.Code("AUTH_SERVICE_INVALID").Errorf("principals repository is required")
	}
	if sessions == nil {
		return nil, oops.Code("AUTH_SERVICE_INVALID").Errorf("session registry is required")
	}
	if hasher == nil {
		return nil, oops.Code("AUTH_SERVICE_INVALID").Errorf("password hasher is required")
	}
	if gate == nil {
		return nil, oops.Code("AUTH_SERVICE_INVALID").Errorf("auth mode gate is required")
	}

	s := &Service{
		principals: principals,
		sessions:   sessions,
		hasher:     hasher,
		gate:       gate,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// dummyPasswordHash is used when a user doesn't exist so password
// verification still runs and response time stays consistent. This is NOT
// a real credential; it can never match any password.
//
//nolint:gosec // G101: intentionally fake hash for timing attack prevention, not a credential.
const dummyPasswordHash = "$argon2id$v=19$m=65536,t=1,p=4$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// Register creates a password-mode principal and issues its first session.
// callerToken is consulted only when registration is admin-gated.
func (s *Service) Register(ctx context.Context, callerToken, username, password, ipAddress string) (string, *session.Session, error) {
	if err := s.gate.Require(ModePassword); err != nil {
		return "", nil, err
	}
	if s.registrationRequiresAdmin {
		if _, err := s.RequireAdmin(ctx, callerToken); err != nil {
			return "", nil, err
		}
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return "", nil, err
	}

	principal, err := NewPrincipal(username, hash, false, ModePassword)
	if err != nil {
		return "", nil, err
	}

	if err := s.principals.Create(ctx, principal); err != nil {
		if errors.Is(err, ErrExists) {
			return "", nil, oops.Code("AUTH_PRINCIPAL_EXISTS").
				With("username", username).
				Wrap(err)
		}
		return "", nil, oops.Code("AUTH_REGISTER_FAILED").
			With("operation", "create principal").
			Wrap(err)
	}

	s.logger.Info("principal registered", "principal_id", principal.ID.String())

	return s.issueSession(ctx, principal, ipAddress)
}

// Login authenticates a password-mode principal and issues a session.
// Absent user and wrong password are indistinguishable in both response
// and timing: verification always runs, against a dummy hash when needed.
func (s *Service) Login(ctx context.Context, username, password, ipAddress string) (string, *session.Session, error) {
	if err := s.gate.Require(ModePassword); err != nil {
		return "", nil, err
	}

	principal, lookupErr := s.principals.GetByUsername(ctx, username, ModePassword)

	targetHash := dummyPasswordHash
	exists := false
	if lookupErr != nil {
		if !errors.Is(lookupErr, ErrNotFound) {
			return "", nil, oops.Code("AUTH_LOGIN_FAILED").
				With("operation", "get principal by username").
				Wrap(lookupErr)
		}
	} else {
		targetHash = principal.PasswordHash
		exists = true
	}

	valid, verifyErr := s.hasher.Verify(password, targetHash)
	if verifyErr != nil {
		if !exists {
			return "", nil, s.invalidCredentials()
		}
		return "", nil, oops.Code("AUTH_LOGIN_FAILED").
			With("operation", "verify password").
			Wrap(verifyErr)
	}
	if !exists || !valid {
		return "", nil, s.invalidCredentials()
	}

	// Transparently upgrade legacy bcrypt hashes; login succeeds either way.
	if s.hasher.NeedsUpgrade(principal.PasswordHash) {
		if newHash, hashErr := s.hasher.Hash(password); hashErr == nil {
			if err := s.principals.UpdatePassword(ctx, principal.ID, newHash); err != nil {
				s.logger.Warn("hash upgrade failed", "principal_id", principal.ID.String(), "error", err)
			}
		}
	}

	return s.issueSession(ctx, principal, ipAddress)
}

// CompleteOAuth resolves an OAuth identity to a principal, creating one on
// first login, and issues a session. The username of an OAuth principal is
// its verified email.
func (s *Service) CompleteOAuth(ctx context.Context, ident Identity, ipAddress string) (string, *session.Session, error) {
	if err := s.gate.Require(ModeOAuth); err != nil {
		return "", nil, err
	}
	if ident.Email == "" {
		return "", nil, oops.Code("AUTH_OAUTH_FAILED").Errorf("identity is missing an email claim")
	}

	principal, err := s.principals.GetByUsername(ctx, ident.Email, ModeOAuth)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return "", nil, oops.Code("AUTH_OAUTH_FAILED").
				With("operation", "get principal by email").
				Wrap(err)
		}

		principal, err = NewPrincipal(ident.Email, "", false, ModeOAuth)
		if err != nil {
			return "", nil, err
		}
		if err := s.principals.Create(ctx, principal); err != nil {
			// A concurrent first login for the same identity may win the
			// insert; use whichever record landed.
			if errors.Is(err, ErrExists) {
				principal, err = s.principals.GetByUsername(ctx, ident.Email, ModeOAuth)
			}
			if err != nil {
				return "", nil, oops.Code("AUTH_OAUTH_FAILED").
					With("operation", "create principal").
					Wrap(err)
			}
		} else {
			s.logger.Info("oauth principal created", "principal_id", principal.ID.String())
		}
	}

	return s.issueSession(ctx, principal, ipAddress)
}

// Check validates a session token. Mode-agnostic: a token validates the
// same way regardless of how it was created.
func (s *Service) Check(ctx context.Context, token string) (*session.Session, error) {
	return s.sessions.Validate(ctx, token)
}

// Logout invalidates a session token. Idempotent.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.sessions.Invalidate(ctx, token)
}

// ChangePassword updates the caller's own credential.
func (s *Service) ChangePassword(ctx context.Context, token, newPassword string) error {
	if err := s.gate.Require(ModePassword); err != nil {
		return err
	}

	sess, err := s.sessions.Validate(ctx, token)
	if err != nil {
		return err
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}

	if err := s.principals.UpdatePassword(ctx, sess.PrincipalID, hash); err != nil {
		return oops.Code("AUTH_PASSWORD_CHANGE_FAILED").
			With("operation", "update password").
			With("principal_id", sess.PrincipalID.String()).
			Wrap(err)
	}
	return nil
}

// Sessions lists the caller's live sessions.
func (s *Service) Sessions(ctx context.Context, token string) ([]*session.Session, error) {
	sess, err := s.sessions.Validate(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.sessions.ListByPrincipal(ctx, sess.PrincipalID)
}

// RequireAdmin validates the token and ensures the session's admin
// snapshot is set.
func (s *Service) RequireAdmin(ctx context.Context, token string) (*session.Session, error) {
	sess, err := s.sessions.Validate(ctx, token)
	if err != nil {
		return nil, err
	}
	if !sess.Admin {
		return nil, oops.Code("AUTH_NOT_ADMIN").
			With("principal_id", sess.PrincipalID.String()).
			Errorf("operation requires an admin session")
	}
	return sess, nil
}

// ListPrincipals returns all principals. Admin only.
func (s *Service) ListPrincipals(ctx context.Context, callerToken string) ([]*Principal, error) {
	if _, err := s.RequireAdmin(ctx, callerToken); err != nil {
		return nil, err
	}
	principals, err := s.principals.List(ctx)
	if err != nil {
		return nil, oops.Code("AUTH_LIST_FAILED").
			With("operation", "list principals").
			Wrap(err)
	}
	return principals, nil
}

// UpdatePrincipal renames a principal and resets its password. Admin only.
func (s *Service) UpdatePrincipal(ctx context.Context, callerToken string, id ulid.ULID, username, password string) error {
	if _, err := s.RequireAdmin(ctx, callerToken); err != nil {
		return err
	}

	principal, err := s.principals.GetByID(ctx, id)
	if err != nil {
		return oops.Code("AUTH_UPDATE_FAILED").
			With("operation", "get principal").
			With("principal_id", id.String()).
			Wrap(err)
	}

	if username != "" && username != principal.Username {
		if err := ValidateUsername(username); err != nil {
			return err
		}
		principal.Username = username
	}
	if password != "" {
		hash, err := s.hasher.Hash(password)
		if err != nil {
			return err
		}
		principal.PasswordHash = hash
	}

	if err := s.principals.Update(ctx, principal); err != nil {
		if errors.Is(err, ErrExists) {
			return oops.Code("AUTH_PRINCIPAL_EXISTS").
				With("username", username).
				Wrap(err)
		}
		return oops.Code("AUTH_UPDATE_FAILED").
			With("operation", "update principal").
			With("principal_id", id.String()).
			Wrap(err)
	}
	return nil
}

// DeletePrincipal removes a principal and revokes all of its sessions.
// Admin only.
func (s *Service) DeletePrincipal(ctx context.Context, callerToken string, id ulid.ULID) error {
	if _, err := s.RequireAdmin(ctx, callerToken); err != nil {
		return err
	}

	if err := s.principals.Delete(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
		return oops.Code("AUTH_DELETE_FAILED").
			With("operation", "delete principal").
			With("principal_id", id.String()).
			Wrap(err)
	}

	// A deleted principal must not keep authenticating through sessions
	// issued before the delete.
	if err := s.sessions.InvalidateAllForPrincipal(ctx, id); err != nil {
		return oops.Code("AUTH_DELETE_FAILED").
			With("operation", "revoke sessions").
			With("principal_id", id.String()).
			Wrap(err)
	}
	return nil
}

func (s *Service) issueSession(ctx context.Context, principal *Principal, ipAddress string) (string, *session.Session, error) {
	token, sess, err := s.sessions.Create(ctx, principal.ID, principal.Admin, ipAddress)
	if err != nil {
		return "", nil, oops.Code("AUTH_SESSION_CREATE_FAILED").
			With("operation", "create session").
			With("principal_id", principal.ID.String()).
			Wrap(err)
	}
	return token, sess, nil
}

func (s *Service) invalidCredentials() error {
	return oops.Code("AUTH_INVALID_CREDENTIALS").Errorf("invalid username or password")
}
