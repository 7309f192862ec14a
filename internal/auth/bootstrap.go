// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 InfoGrep Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"

	"github.com/samber/oops"
)

// BootstrapUsername is the username of the seeded administrator.
const BootstrapUsername = "admin"

// EnsureAdmin guarantees an admin principal exists before the server starts
// accepting requests. If one already exists nothing changes, including its
// password. Two instances racing on a fresh database both succeed: the
// loser's unique violation means the winner's insert landed.
//
// Only meaningful in password mode; OAuth deployments grant admin out of band.
func EnsureAdmin(ctx context.Context, principals PrincipalRepository, hasher PasswordHasher, password string, logger *slog.Logger) error {
	if password == "" {
		return oops.Code("AUTH_BOOTSTRAP_FAILED").
			Errorf("admin bootstrap password is required")
	}

	_, err := principals.GetByUsername(ctx, BootstrapUsername, ModePassword)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return oops.Code("AUTH_BOOTSTRAP_FAILED").
			With("operation", "get admin principal").
			Wrap(err)
	}

	hash, err := hasher.Hash(password)
	if err != nil {
		return oops.Code("AUTH_BOOTSTRAP_FAILED").
			With("operation", "hash admin password").
			Wrap(err)
	}

	principal, err := NewPrincipal(BootstrapUsername, hash, true, ModePassword)
	if err != nil {
		return err
	}

	if err := principals.Create(ctx, principal); err != nil {
		if errors.Is(err, ErrExists) {
			logger.Info("admin principal created concurrently by another instance")
			return nil
		}
		return oops.Code("AUTH_BOOTSTRAP_FAILED").
			With("operation", "create admin principal").
			Wrap(err)
	}

	logger.Info("admin principal bootstrapped", "principal_id", principal.ID.String())
	return nil
}
