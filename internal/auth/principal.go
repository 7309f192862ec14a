// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 InfoGrep Contributors

package auth

import (
	"context"
	"regexp"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Username validation constraints.
const (
	MinUsernameLength = 3
	MaxUsernameLength = 128
)

// usernameRegex matches usernames that start with a letter or digit and
// contain only letters, digits, underscores, dots, hyphens and the @ sign.
// OAuth principals use their verified email address as username.
var usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._@+-]*$`)

// Principal is a registered identity. PasswordHash is empty for
// OAuth-only principals, which never authenticate with a local credential.
type Principal struct {
	ID           ulid.ULID
	Username     string
	PasswordHash string
	Admin        bool
	Mode         Mode
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewPrincipal creates a validated Principal. passwordHash may be empty
// only for OAuth-mode principals.
func NewPrincipal(username, passwordHash string, admin bool, mode Mode) (*Principal, error) {
	if err := ValidateUsername(username); err != nil {
		return nil, err
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}
	if passwordHash == "" && mode != ModeOAuth {
		return nil, oops.Code("AUTH_MISSING_HASH").
			Errorf("password-mode principal requires a credential hash")
	}

	now := time.Now()
	return &Principal{
		ID:           ulid.Make(),
		Username:     username,
		PasswordHash: passwordHash,
		Admin:        admin,
		Mode:         mode,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// ValidateUsername validates a username against rules:
//   - Length: MinUsernameLength to MaxUsernameLength characters
//   - Must start with a letter or digit
//   - May contain letters, digits, and . _ @ + - (covers email addresses)
func ValidateUsername(username string) error {
	if username == "" {
		return oops.Code("AUTH_INVALID_USERNAME").Errorf("username cannot be empty")
	}
	if len(username) < MinUsernameLength {
		return oops.Code("AUTH_INVALID_USERNAME").
			With("min", MinUsernameLength).
			Errorf("username must be at least %d characters", MinUsernameLength)
	}
	if len(username) > MaxUsernameLength {
		return oops.Code("AUTH_INVALID_USERNAME").
			With("max", MaxUsernameLength).
			Errorf("username must be at most %d characters", MaxUsernameLength)
	}
	if !usernameRegex.MatchString(username) {
		return oops.Code("AUTH_INVALID_USERNAME").
			Errorf("username contains invalid characters")
	}
	return nil
}

// PrincipalRepository manages principal persistence.
//
// Usernames are unique within an auth mode: a password-mode "alice" and an
// OAuth-mode "alice" are distinct principals and must not collide.
type PrincipalRepository interface {
	// Create stores a new principal. Returns an error wrapping ErrExists
	// when the (mode, username) pair is already taken.
	Create(ctx context.Context, principal *Principal) error

	// GetByID retrieves a principal by ID.
	GetByID(ctx context.Context, id ulid.ULID) (*Principal, error)

	// GetByUsername retrieves a principal by username within a mode
	// (case-insensitive).
	GetByUsername(ctx context.Context, username string, mode Mode) (*Principal, error)

	// Update updates an existing principal.
	Update(ctx context.Context, principal *Principal) error

	// UpdatePassword updates only the credential hash for a principal.
	UpdatePassword(ctx context.Context, id ulid.ULID, passwordHash string) error

	// Delete removes a principal.
	Delete(ctx context.Context, id ulid.ULID) error

	// List returns all principals.
	List(ctx context.Context) ([]*Principal, error)
}
