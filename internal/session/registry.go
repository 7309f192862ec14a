// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 InfoGrep Contributors

package session

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// ErrInvalid is the single outcome for any token that cannot be validated:
// unknown, expired or logged out. Callers must not be able to distinguish
// the three; the internal distinction exists for metrics only.
var ErrInvalid = errors.New("invalid session")

// invalidSession records the internal validation result and returns the
// uniform invalid outcome.
func invalidSession(backend, result string) error {
	RecordValidation(backend, result)
	return oops.Code("SESSION_INVALID").Wrap(ErrInvalid)
}

// DefaultSweepInterval is how often registries purge expired records.
const DefaultSweepInterval = time.Minute

// Policy fixes the session lifecycle parameters for a registry.
//
// With Sliding disabled a session carries an absolute deadline of
// CreatedAt+TTL. With Sliding enabled every successful validation extends
// the deadline by TTL from the time of that validation.
type Policy struct {
	// TTL is the session time-to-live. Zero falls back to DefaultTTL.
	TTL time.Duration

	// Sliding enables renewal-on-check.
	Sliding bool

	// MaxPerPrincipal caps live sessions per principal. Zero means
	// unbounded (the default); when the cap is hit the oldest live
	// session is evicted on create.
	MaxPerPrincipal int

	// TokenBytes is the token entropy width in bytes.
	// Zero falls back to DefaultTokenBytes.
	TokenBytes int

	// SweepInterval is the period of the background expiry sweep.
	// Zero falls back to DefaultSweepInterval.
	SweepInterval time.Duration
}

// Normalized returns a copy of the policy with defaults applied.
func (p Policy) Normalized() Policy {
	if p.TTL <= 0 {
		p.TTL = DefaultTTL
	}
	if p.TokenBytes <= 0 {
		p.TokenBytes = DefaultTokenBytes
	}
	if p.SweepInterval <= 0 {
		p.SweepInterval = DefaultSweepInterval
	}
	return p
}

// Registry is the shared session store. All operations are safe for
// concurrent use. No caller accesses raw storage; the four lifecycle
// operations plus the two principal-scoped helpers are the whole surface.
type Registry interface {
	// Create issues a new session for a principal. The admin flag is
	// snapshotted into the record. Returns the plaintext token, which is
	// never stored.
	Create(ctx context.Context, principalID ulid.ULID, admin bool, ipAddress string) (string, *Session, error)

	// Validate resolves a token to its session, applying the renewal
	// policy. Any unusable token yields an error wrapping ErrInvalid.
	Validate(ctx context.Context, token string) (*Session, error)

	// Invalidate makes the session unusable immediately. Idempotent:
	// invalidating twice, or an unknown token, is not an error.
	Invalidate(ctx context.Context, token string) error

	// InvalidateAllForPrincipal revokes every live session of a principal.
	InvalidateAllForPrincipal(ctx context.Context, principalID ulid.ULID) error

	// ListByPrincipal returns the live sessions of a principal, newest first.
	ListByPrincipal(ctx context.Context, principalID ulid.ULID) ([]*Session, error)
}
