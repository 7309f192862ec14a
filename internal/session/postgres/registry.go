// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 InfoGrep Contributors

// Package postgres implements the durable session registry variant.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/infogrep/authd/internal/session"
)

const backend = "postgres"

// DB is the subset of pgxpool.Pool the registry uses. pgxmock satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Registry implements session.Registry on PostgreSQL.
//
// Expiry is evaluated lazily at validate time by comparing timestamps, so a
// logically expired record may remain physically present until DeleteExpired
// runs. Invalidation sets the logged_out flag rather than deleting, which
// keeps an audit trail of past sessions.
type Registry struct {
	db     DB
	policy session.Policy
	now    func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the registry's time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates a durable session registry.
func NewRegistry(db DB, policy session.Policy, opts ...Option) (*Registry, error) {
	if db == nil {
		return nil, oops.Code("SESSION_STORE_INVALID").Errorf("database handle is required")
	}
	r := &Registry{
		db:     db,
		policy: policy.Normalized(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Create issues a new session. The database unique key on token_hash backs
// the never-reuse-a-live-token guarantee.
func (r *Registry) Create(ctx context.Context, principalID ulid.ULID, admin bool, ipAddress string) (string, *session.Session, error) {
	token, hash, err := session.GenerateToken(r.policy.TokenBytes)
	if err != nil {
		return "", nil, err
	}

	now := r.now()
	sess, err := session.NewSession(principalID, admin, hash, ipAddress, now, now.Add(r.policy.TTL))
	if err != nil {
		return "", nil, err
	}

	if r.policy.MaxPerPrincipal > 0 {
		if err := r.evictOverCap(ctx, principalID, now); err != nil {
			return "", nil, err
		}
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO sessions (id, principal_id, admin, token_hash, ip_address, created_at, expires_at, last_seen_at, logged_out)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false)
	`,
		sess.ID.String(),
		sess.PrincipalID.String(),
		sess.Admin,
		sess.TokenHash,
		sess.IPAddress,
		sess.CreatedAt,
		sess.ExpiresAt,
		sess.LastSeenAt,
	)
	if err != nil {
		return "", nil, oops.Code("SESSION_CREATE_FAILED").
			With("operation", "insert session").
			With("principal_id", sess.PrincipalID.String()).
			Wrap(err)
	}

	session.RecordCreated(backend)
	return token, sess, nil
}

// Validate resolves a token, applying the lazy expiry check and the
// renewal policy. Logged-out, expired and unknown tokens are uniformly
// invalid to the caller.
func (r *Registry) Validate(ctx context.Context, token string) (*session.Session, error) {
	if token == "" {
		return nil, r.invalid(session.ResultNotFound)
	}
	hash := session.HashToken(token)
	now := r.now()

	row := r.db.QueryRow(ctx, `
		SELECT id, principal_id, admin, token_hash, ip_address, created_at, expires_at, last_seen_at, logged_out
		FROM sessions
		WHERE token_hash = $1
	`, hash)

	sess, loggedOut, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.invalid(session.ResultNotFound)
	}
	if err != nil {
		return nil, oops.Code("SESSION_VALIDATE_FAILED").
			With("operation", "get session by token hash").
			Wrap(err)
	}

	if loggedOut {
		return nil, r.invalid(session.ResultLoggedOut)
	}
	if sess.IsExpiredAt(now) {
		// Logically expired, physically present until the sweep runs.
		return nil, r.invalid(session.ResultExpired)
	}

	if r.policy.Sliding {
		sess.ExpiresAt = now.Add(r.policy.TTL)
		sess.LastSeenAt = now
		// Renewal must stick; failing it silently would hand the caller a
		// deadline the store doesn't have.
		if _, err := r.db.Exec(ctx, `
			UPDATE sessions SET expires_at = $2, last_seen_at = $3
			WHERE token_hash = $1
		`, hash, sess.ExpiresAt, sess.LastSeenAt); err != nil {
			return nil, oops.Code("SESSION_RENEW_FAILED").
				With("operation", "extend session deadline").
				Wrap(err)
		}
	} else {
		// Last-seen bookkeeping is best effort; validation succeeds regardless.
		_, _ = r.db.Exec(ctx, `
			UPDATE sessions SET last_seen_at = $2
			WHERE token_hash = $1
		`, hash, now) //nolint:errcheck
		sess.LastSeenAt = now
	}

	session.RecordValidation(backend, session.ResultValid)
	return sess, nil
}

// Invalidate marks the session logged out. Idempotent: zero rows affected
// is not an error.
func (r *Registry) Invalidate(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	hash := session.HashToken(token)

	tag, err := r.db.Exec(ctx, `
		UPDATE sessions SET logged_out = true
		WHERE token_hash = $1 AND NOT logged_out
	`, hash)
	if err != nil {
		return oops.Code("SESSION_INVALIDATE_FAILED").
			With("operation", "mark session logged out").
			Wrap(err)
	}
	if tag.RowsAffected() > 0 {
		session.RecordInvalidated(backend, session.CauseLogout)
	}
	return nil
}

// InvalidateAllForPrincipal revokes every live session of a principal.
func (r *Registry) InvalidateAllForPrincipal(ctx context.Context, principalID ulid.ULID) error {
	_, err := r.db.Exec(ctx, `
		UPDATE sessions SET logged_out = true
		WHERE principal_id = $1 AND NOT logged_out
	`, principalID.String())
	if err != nil {
		return oops.Code("SESSION_REVOKE_ALL_FAILED").
			With("operation", "mark principal sessions logged out").
			With("principal_id", principalID.String()).
			Wrap(err)
	}
	session.RecordInvalidated(backend, session.CauseRevoked)
	return nil
}

// ListByPrincipal returns the principal's live sessions, newest first.
func (r *Registry) ListByPrincipal(ctx context.Context, principalID ulid.ULID) ([]*session.Session, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, principal_id, admin, token_hash, ip_address, created_at, expires_at, last_seen_at, logged_out
		FROM sessions
		WHERE principal_id = $1 AND NOT logged_out AND expires_at > $2
		ORDER BY created_at DESC
	`, principalID.String(), r.now())
	if err != nil {
		return nil, oops.Code("SESSION_LIST_FAILED").
			With("operation", "list sessions by principal").
			With("principal_id", principalID.String()).
			Wrap(err)
	}
	defer rows.Close()

	var sessions []*session.Session
	for rows.Next() {
		sess, _, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("SESSION_ROWS_ERROR").
			With("operation", "iterate session rows").
			Wrap(err)
	}
	return sessions, nil
}

// DeleteExpired physically removes sessions whose deadline passed and
// returns the count. Run periodically by the server.
func (r *Registry) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM sessions WHERE expires_at < $1
	`, r.now())
	if err != nil {
		return 0, oops.Code("SESSION_SWEEP_FAILED").
			With("operation", "delete expired sessions").
			Wrap(err)
	}
	session.RecordSwept(backend, int(tag.RowsAffected()))
	return tag.RowsAffected(), nil
}

// evictOverCap marks the oldest live sessions logged out until the
// principal is one below the cap.
func (r *Registry) evictOverCap(ctx context.Context, principalID ulid.ULID, now time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE sessions SET logged_out = true
		WHERE id IN (
			SELECT id FROM sessions
			WHERE principal_id = $1 AND NOT logged_out AND expires_at > $2
			ORDER BY created_at DESC
			OFFSET $3
		)
	`, principalID.String(), now, r.policy.MaxPerPrincipal-1)
	if err != nil {
		return oops.Code("SESSION_EVICT_FAILED").
			With("operation", "evict sessions over cap").
			With("principal_id", principalID.String()).
			Wrap(err)
	}
	return nil
}

func (r *Registry) invalid(result string) error {
	session.RecordValidation(backend, result)
	return oops.Code("SESSION_INVALID").Wrap(session.ErrInvalid)
}

// scanSession scans a single row into a Session plus the logged_out flag.
func scanSession(row pgx.Row) (*session.Session, bool, error) {
	var (
		idStr       string
		principalID string
		admin       bool
		tokenHash   string
		ipAddress   string
		createdAt   time.Time
		expiresAt   time.Time
		lastSeenAt  time.Time
		loggedOut   bool
	)

	err := row.Scan(&idStr, &principalID, &admin, &tokenHash, &ipAddress, &createdAt, &expiresAt, &lastSeenAt, &loggedOut)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, err //nolint:wrapcheck // callers wrap with context-specific info
		}
		return nil, false, oops.Code("SESSION_SCAN_FAILED").
			With("operation", "scan session").
			Wrap(err)
	}

	return buildSession(idStr, principalID, admin, tokenHash, ipAddress, createdAt, expiresAt, lastSeenAt, loggedOut)
}

// scanSessionRow scans a row from a rows iterator.
func scanSessionRow(rows pgx.Rows) (*session.Session, bool, error) {
	var (
		idStr       string
		principalID string
		admin       bool
		tokenHash   string
		ipAddress   string
		createdAt   time.Time
		expiresAt   time.Time
		lastSeenAt  time.Time
		loggedOut   bool
	)

	if err := rows.Scan(&idStr, &principalID, &admin, &tokenHash, &ipAddress, &createdAt, &expiresAt, &lastSeenAt, &loggedOut); err != nil {
		return nil, false, oops.Code("SESSION_SCAN_FAILED").
			With("operation", "scan session row").
			Wrap(err)
	}

	return buildSession(idStr, principalID, admin, tokenHash, ipAddress, createdAt, expiresAt, lastSeenAt, loggedOut)
}

func buildSession(idStr, principalIDStr string, admin bool, tokenHash, ipAddress string, createdAt, expiresAt, lastSeenAt time.Time, loggedOut bool) (*session.Session, bool, error) {
	id, err := ulid.Parse(idStr)
	if err != nil {
		return nil, false, oops.Code("SESSION_INVALID_ID").
			With("operation", "parse session id").
			With("id", idStr).
			Wrap(err)
	}

	principalID, err := ulid.Parse(principalIDStr)
	if err != nil {
		return nil, false, oops.Code("SESSION_INVALID_PRINCIPAL_ID").
			With("operation", "parse principal id").
			With("principal_id", principalIDStr).
			Wrap(err)
	}

	return &session.Session{
		ID:          id,
		PrincipalID: principalID,
		Admin:       admin,
		TokenHash:   tokenHash,
		IPAddress:   ipAddress,
		CreatedAt:   createdAt,
		ExpiresAt:   expiresAt,
		LastSeenAt:  lastSeenAt,
	}, loggedOut, nil
}

// Compile-time interface check.
var _ session.Registry = (*Registry)(nil)
