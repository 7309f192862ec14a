// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 InfoGrep Contributors

// Package postgres implements principal persistence on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/infogrep/authd/internal/auth"
)

// DB is the subset of pgxpool.Pool the repository uses. pgxmock satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PrincipalRepository implements auth.PrincipalRepository on PostgreSQL.
// The unique index on (auth_mode, lower(username)) backs the per-mode
// username uniqueness guarantee.
type PrincipalRepository struct {
	db DB
}

// NewPrincipalRepository creates a PostgreSQL-backed principal repository.
func NewPrincipalRepository(db DB) *PrincipalRepository {
	return &PrincipalRepository{db: db}
}

// Create stores a new principal.
func (r *PrincipalRepository) Create(ctx context.Context, principal *auth.Principal) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO principals (id, username, password_hash, admin, auth_mode, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		principal.ID.String(),
		principal.Username,
		principal.PasswordHash,
		principal.Admin,
		string(principal.Mode),
		principal.CreatedAt,
		principal.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return oops.Code("AUTH_PRINCIPAL_EXISTS").
				With("username", principal.Username).
				Wrap(auth.ErrExists)
		}
		return oops.Code("DB_INSERT_FAILED").
			With("operation", "insert principal").
			Wrap(err)
	}
	return nil
}

// GetByID retrieves a principal by ID.
func (r *PrincipalRepository) GetByID(ctx context.Context, id ulid.ULID) (*auth.Principal, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, username, password_hash, admin, auth_mode, created_at, updated_at
		FROM principals
		WHERE id = $1
	`, id.String())

	principal, err := scanPrincipal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("AUTH_PRINCIPAL_NOT_FOUND").
			With("id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("DB_QUERY_FAILED").
			With("operation", "get principal by id").
			Wrap(err)
	}
	return principal, nil
}

// GetByUsername retrieves a principal by username within a mode,
// case-insensitively.
func (r *PrincipalRepository) GetByUsername(ctx context.Context, username string, mode auth.Mode) (*auth.Principal, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, username, password_hash, admin, auth_mode, created_at, updated_at
		FROM principals
		WHERE lower(username) = lower($1) AND auth_mode = $2
	`, username, string(mode))

	principal, err := scanPrincipal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("AUTH_PRINCIPAL_NOT_FOUND").
			With("username", username).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("DB_QUERY_FAILED").
			With("operation", "get principal by username").
			Wrap(err)
	}
	return principal, nil
}

// Update rewrites a principal's mutable fields.
func (r *PrincipalRepository) Update(ctx context.Context, principal *auth.Principal) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE principals
		SET username = $2, password_hash = $3, admin = $4, updated_at = now()
		WHERE id = $1
	`,
		principal.ID.String(),
		principal.Username,
		principal.PasswordHash,
		principal.Admin,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return oops.Code("AUTH_PRINCIPAL_EXISTS").
				With("username", principal.Username).
				Wrap(auth.ErrExists)
		}
		return oops.Code("DB_UPDATE_FAILED").
			With("operation", "update principal").
			Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return oops.Code("AUTH_PRINCIPAL_NOT_FOUND").
			With("id", principal.ID.String()).
			Wrap(auth.ErrNotFound)
	}
	return nil
}

// UpdatePassword replaces only the credential hash.
func (r *PrincipalRepository) UpdatePassword(ctx context.Context, id ulid.ULID, passwordHash string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE principals
		SET password_hash = $2, updated_at = now()
		WHERE id = $1
	`, id.String(), passwordHash)
	if err != nil {
		return oops.Code("DB_UPDATE_FAILED").
			With("operation", "update principal password").
			Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return oops.Code("AUTH_PRINCIPAL_NOT_FOUND").
			With("id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	return nil
}

// Delete removes a principal.
func (r *PrincipalRepository) Delete(ctx context.Context, id ulid.ULID) error {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM principals WHERE id = $1
	`, id.String())
	if err != nil {
		return oops.Code("DB_DELETE_FAILED").
			With("operation", "delete principal").
			Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return oops.Code("AUTH_PRINCIPAL_NOT_FOUND").
			With("id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	return nil
}

// List returns all principals ordered by creation time.
func (r *PrincipalRepository) List(ctx context.Context) ([]*auth.Principal, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, username, password_hash, admin, auth_mode, created_at, updated_at
		FROM principals
		ORDER BY created_at
	`)
	if err != nil {
		return nil, oops.Code("DB_QUERY_FAILED").
			With("operation", "list principals").
			Wrap(err)
	}
	defer rows.Close()

	var principals []*auth.Principal
	for rows.Next() {
		principal, err := scanPrincipalRow(rows)
		if err != nil {
			return nil, err
		}
		principals = append(principals, principal)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("DB_ROWS_ERROR").
			With("operation", "iterate principal rows").
			Wrap(err)
	}
	return principals, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

func scanPrincipal(row pgx.Row) (*auth.Principal, error) {
	var (
		idStr        string
		username     string
		passwordHash string
		admin        bool
		modeStr      string
		createdAt    time.Time
		updatedAt    time.Time
	)

	err := row.Scan(&idStr, &username, &passwordHash, &admin, &modeStr, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err //nolint:wrapcheck // callers wrap with context-specific info
		}
		return nil, oops.Code("DB_SCAN_FAILED").
			With("operation", "scan principal").
			Wrap(err)
	}

	return buildPrincipal(idStr, username, passwordHash, admin, modeStr, createdAt, updatedAt)
}

func scanPrincipalRow(rows pgx.Rows) (*auth.Principal, error) {
	var (
		idStr        string
		username     string
		passwordHash string
		admin        bool
		modeStr      string
		createdAt    time.Time
		updatedAt    time.Time
	)

	if err := rows.Scan(&idStr, &username, &passwordHash, &admin, &modeStr, &createdAt, &updatedAt); err != nil {
		return nil, oops.Code("DB_SCAN_FAILED").
			With("operation", "scan principal row").
			Wrap(err)
	}

	return buildPrincipal(idStr, username, passwordHash, admin, modeStr, createdAt, updatedAt)
}

func buildPrincipal(idStr, username, passwordHash string, admin bool, modeStr string, createdAt, updatedAt time.Time) (*auth.Principal, error) {
	id, err := ulid.Parse(idStr)
	if err != nil {
		return nil, oops.Code("AUTH_INVALID_ID").
			With("operation", "parse principal id").
			With("id", idStr).
			Wrap(err)
	}

	mode, err := auth.ParseMode(modeStr)
	if err != nil {
		return nil, err
	}

	return &auth.Principal{
		ID:           id,
		Username:     username,
		PasswordHash: passwordHash,
		Admin:        admin,
		Mode:         mode,
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
	}, nil
}

// Compile-time interface check.
var _ auth.PrincipalRepository = (*PrincipalRepository)(nil)
