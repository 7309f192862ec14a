// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 InfoGrep Contributors

// Package session implements the session registry: issuance, expiry,
// renewal and invalidation of opaque session tokens.
package session

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Token configuration defaults.
const (
	// DefaultTokenBytes is the token entropy width: 32 bytes = 256 bits,
	// hex-encoded to 64 characters on the wire.
	DefaultTokenBytes = 32

	// DefaultTTL matches the expiry window of the durable deployment.
	DefaultTTL = 48 * time.Hour
)

// Session is an ephemeral authorization grant. The admin flag is a
// snapshot taken at creation time: changing a principal's admin flag never
// retroactively changes sessions already issued. The registry stores only
// the SHA-256 hash of the token; the plaintext goes to the client once.
type Session struct {
	ID          ulid.ULID
	PrincipalID ulid.ULID
	Admin       bool
	TokenHash   string
	IPAddress   string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	LastSeenAt  time.Time
}

// NewSession creates a validated Session record.
func NewSession(principalID ulid.ULID, admin bool, tokenHash, ipAddress string, now, expiresAt time.Time) (*Session, error) {
	if principalID.Compare(ulid.ULID{}) == 0 {
		return nil, oops.Code("SESSION_INVALID_PRINCIPAL").Errorf("principal ID cannot be zero")
	}
	if tokenHash == "" {
		return nil, oops.Code("SESSION_INVALID_HASH").Errorf("token hash cannot be empty")
	}
	if !expiresAt.After(now) {
		return nil, oops.Code("SESSION_INVALID_EXPIRY").Errorf("expiry must be in the future")
	}

	return &Session{
		ID:          ulid.Make(),
		PrincipalID: principalID,
		Admin:       admin,
		TokenHash:   tokenHash,
		IPAddress:   ipAddress,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
		LastSeenAt:  now,
	}, nil
}

// IsExpiredAt returns true if the session would be expired at the given time.
func (s *Session) IsExpiredAt(t time.Time) bool {
	return t.After(s.ExpiresAt)
}

// GenerateToken creates a secure random token and its hash.
// Returns (plaintext_token, sha256_hash, error). tokenBytes <= 0 falls
// back to DefaultTokenBytes.
func GenerateToken(tokenBytes int) (token, hash string, err error) {
	if tokenBytes <= 0 {
		tokenBytes = DefaultTokenBytes
	}
	raw := make([]byte, tokenBytes)
	if _, err = rand.Read(raw); err != nil {
		return "", "", oops.Code("SESSION_TOKEN_GENERATE_FAILED").
			With("operation", "crypto/rand.Read").
			With("requested_bytes", tokenBytes).
			Wrap(err)
	}

	token = hex.EncodeToString(raw)
	hash = HashToken(token)

	return token, hash, nil
}

// HashToken computes the SHA-256 hash of a session token. Only the hash is
// ever stored, so a leaked registry dump cannot be replayed as tokens.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// VerifyToken checks if the plaintext token matches the stored hash using
// a constant-time comparison.
func VerifyToken(token, hash string) (bool, error) {
	if token == "" {
		return false, oops.Code("SESSION_TOKEN_EMPTY").Errorf("session token cannot be empty")
	}
	if hash == "" {
		return false, oops.Code("SESSION_HASH_EMPTY").Errorf("stored hash cannot be empty")
	}
	computed := HashToken(token)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) == 1, nil
}
