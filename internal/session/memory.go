// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 InfoGrep Contributors

package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const memoryBackend = "memory"

// MemoryRegistry is the ephemeral registry variant. Records live in a map
// keyed by token hash; a single background goroutine sweeps out expired
// records on a fixed interval. There are no per-token timers, so there is
// no timer-cancellation race to manage: a renewed deadline is just a field
// update under the lock, and the sweep re-reads deadlines under the same
// lock.
type MemoryRegistry struct {
	policy Policy
	now    func() time.Time

	mu          sync.RWMutex
	byHash      map[string]*Session
	byPrincipal map[ulid.ULID]map[string]struct{}

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// MemoryOption configures a MemoryRegistry.
type MemoryOption func(*MemoryRegistry)

// WithClock overrides the registry's time source. Used by tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(r *MemoryRegistry) {
		r.now = now
	}
}

// NewMemoryRegistry creates a registry and starts its expiry sweep.
// Callers must Close it to release the sweep goroutine.
func NewMemoryRegistry(policy Policy, opts ...MemoryOption) *MemoryRegistry {
	r := &MemoryRegistry{
		policy:      policy.Normalized(),
		now:         time.Now,
		byHash:      make(map[string]*Session),
		byPrincipal: make(map[ulid.ULID]map[string]struct{}),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	go r.sweepLoop()

	return r
}

// Create issues a new session, evicting the principal's oldest session
// when the per-principal cap is reached.
func (r *MemoryRegistry) Create(_ context.Context, principalID ulid.ULID, admin bool, ipAddress string) (string, *Session, error) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	var token, hash string
	var err error
	for {
		token, hash, err = GenerateToken(r.policy.TokenBytes)
		if err != nil {
			return "", nil, err
		}
		// Collision with a live token is cryptographically negligible;
		// the loop still guarantees it cannot happen.
		if _, exists := r.byHash[hash]; !exists {
			break
		}
	}

	sess, err := NewSession(principalID, admin, hash, ipAddress, now, now.Add(r.policy.TTL))
	if err != nil {
		return "", nil, err
	}

	if r.policy.MaxPerPrincipal > 0 {
		for len(r.byPrincipal[principalID]) >= r.policy.MaxPerPrincipal {
			r.evictOldestLocked(principalID)
		}
	}

	r.byHash[hash] = sess
	idx := r.byPrincipal[principalID]
	if idx == nil {
		idx = make(map[string]struct{})
		r.byPrincipal[principalID] = idx
	}
	idx[hash] = struct{}{}

	RecordCreated(memoryBackend)
	out := *sess
	return token, &out, nil
}

// Validate resolves a token. In sliding mode the deadline is extended by
// TTL from the validation time; in fixed mode validation is a read-only
// operation and concurrent validations of unrelated tokens never contend
// on writes.
func (r *MemoryRegistry) Validate(_ context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, invalidSession(memoryBackend, ResultNotFound)
	}
	hash := HashToken(token)
	now := r.now()

	if r.policy.Sliding {
		r.mu.Lock()
		defer r.mu.Unlock()

		sess, ok := r.byHash[hash]
		if !ok {
			return nil, invalidSession(memoryBackend, ResultNotFound)
		}
		if sess.IsExpiredAt(now) {
			return nil, invalidSession(memoryBackend, ResultExpired)
		}
		sess.ExpiresAt = now.Add(r.policy.TTL)
		sess.LastSeenAt = now

		RecordValidation(memoryBackend, ResultValid)
		out := *sess
		return &out, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.byHash[hash]
	if !ok {
		return nil, invalidSession(memoryBackend, ResultNotFound)
	}
	if sess.IsExpiredAt(now) {
		return nil, invalidSession(memoryBackend, ResultExpired)
	}

	RecordValidation(memoryBackend, ResultValid)
	out := *sess
	return &out, nil
}

// Invalidate removes the session. Unknown tokens are a no-op.
func (r *MemoryRegistry) Invalidate(_ context.Context, token string) error {
	if token == "" {
		return nil
	}
	hash := HashToken(token)

	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, ok := r.byHash[hash]; ok {
		r.removeLocked(hash, sess.PrincipalID)
		RecordInvalidated(memoryBackend, CauseLogout)
	}
	return nil
}

// InvalidateAllForPrincipal removes every session of a principal.
func (r *MemoryRegistry) InvalidateAllForPrincipal(_ context.Context, principalID ulid.ULID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for hash := range r.byPrincipal[principalID] {
		delete(r.byHash, hash)
		RecordInvalidated(memoryBackend, CauseRevoked)
	}
	delete(r.byPrincipal, principalID)
	return nil
}

// ListByPrincipal returns copies of the principal's live sessions, newest first.
func (r *MemoryRegistry) ListByPrincipal(_ context.Context, principalID ulid.ULID) ([]*Session, error) {
	now := r.now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	var sessions []*Session
	for hash := range r.byPrincipal[principalID] {
		sess, ok := r.byHash[hash]
		if !ok || sess.IsExpiredAt(now) {
			continue
		}
		out := *sess
		sessions = append(sessions, &out)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions, nil
}

// Sweep removes every expired record and returns the count. It runs on the
// background interval but may also be called directly.
func (r *MemoryRegistry) Sweep() int {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for hash, sess := range r.byHash {
		if sess.IsExpiredAt(now) {
			r.removeLocked(hash, sess.PrincipalID)
			removed++
		}
	}

	RecordSwept(memoryBackend, removed)
	return removed
}

// Len reports the number of resident records, expired or not.
func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byHash)
}

// Close stops the sweep goroutine. Safe to call more than once.
func (r *MemoryRegistry) Close() {
	r.closeOnce.Do(func() {
		close(r.stop)
		<-r.done
	})
}

func (r *MemoryRegistry) sweepLoop() {
	defer close(r.done)

	ticker := time.NewTicker(r.policy.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-r.stop:
			return
		}
	}
}

// evictOldestLocked removes the principal's oldest session. Caller holds mu.
func (r *MemoryRegistry) evictOldestLocked(principalID ulid.ULID) {
	var oldestHash string
	var oldest *Session
	for hash := range r.byPrincipal[principalID] {
		sess := r.byHash[hash]
		if sess == nil {
			continue
		}
		if oldest == nil || sess.CreatedAt.Before(oldest.CreatedAt) {
			oldest = sess
			oldestHash = hash
		}
	}
	if oldest == nil {
		delete(r.byPrincipal, principalID)
		return
	}
	r.removeLocked(oldestHash, principalID)
	RecordInvalidated(memoryBackend, CauseEvicted)
}

// removeLocked deletes a record from both indexes. Caller holds mu.
func (r *MemoryRegistry) removeLocked(hash string, principalID ulid.ULID) {
	delete(r.byHash, hash)
	if idx := r.byPrincipal[principalID]; idx != nil {
		delete(idx, hash)
		if len(idx) == 0 {
			delete(r.byPrincipal, principalID)
		}
	}
}

// Compile-time interface check.
var _ Registry = (*MemoryRegistry)(nil)
