// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 InfoGrep Contributors

package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infogrep/authd/internal/auth"
	"github.com/infogrep/authd/internal/httpapi"
	"github.com/infogrep/authd/internal/session"
)

// memPrincipalRepo is an in-memory PrincipalRepository for API tests.
type memPrincipalRepo struct {
	mu         sync.Mutex
	principals map[ulid.ULID]*auth.Principal
}

func newMemPrincipalRepo() *memPrincipalRepo {
	return &memPrincipalRepo{principals: make(map[ulid.ULID]*auth.Principal)}
}

func (r *memPrincipalRepo) Create(_ context.Context, p *auth.Principal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.principals {
		if existing.Mode == p.Mode && strings.EqualFold(existing.Username, p.Username) {
			return auth.ErrExists
		}
	}
	cp := *p
	r.principals[p.ID] = &cp
	return nil
}

func (r *memPrincipalRepo) GetByID(_ context.Context, id ulid.ULID) (*auth.Principal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.principals[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *memPrincipalRepo) GetByUsername(_ context.Context, username string, mode auth.Mode) (*auth.Principal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.principals {
		if p.Mode == mode && strings.EqualFold(p.Username, username) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (r *memPrincipalRepo) Update(_ context.Context, p *auth.Principal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.principals[p.ID]; !ok {
		return auth.ErrNotFound
	}
	cp := *p
	r.principals[p.ID] = &cp
	return nil
}

func (r *memPrincipalRepo) UpdatePassword(_ context.Context, id ulid.ULID, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.principals[id]
	if !ok {
		return auth.ErrNotFound
	}
	p.PasswordHash = hash
	return nil
}

func (r *memPrincipalRepo) Delete(_ context.Context, id ulid.ULID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.principals[id]; !ok {
		return auth.ErrNotFound
	}
	delete(r.principals, id)
	return nil
}

func (r *memPrincipalRepo) List(_ context.Context) ([]*auth.Principal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*auth.Principal, 0, len(r.principals))
	for _, p := range r.principals {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

// brokenRegistry simulates a session backend whose store is unreachable.
type brokenRegistry struct {
	session.Registry
}

func (brokenRegistry) Validate(context.Context, string) (*session.Session, error) {
	return nil, oops.Code("SESSION_VALIDATE_FAILED").Errorf("connection refused")
}

type apiResponse struct {
	Error   bool            `json:"error"`
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
	ID      string          `json:"id"`
	IsAdmin bool            `json:"is_admin"`
}

func newTestAPI(t *testing.T, mode auth.Mode) (*httptest.Server, *memPrincipalRepo) {
	t.Helper()

	repo := newMemPrincipalRepo()
	registry := session.NewMemoryRegistry(session.Policy{})
	t.Cleanup(registry.Close)

	gate, err := auth.NewGate(mode)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := auth.NewService(repo, registry, auth.NewArgon2idHasher(), gate, auth.WithLogger(logger))
	require.NoError(t, err)

	api := httpapi.NewServer(svc, httpapi.WithLogger(logger))
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return srv, repo
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, apiResponse) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var parsed apiResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	return resp, parsed
}

func tokenFromData(t *testing.T, data json.RawMessage) string {
	t.Helper()
	var token string
	require.NoError(t, json.Unmarshal(data, &token))
	require.NotEmpty(t, token)
	return token
}

func TestPasswordFlow(t *testing.T) {
	srv, _ := newTestAPI(t, auth.ModePassword)

	// Register alice.
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/register",
		map[string]string{"username": "alice", "password": "password123"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, body.Error)
	assert.Equal(t, httpapi.StatusUserRegistered, body.Status)
	tokenFromData(t, body.Data)

	// Log in.
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/login",
		map[string]string{"username": "alice", "password": "password123"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, httpapi.StatusSuccessfulAuth, body.Status)
	token := tokenFromData(t, body.Data)

	// Check the token.
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/check",
		map[string]string{"sessionToken": token})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, httpapi.StatusSessionOK, body.Status)
	assert.NotEmpty(t, body.ID)
	assert.False(t, body.IsAdmin)

	// Log out and verify the token is dead.
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/logout",
		map[string]string{"sessionToken": token})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, httpapi.StatusLoggedOut, body.Status)

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/check",
		map[string]string{"sessionToken": token})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.True(t, body.Error)
	assert.Equal(t, httpapi.StatusInvalidSession, body.Status)
}

func TestCheckBackendFailure(t *testing.T) {
	repo := newMemPrincipalRepo()
	registry := session.NewMemoryRegistry(session.Policy{})
	t.Cleanup(registry.Close)

	gate, err := auth.NewGate(auth.ModePassword)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := auth.NewService(repo, brokenRegistry{Registry: registry},
		auth.NewArgon2idHasher(), gate, auth.WithLogger(logger))
	require.NoError(t, err)

	srv := httptest.NewServer(httpapi.NewServer(svc, httpapi.WithLogger(logger)).Handler())
	t.Cleanup(srv.Close)

	// A store outage is a server-side failure, not a revoked session.
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/check",
		map[string]string{"sessionToken": "sometoken"})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.True(t, body.Error)
	assert.Equal(t, httpapi.StatusInternalError, body.Status)
}

func TestLoginFailures(t *testing.T) {
	srv, _ := newTestAPI(t, auth.ModePassword)

	_, _ = doJSON(t, http.MethodPost, srv.URL+"/register",
		map[string]string{"username": "alice", "password": "password123"})

	t.Run("wrong password", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodPost, srv.URL+"/login",
			map[string]string{"username": "alice", "password": "wrongpassword"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, httpapi.StatusInvalidCredentials, body.Status)
	})

	t.Run("unknown user gets the same answer", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodPost, srv.URL+"/login",
			map[string]string{"username": "nobody", "password": "password123"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, httpapi.StatusInvalidCredentials, body.Status)
	})

	t.Run("duplicate registration", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodPost, srv.URL+"/register",
			map[string]string{"username": "alice", "password": "password456"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, httpapi.StatusUserExists, body.Status)
	})

	t.Run("malformed body", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/login", "application/json", strings.NewReader("{not json"))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestWrongAuthMode(t *testing.T) {
	srv, _ := newTestAPI(t, auth.ModeOAuth)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/register",
		map[string]string{"username": "alice", "password": "password123"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, httpapi.StatusWrongAuthMode, body.Status)

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/login",
		map[string]string{"username": "alice", "password": "password123"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, httpapi.StatusWrongAuthMode, body.Status)

	// No provider configured, so the browser entry point fails the same way.
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/oauth_login", nil)
	require.NoError(t, err)
	httpResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer httpResp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, httpResp.StatusCode)
}

func TestPatchUser(t *testing.T) {
	srv, _ := newTestAPI(t, auth.ModePassword)

	_, body := doJSON(t, http.MethodPost, srv.URL+"/register",
		map[string]string{"username": "alice", "password": "password123"})
	token := tokenFromData(t, body.Data)

	resp, body := doJSON(t, http.MethodPatch, srv.URL+"/user?sessionToken="+token,
		map[string]string{"password": "newpassword456"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, httpapi.StatusUserUpdated, body.Status)

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/login",
		map[string]string{"username": "alice", "password": "newpassword456"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = doJSON(t, http.MethodPatch, srv.URL+"/user?sessionToken=bogus",
		map[string]string{"password": "whatever123"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, httpapi.StatusInvalidSession, body.Status)
}

func TestSessionsEndpoint(t *testing.T) {
	srv, _ := newTestAPI(t, auth.ModePassword)

	_, body := doJSON(t, http.MethodPost, srv.URL+"/register",
		map[string]string{"username": "alice", "password": "password123"})
	token := tokenFromData(t, body.Data)
	_, _ = doJSON(t, http.MethodPost, srv.URL+"/login",
		map[string]string{"username": "alice", "password": "password123"})

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/sessions?sessionToken="+token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sessions []map[string]any
	require.NoError(t, json.Unmarshal(body.Data, &sessions))
	assert.Len(t, sessions, 2)
}

func TestAdminEndpoints(t *testing.T) {
	srv, repo := newTestAPI(t, auth.ModePassword)
	ctx := context.Background()

	require.NoError(t, auth.EnsureAdmin(ctx, repo, auth.NewArgon2idHasher(), "adminsecret",
		slog.New(slog.NewTextHandler(io.Discard, nil))))

	_, body := doJSON(t, http.MethodPost, srv.URL+"/login",
		map[string]string{"username": "admin", "password": "adminsecret"})
	adminToken := tokenFromData(t, body.Data)

	_, body = doJSON(t, http.MethodPost, srv.URL+"/register",
		map[string]string{"username": "alice", "password": "password123"})
	aliceToken := tokenFromData(t, body.Data)

	alice, err := repo.GetByUsername(ctx, "alice", auth.ModePassword)
	require.NoError(t, err)

	t.Run("non-admin is rejected", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodGet, srv.URL+"/admin/users?sessionToken="+aliceToken, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, httpapi.StatusNotAdmin, body.Status)
	})

	t.Run("list users", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodGet, srv.URL+"/admin/users?sessionToken="+adminToken, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var users []map[string]any
		require.NoError(t, json.Unmarshal(body.Data, &users))
		assert.Len(t, users, 2)
	})

	t.Run("patch user", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodPatch, srv.URL+"/admin/user?sessionToken="+adminToken,
			map[string]string{"id": alice.ID.String(), "username": "alicia", "password": "resetpassword"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, httpapi.StatusUserUpdated, body.Status)

		resp, _ = doJSON(t, http.MethodPost, srv.URL+"/login",
			map[string]string{"username": "alicia", "password": "resetpassword"})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("delete user revokes sessions", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodDelete, srv.URL+"/admin/user?sessionToken="+adminToken,
			map[string]string{"id": alice.ID.String()})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, httpapi.StatusUserDeleted, body.Status)

		resp, _ = doJSON(t, http.MethodPost, srv.URL+"/check",
			map[string]string{"sessionToken": aliceToken})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestMiddleware(t *testing.T) {
	srv, _ := newTestAPI(t, auth.ModePassword)

	t.Run("cors preflight", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodOptions, srv.URL+"/login", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	})

	t.Run("trace headers echo back", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
		require.NoError(t, err)
		req.Header.Set("X-Request-Id", "req-42")
		req.Header.Set("Traceparent", "00-abc-def-01")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, "req-42", resp.Header.Get("X-Request-Id"))
		assert.Equal(t, "00-abc-def-01", resp.Header.Get("Traceparent"))
	})

	t.Run("health", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}
