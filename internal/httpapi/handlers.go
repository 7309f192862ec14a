// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 InfoGrep Contributors

package httpapi

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/infogrep/authd/internal/auth"
	"github.com/infogrep/authd/internal/oauth"
	"github.com/infogrep/authd/internal/session"
)

type credentialsParams struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenParams struct {
	SessionToken string `json:"sessionToken"`
}

type userPatchParams struct {
	Password string `json:"password"`
}

type adminUserPatchParams struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type adminUserDeleteParams struct {
	ID string `json:"id"`
}

type checkResponse struct {
	Error   bool   `json:"error"`
	Status  string `json:"status"`
	ID      string `json:"id,omitempty"`
	IsAdmin bool   `json:"is_admin"`
}

type sessionInfo struct {
	ID         string    `json:"id"`
	IPAddress  string    `json:"ip_address"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

type userInfo struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	IsAdmin   bool      `json:"is_admin"`
	OAuth     bool      `json:"oauth"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var params credentialsParams
	if err := decodeBody(r, &params); err != nil {
		writeFail(w, http.StatusBadRequest, StatusInvalidRequest)
		return
	}

	token, _, err := s.svc.Register(r.Context(), sessionToken(r), params.Username, params.Password, clientIP(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeOK(w, StatusUserRegistered, token)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var params credentialsParams
	if err := decodeBody(r, &params); err != nil {
		writeFail(w, http.StatusBadRequest, StatusInvalidRequest)
		return
	}

	token, _, err := s.svc.Login(r.Context(), params.Username, params.Password, clientIP(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeOK(w, StatusSuccessfulAuth, token)
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var params tokenParams
	if err := decodeBody(r, &params); err != nil {
		writeFail(w, http.StatusBadRequest, StatusInvalidRequest)
		return
	}

	sess, err := s.svc.Check(r.Context(), params.SessionToken)
	if err != nil {
		// A registry outage must not read as "session revoked" downstream.
		if !errors.Is(err, session.ErrInvalid) {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusUnauthorized, checkResponse{
			Error:  true,
			Status: StatusInvalidSession,
		})
		return
	}

	writeJSON(w, http.StatusOK, checkResponse{
		Error:   false,
		Status:  StatusSessionOK,
		ID:      sess.PrincipalID.String(),
		IsAdmin: sess.Admin,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var params tokenParams
	if err := decodeBody(r, &params); err != nil {
		writeFail(w, http.StatusBadRequest, StatusInvalidRequest)
		return
	}

	if err := s.svc.Logout(r.Context(), params.SessionToken); err != nil {
		s.writeError(w, err)
		return
	}

	writeOK(w, StatusLoggedOut, nil)
}

// OAuth flow cookies. Short-lived, HttpOnly; cleared by the callback.
const (
	stateCookie    = "authd_oauth_state"
	verifierCookie = "authd_pkce_verifier"
	flowCookieTTL  = 10 * time.Minute
)

func (s *Server) handleOAuthLogin(w http.ResponseWriter, r *http.Request) {
	if s.provider == nil {
		writeFail(w, http.StatusBadRequest, StatusWrongAuthMode)
		return
	}

	state, err := oauth.GenerateState()
	if err != nil {
		s.writeError(w, err)
		return
	}
	verifier, challenge, err := oauth.GeneratePKCE()
	if err != nil {
		s.writeError(w, err)
		return
	}

	setFlowCookie(w, r, stateCookie, state)
	setFlowCookie(w, r, verifierCookie, verifier)

	http.Redirect(w, r, s.provider.AuthCodeURL(state, challenge), http.StatusFound)
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if s.provider == nil {
		writeFail(w, http.StatusBadRequest, StatusWrongAuthMode)
		return
	}

	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	stateC, stateErr := r.Cookie(stateCookie)
	verifierC, verifierErr := r.Cookie(verifierCookie)
	if code == "" || stateErr != nil || verifierErr != nil || state == "" || state != stateC.Value {
		writeFail(w, http.StatusBadRequest, StatusInvalidRequest)
		return
	}

	clearFlowCookie(w, r, stateCookie)
	clearFlowCookie(w, r, verifierCookie)

	ident, err := s.provider.Exchange(r.Context(), code, verifierC.Value)
	if err != nil {
		s.writeError(w, err)
		return
	}

	token, _, err := s.svc.CompleteOAuth(r.Context(), ident, clientIP(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	http.Redirect(w, r, s.frontendLoginURI+"?token="+token, http.StatusFound)
}

func (s *Server) handleUserPatch(w http.ResponseWriter, r *http.Request) {
	var params userPatchParams
	if err := decodeBody(r, &params); err != nil {
		writeFail(w, http.StatusBadRequest, StatusInvalidRequest)
		return
	}

	if err := s.svc.ChangePassword(r.Context(), sessionToken(r), params.Password); err != nil {
		s.writeError(w, err)
		return
	}

	writeOK(w, StatusUserUpdated, nil)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.svc.Sessions(r.Context(), sessionToken(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	infos := make([]sessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sessionInfo{
			ID:         sess.ID.String(),
			IPAddress:  sess.IPAddress,
			CreatedAt:  sess.CreatedAt,
			ExpiresAt:  sess.ExpiresAt,
			LastSeenAt: sess.LastSeenAt,
		})
	}
	writeOK(w, "", infos)
}

func (s *Server) handleAdminUsers(w http.ResponseWriter, r *http.Request) {
	principals, err := s.svc.ListPrincipals(r.Context(), sessionToken(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	infos := make([]userInfo, 0, len(principals))
	for _, p := range principals {
		infos = append(infos, userInfo{
			ID:        p.ID.String(),
			Username:  p.Username,
			IsAdmin:   p.Admin,
			OAuth:     p.Mode == auth.ModeOAuth,
			CreatedAt: p.CreatedAt,
		})
	}
	writeOK(w, "", infos)
}

func (s *Server) handleAdminUserPatch(w http.ResponseWriter, r *http.Request) {
	var params adminUserPatchParams
	if err := decodeBody(r, &params); err != nil {
		writeFail(w, http.StatusBadRequest, StatusInvalidRequest)
		return
	}

	id, err := ulid.Parse(params.ID)
	if err != nil {
		writeFail(w, http.StatusBadRequest, StatusInvalidRequest)
		return
	}

	if err := s.svc.UpdatePrincipal(r.Context(), sessionToken(r), id, params.Username, params.Password); err != nil {
		s.writeError(w, err)
		return
	}

	writeOK(w, StatusUserUpdated, nil)
}

func (s *Server) handleAdminUserDelete(w http.ResponseWriter, r *http.Request) {
	var params adminUserDeleteParams
	if err := decodeBody(r, &params); err != nil {
		writeFail(w, http.StatusBadRequest, StatusInvalidRequest)
		return
	}

	id, err := ulid.Parse(params.ID)
	if err != nil {
		writeFail(w, http.StatusBadRequest, StatusInvalidRequest)
		return
	}

	if err := s.svc.DeletePrincipal(r.Context(), sessionToken(r), id); err != nil {
		s.writeError(w, err)
		return
	}

	writeOK(w, StatusUserDeleted, nil)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, "OK", nil)
}

// sessionToken reads the caller's token from the sessionToken query
// parameter.
func sessionToken(r *http.Request) string {
	return r.URL.Query().Get("sessionToken")
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the
// connection's remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func setFlowCookie(w http.ResponseWriter, r *http.Request, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(flowCookieTTL.Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearFlowCookie(w http.ResponseWriter, r *http.Request, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}
