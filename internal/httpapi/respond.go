// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 InfoGrep Contributors

package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/infogrep/authd/internal/session"
	"github.com/infogrep/authd/pkg/errutil"
)

// Status words of the wire protocol. Other services match on these.
const (
	StatusUserRegistered     = "USER_REGISTERED"
	StatusSuccessfulAuth     = "SUCCESSFUL_AUTHENTICATION"
	StatusSessionOK          = "SESSION_AUTHENTICATED"
	StatusInvalidSession     = "INVALID_SESSION"
	StatusInvalidCredentials = "INVALID_USERNAME_OR_PASSWORD"
	StatusUserExists         = "USER_ALREADY_EXISTS"
	StatusNotAdmin           = "NOT_ADMIN"
	StatusUserUpdated        = "USER_UPDATED"
	StatusUserDeleted        = "USER_DELETED"
	StatusLoggedOut          = "LOGGED_OUT"
	StatusWrongAuthMode      = "WRONG_AUTH_MODE"
	StatusInvalidRequest     = "INVALID_REQUEST"
	StatusInternalError      = "INTERNAL_ERROR"
)

// envelope is the uniform response shape.
type envelope struct {
	Error  bool   `json:"error"`
	Status string `json:"status,omitempty"`
	Data   any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	//nolint:errcheck // response write failure means the client went away
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, status string, data any) {
	writeJSON(w, http.StatusOK, envelope{Error: false, Status: status, Data: data})
}

func writeFail(w http.ResponseWriter, code int, status string) {
	writeJSON(w, code, envelope{Error: true, Status: status})
}

// writeError maps a service error to the wire protocol. Invalid sessions
// are a single outcome regardless of internal cause.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrInvalid) {
		writeFail(w, http.StatusUnauthorized, StatusInvalidSession)
		return
	}

	switch errutil.ErrorCode(err) {
	case "AUTH_WRONG_MODE":
		writeFail(w, http.StatusBadRequest, StatusWrongAuthMode)
	case "AUTH_INVALID_CREDENTIALS":
		writeFail(w, http.StatusBadRequest, StatusInvalidCredentials)
	case "AUTH_PRINCIPAL_EXISTS":
		writeFail(w, http.StatusBadRequest, StatusUserExists)
	case "AUTH_NOT_ADMIN":
		writeFail(w, http.StatusForbidden, StatusNotAdmin)
	case "AUTH_INVALID_USERNAME", "AUTH_PASSWORD_TOO_SHORT", "AUTH_EMPTY_PASSWORD", "AUTH_PRINCIPAL_NOT_FOUND", "AUTH_INVALID_ID":
		writeFail(w, http.StatusBadRequest, StatusInvalidRequest)
	default:
		errutil.LogError(s.logger, "request failed", err)
		writeFail(w, http.StatusInternalServerError, StatusInternalError)
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v) //nolint:wrapcheck // handler reports INVALID_REQUEST regardless of cause
}
