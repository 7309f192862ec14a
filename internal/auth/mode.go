// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 InfoGrep Contributors

package auth

import "github.com/samber/oops"

// Mode identifies the credential-issuance mechanism a running instance uses.
// Exactly one mode is active per process; it is fixed at construction time
// and never read from the environment at call time.
type Mode string

// Supported authentication modes.
const (
	ModePassword Mode = "password"
	ModeOAuth    Mode = "oauth"
)

// ParseMode validates a configured mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModePassword, ModeOAuth:
		return Mode(s), nil
	default:
		return "", oops.Code("CONFIG_INVALID").
			With("mode", s).
			Errorf("auth mode must be %q or %q", ModePassword, ModeOAuth)
	}
}

// Gate enforces that calls into the inactive authentication mode fail.
// Token validation and logout are mode-agnostic and never consult the gate.
type Gate struct {
	mode Mode
}

// NewGate creates a Gate for the configured mode.
func NewGate(mode Mode) (*Gate, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}
	return &Gate{mode: mode}, nil
}

// Active returns the mode this process runs in.
func (g *Gate) Active() Mode {
	return g.mode
}

// Require returns an error when the requested mode is not the active one.
func (g *Gate) Require(mode Mode) error {
	if g.mode != mode {
		return oops.Code("AUTH_WRONG_MODE").
			With("active", string(g.mode)).
			With("requested", string(mode)).
			Errorf("authentication mode %s is not active", mode)
	}
	return nil
}
