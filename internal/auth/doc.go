// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 InfoGrep Contributors

// Package auth provides identity and credential primitives for the
// InfoGrep authentication service.
//
// # Domain Types
//
// Principal is the durable identity record. Create one with NewPrincipal,
// which validates the username; direct struct initialization bypasses
// validation and may create invalid state. Repository implementations
// receive pre-validated values from the constructor.
//
// # Services
//
// Service coordinates the credential and session lifecycle: registration,
// password and OAuth login, token checks, logout, password changes and the
// admin operations. Exactly one authentication mode (password or OAuth) is
// active per process; the Gate rejects calls into the inactive mode.
package auth
