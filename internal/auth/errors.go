// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 InfoGrep Contributors

package auth

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrExists is returned when an insert collides with an existing record.
// Repositories translate the database unique violation into this sentinel.
var ErrExists = errors.New("already exists")
