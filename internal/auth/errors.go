// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package auth

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by this package wraps exactly one of
// these, so callers can branch with errors.Is without inspecting codes.
var (
	// ErrInvalidInput is returned for missing, malformed or mismatched fields.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict is returned when a uniqueness constraint would be violated.
	ErrConflict = errors.New("conflict")

	// ErrUnauthorized is returned for bad credentials or unusable tokens.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")
)

// Refinements of the kinds above.
var (
	// ErrExpiredToken means the token signature is valid but its expiry has passed.
	ErrExpiredToken = fmt.Errorf("%w: token has expired", ErrUnauthorized)

	// ErrInvalidToken means the token failed structural, signature or purpose checks.
	ErrInvalidToken = fmt.Errorf("%w: invalid token", ErrUnauthorized)

	// ErrDuplicateEmail is returned by repositories when the email is taken.
	ErrDuplicateEmail = fmt.Errorf("%w: email already registered", ErrConflict)

	// ErrStaleHash is returned by ReplacePasswordHash when the stored hash
	// no longer matches the one the caller read.
	ErrStaleHash = fmt.Errorf("%w: password hash changed concurrently", ErrConflict)
)
