// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

// Package auth provides the authentication core for Gatekeep.
//
// # Domain Types
//
// A User is created with NewUser, which normalizes and validates the email
// and optional username. Callers only ever see a PublicUser, which carries no
// password hash.
//
// # Primitives
//
//   - PasswordHasher / Argon2idHasher - salted argon2id hashing in PHC format
//   - TokenService - signed, expiring tokens for the access, refresh and
//     reset purposes
//
// # Service
//
// Service coordinates the flows: Register, Login, Refresh, ReadCurrentUser,
// ChangePassword, ForgotPassword and ResetPassword. It depends on a
// UserRepository for storage and a Notifier for delivering reset links.
//
// Every error returned by the package is an oops error wrapping one of
// ErrInvalidInput, ErrConflict, ErrUnauthorized or ErrNotFound.
package auth
