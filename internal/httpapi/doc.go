// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

// Package httpapi exposes the authentication flows over HTTP.
//
// Error kinds from package auth map to statuses: invalid input 400,
// conflict 409, unauthorized and expired tokens 401, not found 404, and
// anything else 500. Every error body is {"error": message, "code": code},
// where the message is the client-safe text attached to the error.
package httpapi
