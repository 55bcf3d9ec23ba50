// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package httpapi

import (
	"net/http"
	"strings"

	"github.com/samber/oops"

	"github.com/gatekeep/gatekeep/internal/auth"
)

// CredentialExtractor pulls the raw access token out of a request.
type CredentialExtractor interface {
	Extract(r *http.Request) (string, error)
}

// BearerExtractor reads "Authorization: Bearer <token>".
type BearerExtractor struct{}

// Extract returns the bearer token. The scheme is matched case-insensitively.
func (BearerExtractor) Extract(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", oops.Code("AUTH_CREDENTIALS_MISSING").
			Public("not authenticated").
			Wrapf(auth.ErrUnauthorized, "authorization header is missing")
	}

	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", oops.Code("AUTH_CREDENTIALS_INVALID").
			Public("invalid authentication scheme").
			Wrapf(auth.ErrUnauthorized, "authorization scheme must be Bearer")
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return "", oops.Code("AUTH_CREDENTIALS_INVALID").
			Public("invalid authentication credentials").
			Wrapf(auth.ErrUnauthorized, "bearer token is empty")
	}
	return token, nil
}
