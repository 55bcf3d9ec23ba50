// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/samber/oops"

	"github.com/gatekeep/gatekeep/internal/auth"
	"github.com/gatekeep/gatekeep/pkg/errutil"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

const msgInternal = "internal server error"

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// MessageResponse acknowledges an operation without a result.
type MessageResponse struct {
	Message string `json:"message"`
}

// ResetResponse is returned by a successful password reset.
type ResetResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// StatusFor maps an error kind to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warn("failed to encode response", "status", status, "error", err)
	}
}

// writeError maps err to a status and writes an ErrorResponse. Server
// errors are logged with their code and context; the client gets a generic
// message and no code.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status := StatusFor(err)
	code := errutil.Code(err)

	if status == http.StatusInternalServerError {
		errutil.LogErrorContext(r.Context(), logger.With("path", r.URL.Path), "request failed", err)
		writeJSON(w, logger, status, ErrorResponse{Error: msgInternal})
		return
	}

	logger.DebugContext(r.Context(), "request rejected", "status", status, "code", code)
	msg := errutil.PublicMessage(err, strings.ToLower(http.StatusText(status)))
	writeJSON(w, logger, status, ErrorResponse{Error: msg, Code: code})
}

// decodeJSON reads a JSON request body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return oops.Code("REQUEST_BODY_EMPTY").
				Public("request body is required").
				Wrapf(auth.ErrInvalidInput, "request body is empty")
		}
		return oops.Code("REQUEST_BODY_INVALID").
			With("cause", err.Error()).
			Public("request body must be valid JSON").
			Wrapf(auth.ErrInvalidInput, "decode request body")
	}
	return nil
}
