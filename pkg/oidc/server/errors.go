// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/stacklok/oidcd/pkg/logger"
	"github.com/stacklok/oidcd/pkg/oidc/client"
	"github.com/stacklok/oidcd/pkg/oidc/flow"
	"github.com/stacklok/oidcd/pkg/oidc/token"
)

// RFC 6749 protocol error codes. Internal errors are always recovered
// into one of these; the internal taxonomy never reaches the wire.
const (
	errInvalidRequest       = "invalid_request"
	errInvalidClient        = "invalid_client"
	errInvalidGrant         = "invalid_grant"
	errUnauthorizedClient   = "unauthorized_client"
	errUnsupportedGrantType = "unsupported_grant_type"
	errAccessDenied         = "access_denied"
	errServerError          = "server_error"
)

// protocolError is the wire shape of every error response.
type protocolError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// tokenEndpointError maps an internal error to the token endpoint's
// protocol error code and HTTP status.
func tokenEndpointError(err error) (int, protocolError) {
	switch {
	case errors.Is(err, flow.ErrGrantNotAllowed):
		return http.StatusBadRequest, protocolError{
			Error:            errUnauthorizedClient,
			ErrorDescription: "the client is not authorized to use this grant type",
		}
	case errors.Is(err, token.ErrCodeExpired):
		return http.StatusBadRequest, protocolError{
			Error:            errInvalidGrant,
			ErrorDescription: "the authorization code has expired",
		}
	case errors.Is(err, token.ErrCodeAlreadyUsed):
		return http.StatusBadRequest, protocolError{
			Error:            errInvalidGrant,
			ErrorDescription: "the authorization code has already been used",
		}
	case errors.Is(err, token.ErrCodeNotFound):
		return http.StatusBadRequest, protocolError{
			Error:            errInvalidGrant,
			ErrorDescription: "the authorization code is invalid",
		}
	case errors.Is(err, flow.ErrRedirectURIMismatch):
		return http.StatusBadRequest, protocolError{
			Error:            errInvalidGrant,
			ErrorDescription: "redirect_uri does not match the authorization request",
		}
	case errors.Is(err, token.ErrRefreshTokenReused),
		errors.Is(err, token.ErrExpired),
		errors.Is(err, token.ErrSignatureInvalid),
		errors.Is(err, token.ErrAudienceMismatch):
		return http.StatusBadRequest, protocolError{
			Error:            errInvalidGrant,
			ErrorDescription: "the provided grant is invalid, expired, or revoked",
		}
	case errors.Is(err, flow.ErrInvalidRequest):
		return http.StatusBadRequest, protocolError{
			Error:            errInvalidRequest,
			ErrorDescription: "the request is missing a required parameter or is otherwise malformed",
		}
	case errors.Is(err, client.ErrClientNotFound):
		return http.StatusUnauthorized, protocolError{
			Error:            errInvalidClient,
			ErrorDescription: "client authentication failed",
		}
	default:
		return http.StatusInternalServerError, protocolError{
			Error: errServerError,
		}
	}
}

// authorizeEndpointError maps an internal error to the redirect-based
// error code used by the authorization endpoint.
func authorizeEndpointError(err error) protocolError {
	switch {
	case errors.Is(err, flow.ErrGrantNotAllowed):
		return protocolError{
			Error:            errUnauthorizedClient,
			ErrorDescription: "the client is not authorized for the requested response type",
		}
	case errors.Is(err, flow.ErrInvalidRequest):
		return protocolError{
			Error:            errInvalidRequest,
			ErrorDescription: "the request is missing a required parameter or is otherwise malformed",
		}
	default:
		return protocolError{Error: errServerError}
	}
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorw("failed to encode response", "error", err.Error())
	}
}

// writeProtocolError writes a JSON protocol error. A 401 carries the
// WWW-Authenticate challenge required by RFC 6749 section 5.2.
func writeProtocolError(w http.ResponseWriter, status int, pe protocolError) {
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
	}
	writeJSON(w, status, pe)
}
