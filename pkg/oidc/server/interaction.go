// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/oidcd/pkg/oidc/flow"
	"github.com/stacklok/oidcd/pkg/oidc/identity"
)

// LoginHandler handles POST /interaction/{id}/login. Credentials are
// forwarded to the injected identity source; on success the flow
// resumes and the user agent is redirected back to the client.
func (h *Handler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "id")

	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, protocolError{
			Error:            errInvalidRequest,
			ErrorDescription: "malformed form body",
		})
		return
	}
	creds := identity.Credentials{
		Username: r.PostFormValue("username"),
		Password: r.PostFormValue("password"),
	}

	redirect, err := h.machine.Authenticate(r.Context(), requestID, creds)
	if err != nil {
		h.interactionError(w, err)
		return
	}
	http.Redirect(w, r, redirect.URL, http.StatusFound)
}

// DenyHandler handles POST /interaction/{id}/deny. The flow terminates
// and the client receives an access_denied redirect.
func (h *Handler) DenyHandler(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "id")

	redirect, err := h.machine.Deny(r.Context(), requestID)
	if err != nil {
		h.interactionError(w, err)
		return
	}
	http.Redirect(w, r, redirect.URL, http.StatusFound)
}

func (*Handler) interactionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, identity.ErrAuthenticationFailed):
		writeJSON(w, http.StatusUnauthorized, protocolError{
			Error:            errAccessDenied,
			ErrorDescription: "invalid credentials",
		})
	case errors.Is(err, flow.ErrRequestNotFound):
		writeJSON(w, http.StatusNotFound, protocolError{
			Error:            errInvalidRequest,
			ErrorDescription: "unknown or completed authorization request",
		})
	case errors.Is(err, flow.ErrRequestExpired):
		writeJSON(w, http.StatusBadRequest, protocolError{
			Error:            errInvalidRequest,
			ErrorDescription: "the authorization request has expired",
		})
	default:
		writeJSON(w, http.StatusInternalServerError, protocolError{Error: errServerError})
	}
}
