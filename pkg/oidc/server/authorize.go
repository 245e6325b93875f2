// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/stacklok/oidcd/pkg/logger"
	"github.com/stacklok/oidcd/pkg/oidc/client"
	"github.com/stacklok/oidcd/pkg/oidc/flow"
)

// interactionResponse tells the user agent where to continue a
// suspended flow.
type interactionResponse struct {
	InteractionID string `json:"interaction_id"`
	LoginURL      string `json:"login_url"`
	DenyURL       string `json:"deny_url"`
	ExpiresAt     int64  `json:"expires_at"`
}

// AuthorizeHandler handles GET /authorize. A valid request suspends the
// flow and returns the interaction endpoints; the flow resumes via
// POST /interaction/{id}/login or /deny.
func (h *Handler) AuthorizeHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := flow.AuthorizeParams{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		Nonce:               q.Get("nonce"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}

	req, err := h.machine.Initiate(r.Context(), params)
	if err != nil {
		h.authorizeError(w, r, params, err)
		return
	}

	writeJSON(w, http.StatusOK, interactionResponse{
		InteractionID: req.ID,
		LoginURL:      fmt.Sprintf("%s/interaction/%s/login", h.issuer, req.ID),
		DenyURL:       fmt.Sprintf("%s/interaction/%s/deny", h.issuer, req.ID),
		ExpiresAt:     req.ExpiresAt.Unix(),
	})
}

// authorizeError reports an initiation failure. When the client or its
// redirect URI cannot be trusted the error is rendered directly; once
// both are validated the error is delivered by redirect per RFC 6749.
func (h *Handler) authorizeError(w http.ResponseWriter, r *http.Request, params flow.AuthorizeParams, err error) {
	if errors.Is(err, client.ErrClientNotFound) || errors.Is(err, flow.ErrRedirectURIMismatch) {
		logger.Infow("authorization request rejected",
			"clientID", params.ClientID,
			"error", err.Error(),
		)
		writeJSON(w, http.StatusBadRequest, protocolError{
			Error:            errInvalidRequest,
			ErrorDescription: "unknown client or unregistered redirect URI",
		})
		return
	}

	pe := authorizeEndpointError(err)
	values := url.Values{}
	values.Set("error", pe.Error)
	if pe.ErrorDescription != "" {
		values.Set("error_description", pe.ErrorDescription)
	}
	if params.State != "" {
		values.Set("state", params.State)
	}

	var location string
	if fragmentResponse(params.ResponseType) {
		location = params.RedirectURI + "#" + values.Encode()
	} else {
		sep := "?"
		if strings.Contains(params.RedirectURI, "?") {
			sep = "&"
		}
		location = params.RedirectURI + sep + values.Encode()
	}
	http.Redirect(w, r, location, http.StatusFound)
}

// fragmentResponse reports whether errors for the given response_type
// are delivered in the URI fragment (implicit) rather than the query.
func fragmentResponse(responseType string) bool {
	fields := strings.Fields(responseType)
	if slices.Contains(fields, string(client.ResponseTypeCode)) {
		return false
	}
	return slices.Contains(fields, string(client.ResponseTypeIDToken)) ||
		slices.Contains(fields, string(client.ResponseTypeToken))
}
