// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/stacklok/oidcd/pkg/logger"
	"github.com/stacklok/oidcd/pkg/oidc/client"
	"github.com/stacklok/oidcd/pkg/oidc/flow"
)

// errClientAuthentication marks a failed client credential check. Only
// ever surfaced as invalid_client; the cause stays server-side.
var errClientAuthentication = errors.New("client authentication failed")

// tokenResponse is the wire shape of a successful token request.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	IDToken      string `json:"id_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// TokenHandler handles POST /token for the authorization_code and
// refresh_token grants. Clients registered for the implicit grant are
// rejected outright: their tokens are only ever delivered in the
// authorization redirect fragment.
func (h *Handler) TokenHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeProtocolError(w, http.StatusBadRequest, protocolError{
			Error:            errInvalidRequest,
			ErrorDescription: "malformed form body",
		})
		return
	}

	c, err := h.authenticateClient(r)
	if err != nil {
		writeProtocolError(w, http.StatusUnauthorized, protocolError{
			Error:            errInvalidClient,
			ErrorDescription: "client authentication failed",
		})
		return
	}

	if c.AllowsGrant(client.GrantTypeImplicit) {
		writeProtocolError(w, http.StatusBadRequest, protocolError{
			Error:            errUnauthorizedClient,
			ErrorDescription: "implicit clients cannot use the token endpoint",
		})
		return
	}

	var out *flow.Tokens
	switch grantType := r.PostFormValue("grant_type"); grantType {
	case string(client.GrantTypeAuthorizationCode):
		out, err = h.machine.Exchange(r.Context(), c,
			r.PostFormValue("code"),
			r.PostFormValue("redirect_uri"),
			r.PostFormValue("code_verifier"),
		)
	case string(client.GrantTypeRefreshToken):
		out, err = h.machine.Refresh(r.Context(), c, r.PostFormValue("refresh_token"))
	default:
		writeProtocolError(w, http.StatusBadRequest, protocolError{
			Error:            errUnsupportedGrantType,
			ErrorDescription: "unsupported grant_type",
		})
		return
	}
	if err != nil {
		status, pe := tokenEndpointError(err)
		if status == http.StatusInternalServerError {
			logger.Errorw("token request failed",
				"clientID", c.ID(),
				"error", err.Error(),
			)
		}
		writeProtocolError(w, status, pe)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  out.AccessToken,
		TokenType:    out.TokenType,
		ExpiresIn:    out.ExpiresIn,
		IDToken:      out.IDToken,
		RefreshToken: out.RefreshToken,
		Scope:        strings.Join(out.Scopes, " "),
	})
}

// authenticateClient identifies and authenticates the client per its
// registered token endpoint auth method.
func (h *Handler) authenticateClient(r *http.Request) (*client.Client, error) {
	basicID, basicSecret, hasBasic := r.BasicAuth()

	clientID := basicID
	if clientID == "" {
		clientID = r.PostFormValue("client_id")
	}
	if clientID == "" {
		return nil, errClientAuthentication
	}

	c, err := h.registry.Lookup(clientID)
	if err != nil {
		return nil, errClientAuthentication
	}

	switch c.AuthMethod() {
	case client.AuthMethodNone:
		return c, nil
	case client.AuthMethodSecretBasic:
		if !hasBasic || !c.CheckSecret(basicSecret) {
			return nil, errClientAuthentication
		}
		return c, nil
	case client.AuthMethodSecretPost:
		if !c.CheckSecret(r.PostFormValue("client_secret")) {
			return nil, errClientAuthentication
		}
		return c, nil
	default:
		return nil, errClientAuthentication
	}
}
