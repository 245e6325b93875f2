// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/stacklok/oidcd/pkg/oidc/client"
)

// authRequestPrefix namespaces authorization request records in the
// session store.
const authRequestPrefix = "authreq:"

// DefaultRequestTTL bounds how long a flow may sit awaiting user
// interaction before it expires.
const DefaultRequestTTL = 10 * time.Minute

// AuthorizationRequest is the transient record of one flow instance,
// keyed by a server-generated opaque ID. It lives in the session store
// between the authorization request and the interaction step.
type AuthorizationRequest struct {
	ID    string `json:"id"`
	Flow  Type   `json:"flow"`
	State State  `json:"state"`

	ClientID      string   `json:"client_id"`
	RedirectURI   string   `json:"redirect_uri"`
	ResponseTypes []string `json:"response_types"`
	Scopes        []string `json:"scopes,omitempty"`

	// ClientState is the client's opaque state parameter, echoed back
	// verbatim on every redirect.
	ClientState string `json:"client_state,omitempty"`
	Nonce       string `json:"nonce,omitempty"`

	PKCEChallenge string `json:"pkce_challenge,omitempty"`
	PKCEMethod    string `json:"pkce_method,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// wantsResponseType reports whether the request asked for the given
// response type.
func (r *AuthorizationRequest) wantsResponseType(rt client.ResponseType) bool {
	return slices.Contains(r.ResponseTypes, string(rt))
}

// transition moves the request to next, enforcing the transition table.
func (r *AuthorizationRequest) transition(next State) error {
	if !r.State.CanTransition(next) {
		return fmt.Errorf("%w: illegal transition %s -> %s", ErrInvalidRequest, r.State, next)
	}
	r.State = next
	return nil
}

// AuthorizeParams are the query parameters of an authorization request.
type AuthorizeParams struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// parseResponseTypes splits the space-separated response_type value and
// classifies the flow. Supported values: "code" (authorization code
// flow) and any combination of "id_token" and "token" (implicit flow).
// Hybrid combinations mixing code with implicit types are not supported.
func parseResponseTypes(raw string) ([]string, Type, error) {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return nil, "", fmt.Errorf("%w: response_type is required", ErrInvalidRequest)
	}

	seen := make(map[string]bool, len(fields))
	hasCode := false
	for _, f := range fields {
		if seen[f] {
			return nil, "", fmt.Errorf("%w: duplicate response_type %q", ErrInvalidRequest, f)
		}
		seen[f] = true
		switch client.ResponseType(f) {
		case client.ResponseTypeCode:
			hasCode = true
		case client.ResponseTypeIDToken, client.ResponseTypeToken:
		default:
			return nil, "", fmt.Errorf("%w: unsupported response_type %q", ErrInvalidRequest, f)
		}
	}

	if hasCode {
		if len(fields) > 1 {
			return nil, "", fmt.Errorf("%w: hybrid response_type %q is not supported", ErrInvalidRequest, raw)
		}
		return fields, TypeAuthorizationCode, nil
	}
	return fields, TypeImplicit, nil
}

// Redirect is a browser redirect back to the client. Tokens travel in
// the URI fragment for implicit flows and in the query string for code
// flows and errors.
type Redirect struct {
	URL string
}

// buildRedirect appends params to base as a query string or fragment.
// base is a registered redirect URI, already validated as absolute and
// fragment-free.
func buildRedirect(base string, params url.Values, fragment bool) (*Redirect, error) {
	if fragment {
		return &Redirect{URL: base + "#" + params.Encode()}, nil
	}

	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("%w: redirect URI %q: %v", ErrInvalidRequest, base, err)
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return &Redirect{URL: u.String()}, nil
}
