// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/stacklok/oidcd/pkg/logger"
	"github.com/stacklok/oidcd/pkg/oidc/client"
	"github.com/stacklok/oidcd/pkg/oidc/identity"
	"github.com/stacklok/oidcd/pkg/oidc/token"
	"github.com/stacklok/oidcd/pkg/storage"
)

// Machine runs grant flow instances against the registry, token
// service, identity source, and session store.
type Machine struct {
	registry   *client.Registry
	tokens     *token.Service
	users      identity.Source
	store      storage.SessionStore
	requestTTL time.Duration

	// now is the clock, swappable in tests.
	now func() time.Time
}

// NewMachine creates a flow Machine. A zero requestTTL gets
// DefaultRequestTTL.
func NewMachine(registry *client.Registry, tokens *token.Service, users identity.Source,
	store storage.SessionStore, requestTTL time.Duration) *Machine {
	if requestTTL == 0 {
		requestTTL = DefaultRequestTTL
	}
	return &Machine{
		registry:   registry,
		tokens:     tokens,
		users:      users,
		store:      store,
		requestTTL: requestTTL,
		now:        time.Now,
	}
}

// Initiate validates an authorization request and suspends the flow
// awaiting user interaction. Validation order: client exists, redirect
// URI registered, response type supported and allowed, grant allowed,
// scopes allowed, flow-specific parameters (nonce, PKCE).
//
// Client-not-found and redirect mismatch must NOT be reported via
// redirect: the redirect target is untrusted at that point. Callers
// render those as a direct error page.
func (m *Machine) Initiate(ctx context.Context, p AuthorizeParams) (*AuthorizationRequest, error) {
	c, err := m.registry.Lookup(p.ClientID)
	if err != nil {
		return nil, err
	}

	if !m.registry.ValidateRedirectURI(c, p.RedirectURI) {
		return nil, fmt.Errorf("%w: %q is not registered for client %s",
			ErrRedirectURIMismatch, p.RedirectURI, c.ID())
	}

	responseTypes, flowType, err := parseResponseTypes(p.ResponseType)
	if err != nil {
		return nil, err
	}
	for _, rt := range responseTypes {
		if !c.AllowsResponseType(client.ResponseType(rt)) {
			return nil, fmt.Errorf("%w: response type %q", ErrGrantNotAllowed, rt)
		}
	}

	requiredGrant := client.GrantTypeImplicit
	if flowType == TypeAuthorizationCode {
		requiredGrant = client.GrantTypeAuthorizationCode
	}
	if !m.registry.ValidateGrant(c, requiredGrant) {
		return nil, fmt.Errorf("%w: grant type %q", ErrGrantNotAllowed, requiredGrant)
	}

	scopes := strings.Fields(p.Scope)
	for _, s := range scopes {
		if !c.AllowsScope(s) {
			return nil, fmt.Errorf("%w: scope %q is not allowed for client %s",
				ErrInvalidRequest, s, c.ID())
		}
	}

	if flowType == TypeImplicit && p.Nonce == "" &&
		slices.Contains(responseTypes, string(client.ResponseTypeIDToken)) {
		return nil, fmt.Errorf("%w: nonce is required for response type id_token", ErrInvalidRequest)
	}

	if flowType == TypeAuthorizationCode {
		if c.Public() && p.CodeChallenge == "" {
			return nil, fmt.Errorf("%w: code_challenge is required for public clients", ErrInvalidRequest)
		}
		if p.CodeChallenge != "" && p.CodeChallengeMethod != "S256" {
			return nil, fmt.Errorf("%w: code_challenge_method must be S256", ErrInvalidRequest)
		}
	}

	now := m.now()
	req := &AuthorizationRequest{
		ID:            uuid.NewString(),
		Flow:          flowType,
		State:         StateInitiated,
		ClientID:      c.ID(),
		RedirectURI:   p.RedirectURI,
		ResponseTypes: responseTypes,
		Scopes:        scopes,
		ClientState:   p.State,
		Nonce:         p.Nonce,
		PKCEChallenge: p.CodeChallenge,
		PKCEMethod:    p.CodeChallengeMethod,
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.requestTTL),
	}
	if err := req.transition(StateUserInteractionPending); err != nil {
		return nil, err
	}
	if err := m.saveRequest(ctx, req); err != nil {
		return nil, err
	}

	logger.Debugw("authorization flow initiated",
		"requestID", req.ID,
		"clientID", req.ClientID,
		"flow", req.Flow,
	)
	return req, nil
}

// Lookup loads a suspended flow by its interaction identifier.
func (m *Machine) Lookup(ctx context.Context, requestID string) (*AuthorizationRequest, error) {
	return m.loadRequest(ctx, requestID)
}

// Authenticate resumes a suspended flow with end-user credentials. On
// success the implicit flow completes immediately with tokens in the
// redirect fragment; the code flow moves to Authorized and redirects
// with a single-use code in the query string.
func (m *Machine) Authenticate(ctx context.Context, requestID string, creds identity.Credentials) (*Redirect, error) {
	req, err := m.loadRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	user, err := m.users.Authenticate(ctx, creds)
	if err != nil {
		return nil, err
	}

	c, err := m.registry.Lookup(req.ClientID)
	if err != nil {
		return nil, err
	}

	authTime := m.now()
	switch req.Flow {
	case TypeImplicit:
		if err := req.transition(StateCompleted); err != nil {
			return nil, err
		}
		return m.completeImplicit(ctx, req, c, user, authTime)
	case TypeAuthorizationCode:
		if err := req.transition(StateAuthorized); err != nil {
			return nil, err
		}
		return m.authorizeCode(ctx, req, user, authTime)
	default:
		return nil, fmt.Errorf("%w: unknown flow type %q", ErrInvalidRequest, req.Flow)
	}
}

// Deny terminates a suspended flow on user refusal and returns the
// access_denied redirect for the client.
func (m *Machine) Deny(ctx context.Context, requestID string) (*Redirect, error) {
	req, err := m.loadRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := req.transition(StateDenied); err != nil {
		return nil, err
	}
	m.discardRequest(ctx, req.ID)

	params := url.Values{}
	params.Set("error", "access_denied")
	params.Set("error_description", "the user denied the request")
	if req.ClientState != "" {
		params.Set("state", req.ClientState)
	}

	logger.Infow("authorization flow denied", "requestID", req.ID, "clientID", req.ClientID)
	return buildRedirect(req.RedirectURI, params, req.Flow == TypeImplicit)
}

// Tokens is a successful token endpoint response.
type Tokens struct {
	IDToken      string
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int64
	Scopes       []string
}

// Exchange redeems an authorization code for tokens, completing the
// code flow. The redirect URI must exactly match the one used at
// initiation; PKCE is verified when the code carries a challenge.
func (m *Machine) Exchange(ctx context.Context, c *client.Client, code, redirectURI, codeVerifier string) (*Tokens, error) {
	if !m.registry.ValidateGrant(c, client.GrantTypeAuthorizationCode) {
		return nil, fmt.Errorf("%w: authorization_code", ErrGrantNotAllowed)
	}

	grant, err := m.tokens.RedeemAuthorizationCode(ctx, code)
	if err != nil {
		return nil, err
	}

	// A code is only visible to the client it was issued to; report a
	// foreign client's code as unknown rather than confirming it exists.
	if grant.ClientID != c.ID() {
		return nil, token.ErrCodeNotFound
	}
	if grant.RedirectURI != redirectURI {
		return nil, fmt.Errorf("%w: redirect_uri does not match the authorization request",
			ErrRedirectURIMismatch)
	}
	if grant.PKCEChallenge != "" {
		if codeVerifier == "" {
			return nil, fmt.Errorf("%w: code_verifier is required", ErrInvalidRequest)
		}
		if oauth2.S256ChallengeFromVerifier(codeVerifier) != grant.PKCEChallenge {
			return nil, fmt.Errorf("%w: code_verifier does not match the challenge", ErrInvalidRequest)
		}
	}

	user := &identity.Identity{Subject: grant.Subject, Email: grant.Email, Name: grant.Name}

	out := &Tokens{
		TokenType: "Bearer",
		ExpiresIn: int64(m.tokens.Lifespans().AccessToken / time.Second),
		Scopes:    grant.Scopes,
	}
	if out.IDToken, err = m.tokens.IssueIDToken(user, c, grant.Nonce, grant.AuthTime); err != nil {
		return nil, err
	}
	if out.AccessToken, err = m.tokens.IssueAccessToken(user, c, grant.Scopes); err != nil {
		return nil, err
	}
	if c.AllowsGrant(client.GrantTypeRefreshToken) {
		if out.RefreshToken, err = m.tokens.IssueRefreshToken(ctx, user, c, grant.Scopes); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Refresh redeems a refresh token for a fresh access token and the next
// refresh token generation. Stateless with respect to the flow state
// machine; rotation and reuse detection live in the token service.
func (m *Machine) Refresh(ctx context.Context, c *client.Client, refreshToken string) (*Tokens, error) {
	if !m.registry.ValidateGrant(c, client.GrantTypeRefreshToken) {
		return nil, fmt.Errorf("%w: refresh_token", ErrGrantNotAllowed)
	}

	g, err := m.tokens.RedeemRefreshToken(ctx, refreshToken, c)
	if err != nil {
		return nil, err
	}

	user := &identity.Identity{Subject: g.Subject}
	access, err := m.tokens.IssueAccessToken(user, c, g.Scopes)
	if err != nil {
		return nil, err
	}
	return &Tokens{
		AccessToken:  access,
		RefreshToken: g.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(m.tokens.Lifespans().AccessToken / time.Second),
		Scopes:       g.Scopes,
	}, nil
}

func (m *Machine) completeImplicit(ctx context.Context, req *AuthorizationRequest,
	c *client.Client, user *identity.Identity, authTime time.Time) (*Redirect, error) {
	params := url.Values{}
	if req.wantsResponseType(client.ResponseTypeIDToken) {
		idToken, err := m.tokens.IssueIDToken(user, c, req.Nonce, authTime)
		if err != nil {
			return nil, err
		}
		params.Set("id_token", idToken)
	}
	if req.wantsResponseType(client.ResponseTypeToken) {
		access, err := m.tokens.IssueAccessToken(user, c, req.Scopes)
		if err != nil {
			return nil, err
		}
		params.Set("access_token", access)
		params.Set("token_type", "Bearer")
		params.Set("expires_in", strconv.FormatInt(int64(m.tokens.Lifespans().AccessToken/time.Second), 10))
	}
	if req.ClientState != "" {
		params.Set("state", req.ClientState)
	}

	m.discardRequest(ctx, req.ID)
	logger.Infow("implicit flow completed",
		"requestID", req.ID,
		"clientID", req.ClientID,
		"subject", user.Subject,
	)
	return buildRedirect(req.RedirectURI, params, true)
}

func (m *Machine) authorizeCode(ctx context.Context, req *AuthorizationRequest,
	user *identity.Identity, authTime time.Time) (*Redirect, error) {
	code, err := m.tokens.IssueAuthorizationCode(ctx, &token.CodeGrant{
		RequestID:     req.ID,
		ClientID:      req.ClientID,
		RedirectURI:   req.RedirectURI,
		Subject:       user.Subject,
		Email:         user.Email,
		Name:          user.Name,
		Scopes:        req.Scopes,
		Nonce:         req.Nonce,
		AuthTime:      authTime,
		PKCEChallenge: req.PKCEChallenge,
		PKCEMethod:    req.PKCEMethod,
	})
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("code", code)
	if req.ClientState != "" {
		params.Set("state", req.ClientState)
	}

	m.discardRequest(ctx, req.ID)
	logger.Infow("authorization code issued",
		"requestID", req.ID,
		"clientID", req.ClientID,
		"subject", user.Subject,
	)
	return buildRedirect(req.RedirectURI, params, false)
}

func (m *Machine) saveRequest(ctx context.Context, req *AuthorizationRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode authorization request: %w", err)
	}
	if err := m.store.Put(ctx, authRequestPrefix+req.ID, payload, m.requestTTL); err != nil {
		return fmt.Errorf("failed to store authorization request: %w", err)
	}
	return nil
}

// loadRequest fetches a suspended flow and enforces lazy expiry: a
// record past its TTL transitions to Expired and is reported as such
// even if the store has not reclaimed it yet.
func (m *Machine) loadRequest(ctx context.Context, requestID string) (*AuthorizationRequest, error) {
	payload, err := m.store.Get(ctx, authRequestPrefix+requestID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load authorization request: %w", err)
	}

	var req AuthorizationRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("failed to decode authorization request: %w", err)
	}

	if m.now().After(req.ExpiresAt) {
		req.State = StateExpired
		m.discardRequest(ctx, req.ID)
		return nil, fmt.Errorf("%w: %s", ErrRequestExpired, requestID)
	}
	return &req, nil
}

// discardRequest removes a flow record that reached a terminal state.
// Best effort: the TTL reclaims it regardless.
func (m *Machine) discardRequest(ctx context.Context, requestID string) {
	if err := m.store.Delete(ctx, authRequestPrefix+requestID); err != nil &&
		!errors.Is(err, storage.ErrNotFound) {
		logger.Warnw("failed to discard authorization request", "requestID", requestID, "error", err.Error())
	}
}
