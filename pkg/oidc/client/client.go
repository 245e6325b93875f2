// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package client provides the registry of OAuth/OIDC client applications.
//
// OpenID Connect uses a whitelist style system: every application must be
// registered before it can request tokens. The registry validates client
// configuration at registration time and answers the per-request questions
// the grant flows ask (is this redirect URI registered, is this grant
// allowed).
package client

import (
	"crypto/subtle"
	"slices"
)

// GrantType identifies an OAuth2/OIDC grant.
type GrantType string

// Supported grant types.
const (
	GrantTypeImplicit          GrantType = "implicit"
	GrantTypeAuthorizationCode GrantType = "authorization_code"
	GrantTypeRefreshToken      GrantType = "refresh_token"
)

// ResponseType identifies an authorization endpoint response type.
type ResponseType string

// Supported response types.
const (
	ResponseTypeCode    ResponseType = "code"
	ResponseTypeIDToken ResponseType = "id_token"
	ResponseTypeToken   ResponseType = "token"
)

// AuthMethod identifies a token endpoint client authentication method.
type AuthMethod string

// Supported token endpoint auth methods.
const (
	AuthMethodNone        AuthMethod = "none"
	AuthMethodSecretBasic AuthMethod = "client_secret_basic"
	AuthMethodSecretPost  AuthMethod = "client_secret_post"
)

// Config is the registration-time specification of a client.
type Config struct {
	// ID is the unique, stable identifier for this client.
	ID string `mapstructure:"id" yaml:"id"`

	// Secret is the client secret. Present iff the auth method is not "none".
	Secret string `mapstructure:"secret" yaml:"secret"`

	// GrantTypes is the set of grants the client may use. Must be non-empty.
	GrantTypes []GrantType `mapstructure:"grant_types" yaml:"grant_types"`

	// ResponseTypes is the set of authorization response types the client
	// may request.
	ResponseTypes []ResponseType `mapstructure:"response_types" yaml:"response_types"`

	// RedirectURIs is the set of absolute redirect URIs. Matching is
	// exact: no wildcards, no normalization.
	RedirectURIs []string `mapstructure:"redirect_uris" yaml:"redirect_uris"`

	// TokenEndpointAuthMethod is how the client authenticates to the
	// token endpoint. Implicit-only clients must use "none".
	TokenEndpointAuthMethod AuthMethod `mapstructure:"token_endpoint_auth_method" yaml:"token_endpoint_auth_method"`

	// Scopes the client may request. Empty means the provider defaults.
	Scopes []string `mapstructure:"scopes" yaml:"scopes"`
}

// Client is a validated, registered client application.
// Immutable after registration.
type Client struct {
	id            string
	secret        string
	grantTypes    []GrantType
	responseTypes []ResponseType
	redirectURIs  []string
	authMethod    AuthMethod
	scopes        []string
}

// ID returns the client identifier.
func (c *Client) ID() string { return c.id }

// GrantTypes returns the allowed grant types.
func (c *Client) GrantTypes() []GrantType { return slices.Clone(c.grantTypes) }

// ResponseTypes returns the allowed response types.
func (c *Client) ResponseTypes() []ResponseType { return slices.Clone(c.responseTypes) }

// RedirectURIs returns the registered redirect URIs.
func (c *Client) RedirectURIs() []string { return slices.Clone(c.redirectURIs) }

// AuthMethod returns the token endpoint authentication method.
func (c *Client) AuthMethod() AuthMethod { return c.authMethod }

// Scopes returns the scopes the client may request.
func (c *Client) Scopes() []string { return slices.Clone(c.scopes) }

// Public reports whether the client is a public client (no secret).
func (c *Client) Public() bool { return c.authMethod == AuthMethodNone }

// AllowsGrant reports whether the client may use the given grant type.
func (c *Client) AllowsGrant(grant GrantType) bool {
	return slices.Contains(c.grantTypes, grant)
}

// AllowsResponseType reports whether the client may request the given
// response type.
func (c *Client) AllowsResponseType(rt ResponseType) bool {
	return slices.Contains(c.responseTypes, rt)
}

// AllowsScope reports whether the client may request the given scope.
// A client with no configured scopes may request anything the provider
// supports.
func (c *Client) AllowsScope(scope string) bool {
	if len(c.scopes) == 0 {
		return true
	}
	return slices.Contains(c.scopes, scope)
}

// MatchRedirectURI reports whether uri exactly matches a registered
// redirect URI. No scheme/host/path/query normalization is applied:
// a trailing slash or extra query parameter is a different URI.
func (c *Client) MatchRedirectURI(uri string) bool {
	return slices.Contains(c.redirectURIs, uri)
}

// CheckSecret compares the presented secret in constant time.
// Always false for public clients.
func (c *Client) CheckSecret(presented string) bool {
	if c.secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(c.secret), []byte(presented)) == 1
}
