// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/stacklok/oidcd/pkg/logger"
)

// ErrInvalidClientConfig is returned when a client registration fails
// validation. The wrapped message names the offending field.
var ErrInvalidClientConfig = errors.New("invalid client configuration")

// ErrClientNotFound is returned when a client ID is not registered.
var ErrClientNotFound = errors.New("client not found")

// Registry holds the whitelist of registered clients.
// Read-mostly after startup; registrations are serialized by a mutex.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client

	// version increments on every registration so dependents
	// (discovery) can cheaply detect change.
	version atomic.Uint64
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{clients: make(map[string]*Client)}
	r.version.Store(1)
	return r
}

// Register validates cfg and adds the client to the registry.
// Registration is all-or-nothing: any violation fails with
// ErrInvalidClientConfig naming the offending field, and the registry
// is left unchanged.
func (r *Registry) Register(cfg Config) (*Client, error) {
	c, err := validate(cfg)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.clients[c.id]; exists {
		return nil, fmt.Errorf("%w: id %q is already registered", ErrInvalidClientConfig, c.id)
	}
	r.clients[c.id] = c
	r.version.Add(1)

	logger.Infow("client registered",
		"clientID", c.id,
		"grantTypes", c.grantTypes,
		"authMethod", c.authMethod,
		"redirectURICount", len(c.redirectURIs),
	)
	return c, nil
}

// Lookup returns the client with the given ID, or ErrClientNotFound.
func (r *Registry) Lookup(clientID string) (*Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClientNotFound, clientID)
	}
	return c, nil
}

// ValidateRedirectURI reports whether uri exactly matches one of the
// client's registered redirect URIs.
func (*Registry) ValidateRedirectURI(c *Client, uri string) bool {
	return c.MatchRedirectURI(uri)
}

// ValidateGrant reports whether the client may use the given grant type.
func (*Registry) ValidateGrant(c *Client, grant GrantType) bool {
	return c.AllowsGrant(grant)
}

// Capabilities summarizes the union of all registered clients' grants,
// response types, and scopes. Discovery derives its supported-* lists
// from this.
type Capabilities struct {
	GrantTypes    []string
	ResponseTypes []string
	Scopes        []string
}

// Capabilities returns the sorted union of capabilities across all
// registered clients.
func (r *Registry) Capabilities() Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()

	grants := make(map[string]bool)
	responses := make(map[string]bool)
	scopes := make(map[string]bool)
	for _, c := range r.clients {
		for _, g := range c.grantTypes {
			grants[string(g)] = true
		}
		for _, rt := range c.responseTypes {
			responses[string(rt)] = true
		}
		for _, s := range c.scopes {
			scopes[s] = true
		}
	}

	return Capabilities{
		GrantTypes:    sortedKeys(grants),
		ResponseTypes: sortedKeys(responses),
		Scopes:        sortedKeys(scopes),
	}
}

// Version returns a counter that increments on every registration.
func (r *Registry) Version() uint64 {
	return r.version.Load()
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// validate checks cfg in the documented order and builds the immutable
// Client. Order: required fields, grant/response-type consistency,
// auth-method/grant compatibility, redirect URI shape.
func validate(cfg Config) (*Client, error) {
	// Required fields.
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidClientConfig)
	}
	if len(cfg.GrantTypes) == 0 {
		return nil, fmt.Errorf("%w: grant_types must be non-empty", ErrInvalidClientConfig)
	}
	if len(cfg.ResponseTypes) == 0 {
		return nil, fmt.Errorf("%w: response_types must be non-empty", ErrInvalidClientConfig)
	}
	if len(cfg.RedirectURIs) == 0 {
		return nil, fmt.Errorf("%w: at least one redirect_uri is required", ErrInvalidClientConfig)
	}

	authMethod := cfg.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = AuthMethodSecretBasic
	}
	switch authMethod {
	case AuthMethodNone, AuthMethodSecretBasic, AuthMethodSecretPost:
	default:
		return nil, fmt.Errorf("%w: unsupported token_endpoint_auth_method %q",
			ErrInvalidClientConfig, authMethod)
	}

	for _, g := range cfg.GrantTypes {
		switch g {
		case GrantTypeImplicit, GrantTypeAuthorizationCode, GrantTypeRefreshToken:
		default:
			return nil, fmt.Errorf("%w: unsupported grant type %q", ErrInvalidClientConfig, g)
		}
	}
	for _, rt := range cfg.ResponseTypes {
		switch rt {
		case ResponseTypeCode, ResponseTypeIDToken, ResponseTypeToken:
		default:
			return nil, fmt.Errorf("%w: unsupported response type %q", ErrInvalidClientConfig, rt)
		}
	}

	// Grant/response-type consistency.
	hasImplicit := slices.Contains(cfg.GrantTypes, GrantTypeImplicit)
	hasCode := slices.Contains(cfg.GrantTypes, GrantTypeAuthorizationCode)
	hasRefresh := slices.Contains(cfg.GrantTypes, GrantTypeRefreshToken)

	if hasImplicit && !slices.Contains(cfg.ResponseTypes, ResponseTypeIDToken) &&
		!slices.Contains(cfg.ResponseTypes, ResponseTypeToken) {
		return nil, fmt.Errorf("%w: response_types: implicit grant requires id_token or token",
			ErrInvalidClientConfig)
	}
	if hasCode && !slices.Contains(cfg.ResponseTypes, ResponseTypeCode) {
		return nil, fmt.Errorf("%w: response_types: authorization_code grant requires code",
			ErrInvalidClientConfig)
	}
	if slices.Contains(cfg.ResponseTypes, ResponseTypeCode) && !hasCode {
		return nil, fmt.Errorf("%w: grant_types: response type code requires authorization_code",
			ErrInvalidClientConfig)
	}
	if hasImplicit && !hasCode && slices.Contains(cfg.ResponseTypes, ResponseTypeCode) {
		return nil, fmt.Errorf("%w: response_types: implicit grant forbids code",
			ErrInvalidClientConfig)
	}
	if hasRefresh && !hasCode {
		return nil, fmt.Errorf("%w: grant_types: refresh_token requires authorization_code",
			ErrInvalidClientConfig)
	}

	// Auth-method/grant compatibility.
	if hasImplicit && authMethod != AuthMethodNone {
		return nil, fmt.Errorf("%w: token_endpoint_auth_method: implicit clients must use none",
			ErrInvalidClientConfig)
	}
	if authMethod == AuthMethodNone && cfg.Secret != "" {
		return nil, fmt.Errorf("%w: secret: must be empty when token_endpoint_auth_method is none",
			ErrInvalidClientConfig)
	}
	if authMethod != AuthMethodNone && cfg.Secret == "" {
		return nil, fmt.Errorf("%w: secret: required for token_endpoint_auth_method %s",
			ErrInvalidClientConfig, authMethod)
	}

	// Redirect URI shape.
	for _, raw := range cfg.RedirectURIs {
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return nil, fmt.Errorf("%w: redirect_uris: %q must be an absolute URI",
				ErrInvalidClientConfig, raw)
		}
		if u.Fragment != "" {
			return nil, fmt.Errorf("%w: redirect_uris: %q must not contain a fragment",
				ErrInvalidClientConfig, raw)
		}

		// Public clients on redirect-based code flows must use HTTPS or
		// a loopback address per RFC 8252; implicit clients must use
		// HTTPS outright since tokens travel in the fragment.
		if hasImplicit {
			if u.Scheme != "https" {
				return nil, fmt.Errorf("%w: redirect_uris: %q: implicit clients require https",
					ErrInvalidClientConfig, raw)
			}
		} else if authMethod == AuthMethodNone && u.Scheme != "https" && !isLoopbackHost(u.Hostname()) {
			return nil, fmt.Errorf("%w: redirect_uris: %q: public clients require https or loopback",
				ErrInvalidClientConfig, raw)
		}
	}

	return &Client{
		id:            cfg.ID,
		secret:        cfg.Secret,
		grantTypes:    slices.Clone(cfg.GrantTypes),
		responseTypes: slices.Clone(cfg.ResponseTypes),
		redirectURIs:  slices.Clone(cfg.RedirectURIs),
		authMethod:    authMethod,
		scopes:        slices.Clone(cfg.Scopes),
	}, nil
}
