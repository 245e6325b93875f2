// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package discovery assembles the OIDC provider metadata document
// (OpenID Connect Discovery 1.0 / RFC 8414).
//
// The document is derived, not configured: supported grant and response
// types are the union of every registered client's capabilities, and the
// signing algorithms come from the key manager's active keys. The
// assembled document is cached and rebuilt whenever either source
// changes.
package discovery

import (
	"strings"
	"sync"

	"github.com/stacklok/oidcd/pkg/oidc/client"
	"github.com/stacklok/oidcd/pkg/oidc/keys"
)

// Well-known endpoint paths, fixed relative to the issuer.
const (
	DiscoveryPath     = "/.well-known/openid-configuration"
	JWKSPath          = "/.well-known/jwks.json"
	AuthorizePath     = "/authorize"
	TokenPath         = "/token"
	PKCEMethodS256    = "S256"
	SubjectTypePublic = "public"
)

// Document is the provider metadata document.
type Document struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
}

// Publisher builds and caches the metadata document.
type Publisher struct {
	issuer   string
	registry *client.Registry
	keys     *keys.Manager

	mu     sync.Mutex
	cached *Document

	// Source versions the cached document was built from.
	registryVersion uint64
	keysVersion     uint64
}

// NewPublisher creates a Publisher for the given issuer. The issuer is
// used verbatim as the base of the fixed endpoint paths; a trailing
// slash is stripped.
func NewPublisher(issuer string, registry *client.Registry, km *keys.Manager) *Publisher {
	return &Publisher{
		issuer:   strings.TrimSuffix(issuer, "/"),
		registry: registry,
		keys:     km,
	}
}

// Document returns the current metadata document, rebuilding it if the
// client registry or key set changed since the last build.
func (p *Publisher) Document() *Document {
	rv := p.registry.Version()
	kv := p.keys.Version()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil && p.registryVersion == rv && p.keysVersion == kv {
		return p.cached
	}

	p.cached = p.build()
	p.registryVersion = rv
	p.keysVersion = kv
	return p.cached
}

func (p *Publisher) build() *Document {
	caps := p.registry.Capabilities()

	doc := &Document{
		Issuer:                 p.issuer,
		AuthorizationEndpoint:  p.issuer + AuthorizePath,
		TokenEndpoint:          p.issuer + TokenPath,
		JWKSURI:                p.issuer + JWKSPath,
		ResponseTypesSupported: caps.ResponseTypes,
		GrantTypesSupported:    caps.GrantTypes,
		ScopesSupported:        caps.Scopes,
		SubjectTypesSupported:  []string{SubjectTypePublic},

		IDTokenSigningAlgValuesSupported: p.keys.SigningAlgorithms(),

		TokenEndpointAuthMethodsSupported: []string{
			string(client.AuthMethodNone),
			string(client.AuthMethodSecretBasic),
			string(client.AuthMethodSecretPost),
		},
	}

	// PKCE is only advertised when some client can run the code flow.
	for _, g := range doc.GrantTypesSupported {
		if g == string(client.GrantTypeAuthorizationCode) {
			doc.CodeChallengeMethodsSupported = []string{PKCEMethodS256}
			break
		}
	}
	return doc
}
