// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/oidcd/pkg/oidc/client"
	"github.com/stacklok/oidcd/pkg/oidc/keys"
)

func newTestPublisher(t *testing.T) (*Publisher, *client.Registry, *keys.Manager) {
	t.Helper()

	registry := client.NewRegistry()
	_, err := registry.Register(client.Config{
		ID:                      "spa_app",
		GrantTypes:              []client.GrantType{client.GrantTypeImplicit},
		ResponseTypes:           []client.ResponseType{client.ResponseTypeIDToken},
		RedirectURIs:            []string{"https://spa.example.com/cb"},
		TokenEndpointAuthMethod: client.AuthMethodNone,
		Scopes:                  []string{"openid"},
	})
	require.NoError(t, err)

	key, err := keys.GenerateSigningKey("ES256")
	require.NoError(t, err)
	km, err := keys.NewManager(time.Hour, key)
	require.NoError(t, err)

	return NewPublisher("https://op.example.com/", registry, km), registry, km
}

func TestDocument(t *testing.T) {
	t.Parallel()
	p, _, _ := newTestPublisher(t)

	doc := p.Document()
	assert.Equal(t, "https://op.example.com", doc.Issuer)
	assert.Equal(t, "https://op.example.com/authorize", doc.AuthorizationEndpoint)
	assert.Equal(t, "https://op.example.com/token", doc.TokenEndpoint)
	assert.Equal(t, "https://op.example.com/.well-known/jwks.json", doc.JWKSURI)
	assert.Equal(t, []string{"implicit"}, doc.GrantTypesSupported)
	assert.Equal(t, []string{"id_token"}, doc.ResponseTypesSupported)
	assert.Equal(t, []string{"openid"}, doc.ScopesSupported)
	assert.Equal(t, []string{"ES256"}, doc.IDTokenSigningAlgValuesSupported)
	assert.Equal(t, []string{"public"}, doc.SubjectTypesSupported)
	assert.Empty(t, doc.CodeChallengeMethodsSupported, "no code-flow client registered")
}

func TestDocumentIsCached(t *testing.T) {
	t.Parallel()
	p, _, _ := newTestPublisher(t)

	first := p.Document()
	second := p.Document()
	assert.Same(t, first, second)
}

func TestDocumentTracksRegistry(t *testing.T) {
	t.Parallel()
	p, registry, _ := newTestPublisher(t)

	doc := p.Document()
	assert.Equal(t, []string{"implicit"}, doc.GrantTypesSupported)

	_, err := registry.Register(client.Config{
		ID:                      "web_app",
		Secret:                  "s3cret",
		GrantTypes:              []client.GrantType{client.GrantTypeAuthorizationCode, client.GrantTypeRefreshToken},
		ResponseTypes:           []client.ResponseType{client.ResponseTypeCode},
		RedirectURIs:            []string{"https://webapp.example.com/cb"},
		TokenEndpointAuthMethod: client.AuthMethodSecretBasic,
	})
	require.NoError(t, err)

	doc = p.Document()
	assert.Equal(t, []string{"authorization_code", "implicit", "refresh_token"}, doc.GrantTypesSupported)
	assert.Equal(t, []string{"code", "id_token"}, doc.ResponseTypesSupported)
	assert.Equal(t, []string{"S256"}, doc.CodeChallengeMethodsSupported)
}

func TestDocumentTracksKeyRotation(t *testing.T) {
	t.Parallel()
	p, _, km := newTestPublisher(t)

	doc := p.Document()
	assert.Equal(t, []string{"ES256"}, doc.IDTokenSigningAlgValuesSupported)

	rsa, err := keys.GenerateSigningKey("RS256")
	require.NoError(t, err)
	require.NoError(t, km.Rotate(rsa))

	doc = p.Document()
	assert.ElementsMatch(t, []string{"ES256", "RS256"}, doc.IDTokenSigningAlgValuesSupported)
}
