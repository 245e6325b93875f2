// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/oidcd/pkg/oidc/client"
	"github.com/stacklok/oidcd/pkg/oidc/discovery"
	"github.com/stacklok/oidcd/pkg/oidc/flow"
	"github.com/stacklok/oidcd/pkg/oidc/identity"
	"github.com/stacklok/oidcd/pkg/oidc/keys"
	"github.com/stacklok/oidcd/pkg/oidc/token"
	"github.com/stacklok/oidcd/pkg/storage"
)

const testIssuer = "https://op.example.com"

type testServer struct {
	handler  http.Handler
	registry *client.Registry
}

func newTestServer(t *testing.T, lifespans token.Lifespans) *testServer {
	t.Helper()

	registry := client.NewRegistry()
	_, err := registry.Register(client.Config{
		ID:                      "C1",
		GrantTypes:              []client.GrantType{client.GrantTypeImplicit},
		ResponseTypes:           []client.ResponseType{client.ResponseTypeIDToken},
		RedirectURIs:            []string{"https://app/cb"},
		TokenEndpointAuthMethod: client.AuthMethodNone,
	})
	require.NoError(t, err)
	_, err = registry.Register(client.Config{
		ID:                      "web_app",
		Secret:                  "s3cret",
		GrantTypes:              []client.GrantType{client.GrantTypeAuthorizationCode, client.GrantTypeRefreshToken},
		ResponseTypes:           []client.ResponseType{client.ResponseTypeCode},
		RedirectURIs:            []string{"https://webapp.example.com/cb"},
		TokenEndpointAuthMethod: client.AuthMethodSecretBasic,
	})
	require.NoError(t, err)

	key, err := keys.GenerateSigningKey("ES256")
	require.NoError(t, err)
	lifespans.ApplyDefaults()
	km, err := keys.NewManager(lifespans.Max(), key)
	require.NoError(t, err)

	store := storage.NewMemoryStore(storage.WithCleanupInterval(time.Hour))
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	tokens := token.NewService(testIssuer, km, store, lifespans)
	users := identity.NewStaticSource([]identity.StaticUser{{
		Subject:  "user-1",
		Username: "alice",
		Password: "wonderland",
		Email:    "alice@example.com",
	}})
	machine := flow.NewMachine(registry, tokens, users, store, 0)
	publisher := discovery.NewPublisher(testIssuer, registry, km)

	h := NewHandler(testIssuer, registry, machine, publisher, km)
	return &testServer{handler: h.Routes(), registry: registry}
}

func (ts *testServer) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func (ts *testServer) postForm(t *testing.T, path string, form url.Values, basicAuth ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if len(basicAuth) == 2 {
		req.SetBasicAuth(basicAuth[0], basicAuth[1])
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

// authorizeAndLogin drives a flow through the authorization and login
// endpoints, returning the final redirect Location.
func (ts *testServer) authorizeAndLogin(t *testing.T, query url.Values) string {
	t.Helper()

	rec := ts.get(t, "/authorize?"+query.Encode())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	interaction := decodeJSON[map[string]any](t, rec)
	id, _ := interaction["interaction_id"].(string)
	require.NotEmpty(t, id)

	rec = ts.postForm(t, "/interaction/"+id+"/login", url.Values{
		"username": {"alice"},
		"password": {"wonderland"},
	})
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	return rec.Header().Get("Location")
}

func TestDiscoveryEndpoint(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, token.Lifespans{})

	rec := ts.get(t, "/.well-known/openid-configuration")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Cache-Control"), "max-age=")

	doc := decodeJSON[discovery.Document](t, rec)
	assert.Equal(t, testIssuer, doc.Issuer)
	assert.Equal(t, []string{"authorization_code", "implicit", "refresh_token"}, doc.GrantTypesSupported)

	assert.Empty(t, doc.ScopesSupported)

	// Registering a client with new capabilities updates the document.
	_, err := ts.registry.Register(client.Config{
		ID:                      "cli_app",
		GrantTypes:              []client.GrantType{client.GrantTypeAuthorizationCode},
		ResponseTypes:           []client.ResponseType{client.ResponseTypeCode},
		RedirectURIs:            []string{"http://localhost:9090/cb"},
		TokenEndpointAuthMethod: client.AuthMethodNone,
		Scopes:                  []string{"openid", "email"},
	})
	require.NoError(t, err)

	rec = ts.get(t, "/.well-known/openid-configuration")
	doc = decodeJSON[discovery.Document](t, rec)
	assert.Equal(t, []string{"authorization_code", "implicit", "refresh_token"}, doc.GrantTypesSupported)
	assert.Equal(t, []string{"email", "openid"}, doc.ScopesSupported)
	assert.Equal(t, []string{"S256"}, doc.CodeChallengeMethodsSupported)
}

func TestJWKSEndpoint(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, token.Lifespans{})

	rec := ts.get(t, "/.well-known/jwks.json")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Cache-Control"), "max-age=")

	jwks := decodeJSON[jose.JSONWebKeySet](t, rec)
	require.Len(t, jwks.Keys, 1)
	assert.True(t, jwks.Keys[0].IsPublic())
	assert.Equal(t, "sig", jwks.Keys[0].Use)
}

func TestImplicitFlowEndToEnd(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, token.Lifespans{})

	location := ts.authorizeAndLogin(t, url.Values{
		"client_id":     {"C1"},
		"redirect_uri":  {"https://app/cb"},
		"response_type": {"id_token"},
		"nonce":         {"abc"},
		"state":         {"xyz"},
	})
	require.True(t, strings.HasPrefix(location, "https://app/cb#"), location)

	frag, err := url.ParseQuery(strings.SplitN(location, "#", 2)[1])
	require.NoError(t, err)
	assert.Equal(t, "xyz", frag.Get("state"))

	// The ID token must verify against a key served by the JWKS
	// endpoint at this moment.
	rec := ts.get(t, "/.well-known/jwks.json")
	jwks := decodeJSON[jose.JSONWebKeySet](t, rec)

	tok, err := jwt.ParseSigned(frag.Get("id_token"), []jose.SignatureAlgorithm{jose.ES256})
	require.NoError(t, err)
	matching := jwks.Key(tok.Headers[0].KeyID)
	require.NotEmpty(t, matching, "token kid must be present in the live JWKS")

	var claims jwt.Claims
	require.NoError(t, tok.Claims(matching[0].Key, &claims))
	assert.Equal(t, testIssuer, claims.Issuer)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, jwt.Audience{"C1"}, claims.Audience)
}

func TestCodeFlowEndToEnd(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, token.Lifespans{})

	location := ts.authorizeAndLogin(t, url.Values{
		"client_id":     {"web_app"},
		"redirect_uri":  {"https://webapp.example.com/cb"},
		"response_type": {"code"},
		"scope":         {"openid"},
		"state":         {"s-1"},
	})
	u, err := url.Parse(location)
	require.NoError(t, err)
	code := u.Query().Get("code")
	require.NotEmpty(t, code)
	assert.Equal(t, "s-1", u.Query().Get("state"))

	rec := ts.postForm(t, "/token", url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {"https://webapp.example.com/cb"},
	}, "web_app", "s3cret")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	resp := decodeJSON[map[string]any](t, rec)
	assert.Equal(t, "Bearer", resp["token_type"])
	assert.NotEmpty(t, resp["access_token"])
	assert.NotEmpty(t, resp["id_token"])
	assert.NotEmpty(t, resp["refresh_token"])

	// Replaying the code fails.
	rec = ts.postForm(t, "/token", url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {"https://webapp.example.com/cb"},
	}, "web_app", "s3cret")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	pe := decodeJSON[protocolError](t, rec)
	assert.Equal(t, "invalid_grant", pe.Error)

	// The refresh token rotates.
	refresh, _ := resp["refresh_token"].(string)
	rec = ts.postForm(t, "/token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refresh},
	}, "web_app", "s3cret")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	refreshed := decodeJSON[map[string]any](t, rec)
	assert.NotEmpty(t, refreshed["access_token"])
	assert.NotEqual(t, refresh, refreshed["refresh_token"])
}

func TestExpiredCodeReturnsInvalidGrant(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, token.Lifespans{AuthorizationCode: time.Millisecond})

	location := ts.authorizeAndLogin(t, url.Values{
		"client_id":     {"web_app"},
		"redirect_uri":  {"https://webapp.example.com/cb"},
		"response_type": {"code"},
	})
	u, err := url.Parse(location)
	require.NoError(t, err)
	code := u.Query().Get("code")
	require.NotEmpty(t, code)

	time.Sleep(10 * time.Millisecond)

	rec := ts.postForm(t, "/token", url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {"https://webapp.example.com/cb"},
	}, "web_app", "s3cret")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	pe := decodeJSON[protocolError](t, rec)
	assert.Equal(t, "invalid_grant", pe.Error)
	assert.NotContains(t, rec.Body.String(), "access_token")
}

func TestImplicitClientRejectedAtTokenEndpoint(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, token.Lifespans{})

	bodies := []url.Values{
		{"grant_type": {"authorization_code"}, "code": {"x"}, "redirect_uri": {"https://app/cb"}},
		{"grant_type": {"refresh_token"}, "refresh_token": {"x"}},
		{"grant_type": {"implicit"}},
		{},
	}
	for _, body := range bodies {
		body.Set("client_id", "C1")
		rec := ts.postForm(t, "/token", body)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		pe := decodeJSON[protocolError](t, rec)
		assert.Equal(t, "unauthorized_client", pe.Error)
	}
}

func TestTokenEndpointClientAuth(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, token.Lifespans{})

	t.Run("wrong secret", func(t *testing.T) {
		t.Parallel()
		rec := ts.postForm(t, "/token", url.Values{
			"grant_type": {"authorization_code"},
			"code":       {"x"},
		}, "web_app", "wrong")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
		pe := decodeJSON[protocolError](t, rec)
		assert.Equal(t, "invalid_client", pe.Error)
	})

	t.Run("unknown client", func(t *testing.T) {
		t.Parallel()
		rec := ts.postForm(t, "/token", url.Values{
			"grant_type": {"authorization_code"},
			"client_id":  {"ghost"},
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("missing client", func(t *testing.T) {
		t.Parallel()
		rec := ts.postForm(t, "/token", url.Values{"grant_type": {"authorization_code"}})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestTokenEndpointUnsupportedGrant(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, token.Lifespans{})

	rec := ts.postForm(t, "/token", url.Values{
		"grant_type": {"client_credentials"},
	}, "web_app", "s3cret")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	pe := decodeJSON[protocolError](t, rec)
	assert.Equal(t, "unsupported_grant_type", pe.Error)
}

func TestAuthorizeErrors(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, token.Lifespans{})

	t.Run("unknown client renders direct error", func(t *testing.T) {
		t.Parallel()
		rec := ts.get(t, "/authorize?client_id=ghost&redirect_uri=https%3A%2F%2Fapp%2Fcb&response_type=id_token")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		pe := decodeJSON[protocolError](t, rec)
		assert.Equal(t, "invalid_request", pe.Error)
	})

	t.Run("unregistered redirect renders direct error", func(t *testing.T) {
		t.Parallel()
		rec := ts.get(t, "/authorize?client_id=C1&redirect_uri=https%3A%2F%2Fevil%2Fcb&response_type=id_token")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("disallowed response type redirects with error", func(t *testing.T) {
		t.Parallel()
		q := url.Values{
			"client_id":     {"C1"},
			"redirect_uri":  {"https://app/cb"},
			"response_type": {"token"},
			"state":         {"xyz"},
		}
		rec := ts.get(t, "/authorize?"+q.Encode())
		require.Equal(t, http.StatusFound, rec.Code)
		location := rec.Header().Get("Location")
		require.True(t, strings.HasPrefix(location, "https://app/cb#"), location)
		frag, err := url.ParseQuery(strings.SplitN(location, "#", 2)[1])
		require.NoError(t, err)
		assert.Equal(t, "unauthorized_client", frag.Get("error"))
		assert.Equal(t, "xyz", frag.Get("state"))
	})

	t.Run("missing nonce redirects with invalid_request", func(t *testing.T) {
		t.Parallel()
		q := url.Values{
			"client_id":     {"C1"},
			"redirect_uri":  {"https://app/cb"},
			"response_type": {"id_token"},
		}
		rec := ts.get(t, "/authorize?"+q.Encode())
		require.Equal(t, http.StatusFound, rec.Code)
		frag, err := url.ParseQuery(strings.SplitN(rec.Header().Get("Location"), "#", 2)[1])
		require.NoError(t, err)
		assert.Equal(t, "invalid_request", frag.Get("error"))
	})
}

func TestDenyEndpoint(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, token.Lifespans{})

	rec := ts.get(t, "/authorize?"+url.Values{
		"client_id":     {"C1"},
		"redirect_uri":  {"https://app/cb"},
		"response_type": {"id_token"},
		"nonce":         {"abc"},
		"state":         {"xyz"},
	}.Encode())
	require.Equal(t, http.StatusOK, rec.Code)
	interaction := decodeJSON[map[string]any](t, rec)
	id, _ := interaction["interaction_id"].(string)

	rec = ts.postForm(t, "/interaction/"+id+"/deny", url.Values{})
	require.Equal(t, http.StatusFound, rec.Code)
	frag, err := url.ParseQuery(strings.SplitN(rec.Header().Get("Location"), "#", 2)[1])
	require.NoError(t, err)
	assert.Equal(t, "access_denied", frag.Get("error"))
	assert.Equal(t, "xyz", frag.Get("state"))

	// The flow is terminal; the interaction cannot be resumed.
	rec = ts.postForm(t, "/interaction/"+id+"/login", url.Values{
		"username": {"alice"}, "password": {"wonderland"},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLoginBadCredentials(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, token.Lifespans{})

	rec := ts.get(t, "/authorize?"+url.Values{
		"client_id":     {"C1"},
		"redirect_uri":  {"https://app/cb"},
		"response_type": {"id_token"},
		"nonce":         {"abc"},
	}.Encode())
	require.Equal(t, http.StatusOK, rec.Code)
	interaction := decodeJSON[map[string]any](t, rec)
	id, _ := interaction["interaction_id"].(string)

	rec = ts.postForm(t, "/interaction/"+id+"/login", url.Values{
		"username": {"alice"}, "password": {"wrong"},
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	pe := decodeJSON[protocolError](t, rec)
	assert.Equal(t, "access_denied", pe.Error)

	rec = ts.postForm(t, "/interaction/nonexistent/login", url.Values{
		"username": {"alice"}, "password": {"wonderland"},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
