// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package token constructs, signs, and validates the tokens this
// provider issues: ID tokens, access tokens, refresh tokens, and
// authorization codes.
//
// ID, access, and refresh tokens are JWTs signed with the key manager's
// current key so holders can be validated against the public JWKS.
// Authorization codes are opaque single-use handles backed by the
// session store; only this provider ever validates them.
package token

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"

	"github.com/stacklok/oidcd/pkg/logger"
	"github.com/stacklok/oidcd/pkg/oidc/client"
	"github.com/stacklok/oidcd/pkg/oidc/identity"
	"github.com/stacklok/oidcd/pkg/oidc/keys"
	"github.com/stacklok/oidcd/pkg/storage"
)

// Token use markers embedded in issued JWTs so one token type cannot be
// replayed as another.
const (
	UseID      = "id"
	UseAccess  = "access"
	UseRefresh = "refresh"
)

// refreshFamilyPrefix namespaces refresh token family records in the
// session store.
const refreshFamilyPrefix = "rtfam:"

// Lifespans holds the per-token-type expiry windows.
type Lifespans struct {
	IDToken           time.Duration `mapstructure:"id_token" yaml:"id_token"`
	AccessToken       time.Duration `mapstructure:"access_token" yaml:"access_token"`
	RefreshToken      time.Duration `mapstructure:"refresh_token" yaml:"refresh_token"`
	AuthorizationCode time.Duration `mapstructure:"authorization_code" yaml:"authorization_code"`
}

// Default lifespans. Authorization codes are single-use and short; the
// window widens from code to access to refresh.
const (
	DefaultIDTokenLifespan      = time.Hour
	DefaultAccessTokenLifespan  = time.Hour
	DefaultRefreshTokenLifespan = 7 * 24 * time.Hour
	DefaultAuthCodeLifespan     = time.Minute
)

// ApplyDefaults fills zero lifespans with the defaults.
func (l *Lifespans) ApplyDefaults() {
	if l.IDToken == 0 {
		l.IDToken = DefaultIDTokenLifespan
	}
	if l.AccessToken == 0 {
		l.AccessToken = DefaultAccessTokenLifespan
	}
	if l.RefreshToken == 0 {
		l.RefreshToken = DefaultRefreshTokenLifespan
	}
	if l.AuthorizationCode == 0 {
		l.AuthorizationCode = DefaultAuthCodeLifespan
	}
}

// Max returns the longest lifespan. The key manager uses it to decide
// when a rotated-away key can be retired.
func (l Lifespans) Max() time.Duration {
	out := l.IDToken
	for _, d := range []time.Duration{l.AccessToken, l.RefreshToken, l.AuthorizationCode} {
		if d > out {
			out = d
		}
	}
	return out
}

// Claims is the claim set carried by every JWT this provider issues.
// The embedded jwt.Claims covers iss/sub/aud/iat/exp; the rest are the
// OIDC and bookkeeping extensions.
type Claims struct {
	jwt.Claims

	// Nonce associates a client session with an ID token (OIDC Core 3.1.3.6).
	Nonce string `json:"nonce,omitempty"`

	// AuthTime is when end-user authentication occurred.
	AuthTime *jwt.NumericDate `json:"auth_time,omitempty"`

	// Scope is the space-separated granted scopes (access/refresh tokens).
	Scope string `json:"scope,omitempty"`

	// TokenUse distinguishes ID, access, and refresh tokens.
	TokenUse string `json:"token_use,omitempty"`

	// FamilyID and Generation implement refresh token rotation.
	FamilyID   string `json:"rtf,omitempty"`
	Generation int64  `json:"rtg,omitempty"`

	// Profile claims (ID tokens only).
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// Scopes returns the granted scopes as a slice.
func (c *Claims) Scopes() []string {
	if c.Scope == "" {
		return nil
	}
	return strings.Fields(c.Scope)
}

// Service issues and validates tokens. It owns the expiry policy;
// signing is delegated to the key manager and transient state to the
// session store.
type Service struct {
	issuer    string
	keys      *keys.Manager
	store     storage.SessionStore
	lifespans Lifespans

	// now is the clock, swappable in tests.
	now func() time.Time
}

// NewService creates a token Service. Lifespans are defaulted in place.
func NewService(issuer string, km *keys.Manager, store storage.SessionStore, lifespans Lifespans) *Service {
	lifespans.ApplyDefaults()
	return &Service{
		issuer:    issuer,
		keys:      km,
		store:     store,
		lifespans: lifespans,
		now:       time.Now,
	}
}

// Lifespans returns the effective expiry windows.
func (s *Service) Lifespans() Lifespans {
	return s.lifespans
}

// IssueIDToken mints a signed ID token for the user, bound to the
// client as audience and echoing the request nonce.
func (s *Service) IssueIDToken(user *identity.Identity, c *client.Client, nonce string, authTime time.Time) (string, error) {
	now := s.now()
	claims := &Claims{
		Claims: jwt.Claims{
			Issuer:   s.issuer,
			Subject:  user.Subject,
			Audience: jwt.Audience{c.ID()},
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(s.lifespans.IDToken)),
		},
		Nonce:    nonce,
		TokenUse: UseID,
		Email:    user.Email,
		Name:     user.Name,
	}
	if !authTime.IsZero() {
		claims.AuthTime = jwt.NewNumericDate(authTime)
	}
	return s.sign(claims)
}

// IssueAccessToken mints a signed access token carrying the granted scopes.
func (s *Service) IssueAccessToken(user *identity.Identity, c *client.Client, scopes []string) (string, error) {
	now := s.now()
	claims := &Claims{
		Claims: jwt.Claims{
			Issuer:   s.issuer,
			Subject:  user.Subject,
			Audience: jwt.Audience{c.ID()},
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(s.lifespans.AccessToken)),
		},
		Scope:    strings.Join(scopes, " "),
		TokenUse: UseAccess,
	}
	return s.sign(claims)
}

// IssueRefreshToken mints generation 1 of a new refresh token family and
// records the family's current generation in the session store.
func (s *Service) IssueRefreshToken(ctx context.Context, user *identity.Identity, c *client.Client, scopes []string) (string, error) {
	familyID := uuid.NewString()

	err := s.store.Put(ctx, refreshFamilyPrefix+familyID, []byte("1"), s.lifespans.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("failed to record refresh token family: %w", err)
	}

	return s.mintRefreshToken(user.Subject, c.ID(), scopes, familyID, 1, user.Email, user.Name)
}

// RefreshGrant is the result of a successful refresh token redemption.
type RefreshGrant struct {
	// Subject is the user the family belongs to.
	Subject string

	// Scopes are the scopes granted at the original authorization.
	Scopes []string

	// RefreshToken is the next generation, superseding the redeemed one.
	RefreshToken string
}

// RedeemRefreshToken validates a refresh token for the client, advances
// the family to the next generation, and returns the successor token.
//
// Redeeming an already-superseded generation is treated as theft replay:
// the family record is deleted so the reused token, its successor, and
// every other outstanding generation all become unusable, and
// ErrRefreshTokenReused is returned.
func (s *Service) RedeemRefreshToken(ctx context.Context, serialized string, c *client.Client) (*RefreshGrant, error) {
	claims, err := s.Verify(serialized, c.ID())
	if err != nil {
		return nil, err
	}
	if claims.TokenUse != UseRefresh || claims.FamilyID == "" {
		return nil, fmt.Errorf("%w: not a refresh token", ErrSignatureInvalid)
	}

	familyKey := refreshFamilyPrefix + claims.FamilyID
	expected := []byte(strconv.FormatInt(claims.Generation, 10))
	next := []byte(strconv.FormatInt(claims.Generation+1, 10))

	swapped, err := s.store.CompareAndSwap(ctx, familyKey, expected, next, s.lifespans.RefreshToken)
	if errors.Is(err, storage.ErrNotFound) {
		// Family already revoked (or expired): the token itself is
		// unexpired, so this is a replay against a revoked family.
		logger.Warnw("refresh token presented for revoked family",
			"familyID", claims.FamilyID,
			"clientID", c.ID(),
			"subject", claims.Subject,
		)
		return nil, ErrRefreshTokenReused
	}
	if err != nil {
		return nil, fmt.Errorf("failed to rotate refresh token family: %w", err)
	}
	if !swapped {
		// The stored generation moved past this token: it was already
		// redeemed once. Revoke the entire family.
		if delErr := s.store.Delete(ctx, familyKey); delErr != nil {
			logger.Errorw("failed to revoke refresh token family",
				"familyID", claims.FamilyID,
				"error", delErr.Error(),
			)
		}
		logger.Warnw("refresh token reuse detected, family revoked",
			"familyID", claims.FamilyID,
			"generation", claims.Generation,
			"clientID", c.ID(),
			"subject", claims.Subject,
		)
		return nil, ErrRefreshTokenReused
	}

	successor, err := s.mintRefreshToken(claims.Subject, c.ID(), claims.Scopes(),
		claims.FamilyID, claims.Generation+1, claims.Email, claims.Name)
	if err != nil {
		return nil, err
	}

	return &RefreshGrant{
		Subject:      claims.Subject,
		Scopes:       claims.Scopes(),
		RefreshToken: successor,
	}, nil
}

// Verify checks a serialized token's signature against the published key
// set and validates expiry and audience. Returns the claims on success.
func (s *Service) Verify(serialized, expectedAudience string) (*Claims, error) {
	tok, err := jwt.ParseSigned(serialized, supportedSignatureAlgorithms())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	if len(tok.Headers) != 1 || tok.Headers[0].KeyID == "" {
		return nil, fmt.Errorf("%w: missing kid header", ErrSignatureInvalid)
	}

	pub, err := s.keys.VerificationKey(tok.Headers[0].KeyID)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown key %s", ErrSignatureInvalid, tok.Headers[0].KeyID)
	}

	claims := &Claims{}
	if err := tok.Claims(pub, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	if claims.Issuer != s.issuer {
		return nil, fmt.Errorf("%w: issuer mismatch", ErrSignatureInvalid)
	}
	if claims.Expiry == nil || s.now().After(claims.Expiry.Time()) {
		return nil, ErrExpired
	}
	if expectedAudience != "" && !audienceContains(claims.Audience, expectedAudience) {
		return nil, ErrAudienceMismatch
	}

	return claims, nil
}

func (s *Service) mintRefreshToken(subject, clientID string, scopes []string, familyID string, generation int64, email, name string) (string, error) {
	now := s.now()
	claims := &Claims{
		Claims: jwt.Claims{
			Issuer:   s.issuer,
			Subject:  subject,
			Audience: jwt.Audience{clientID},
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(s.lifespans.RefreshToken)),
		},
		Scope:      strings.Join(scopes, " "),
		TokenUse:   UseRefresh,
		FamilyID:   familyID,
		Generation: generation,
		Email:      email,
		Name:       name,
	}
	return s.sign(claims)
}

func (s *Service) sign(claims *Claims) (string, error) {
	signer, err := s.keys.Signer("")
	if err != nil {
		return "", err
	}
	serialized, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return serialized, nil
}

func audienceContains(aud jwt.Audience, expected string) bool {
	for _, a := range aud {
		if a == expected {
			return true
		}
	}
	return false
}

// supportedSignatureAlgorithms lists the algorithms the key manager can
// produce. Parsing is restricted to these so an attacker cannot select
// a weaker algorithm.
func supportedSignatureAlgorithms() []jose.SignatureAlgorithm {
	return []jose.SignatureAlgorithm{
		jose.RS256, jose.RS384, jose.RS512,
		jose.ES256, jose.ES384, jose.ES512,
	}
}
