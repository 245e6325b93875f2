// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stacklok/oidcd/pkg/storage"
)

const (
	authCodePrefix = "authcode:"
	usedCodePrefix = "authcode:used:"
)

// UsedCodeRetention is how long redeemed codes are remembered so a
// replay can be distinguished from a code that never existed.
const UsedCodeRetention = 30 * time.Minute

// CodeGrant is the authorization context bound to an authorization code.
// It is written when the code is issued and returned exactly once at
// redemption.
type CodeGrant struct {
	// RequestID identifies the originating authorization request.
	RequestID string `json:"request_id"`

	// ClientID is the client the code was issued to.
	ClientID string `json:"client_id"`

	// RedirectURI is the redirect URI used at initiation. Redemption
	// must present exactly the same value.
	RedirectURI string `json:"redirect_uri"`

	// Subject is the authenticated user.
	Subject string `json:"subject"`

	// Email and Name are profile claims carried into the ID token.
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`

	// Scopes granted at authorization.
	Scopes []string `json:"scopes,omitempty"`

	// Nonce is echoed into the ID token minted at redemption.
	Nonce string `json:"nonce,omitempty"`

	// AuthTime is when the user authenticated.
	AuthTime time.Time `json:"auth_time"`

	// PKCEChallenge and PKCEMethod hold the client's code challenge for
	// verification at redemption (RFC 7636).
	PKCEChallenge string `json:"pkce_challenge,omitempty"`
	PKCEMethod    string `json:"pkce_method,omitempty"`

	// ExpiresAt is the code's own expiry. The store entry outlives it
	// (see UsedCodeRetention) so late redemption can be reported as
	// expired rather than unknown.
	ExpiresAt time.Time `json:"expires_at"`
}

// IssueAuthorizationCode mints an opaque single-use code bound to the
// given grant and stores it with the replay-detection retention window.
func (s *Service) IssueAuthorizationCode(ctx context.Context, grant *CodeGrant) (string, error) {
	code := rand.Text()
	grant.ExpiresAt = s.now().Add(s.lifespans.AuthorizationCode)

	payload, err := json.Marshal(grant)
	if err != nil {
		return "", fmt.Errorf("failed to encode authorization code grant: %w", err)
	}

	// The entry lives for the retention window, not the code TTL:
	// expiry is checked against the embedded ExpiresAt at redemption so
	// an expired code is distinguishable from an unknown one.
	if err := s.store.Put(ctx, authCodePrefix+code, payload, UsedCodeRetention); err != nil {
		return "", fmt.Errorf("failed to store authorization code: %w", err)
	}
	return code, nil
}

// RedeemAuthorizationCode redeems a code exactly once.
//
// The check-and-invalidate step is a single compare-and-delete on the
// session store, so under concurrent redemption of the same code
// exactly one caller gets the grant; the rest fail ErrCodeAlreadyUsed.
func (s *Service) RedeemAuthorizationCode(ctx context.Context, code string) (*CodeGrant, error) {
	key := authCodePrefix + code

	payload, err := s.store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, s.classifyMissingCode(ctx, code)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load authorization code: %w", err)
	}

	// Mark the code as used before racing for it, so every losing
	// contender observes the marker and reports ErrCodeAlreadyUsed
	// rather than ErrCodeNotFound. The marker is harmless if this
	// caller loses: it is only consulted once the code entry is gone.
	if err := s.store.Put(ctx, usedCodePrefix+code, []byte("1"), UsedCodeRetention); err != nil {
		return nil, fmt.Errorf("failed to mark authorization code used: %w", err)
	}

	// Atomic invalidation: only the caller whose delete wins may
	// proceed. A value mismatch is impossible (codes are never
	// rewritten), so a lost race surfaces as ErrNotFound.
	deleted, err := s.store.CompareAndDelete(ctx, key, payload)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && !deleted) {
		return nil, ErrCodeAlreadyUsed
	}
	if err != nil {
		return nil, fmt.Errorf("failed to invalidate authorization code: %w", err)
	}

	var grant CodeGrant
	if err := json.Unmarshal(payload, &grant); err != nil {
		return nil, fmt.Errorf("failed to decode authorization code grant: %w", err)
	}

	// Lazy expiry: the code was found and invalidated, but its own TTL
	// may have elapsed.
	if s.now().After(grant.ExpiresAt) {
		return nil, ErrCodeExpired
	}

	return &grant, nil
}

// classifyMissingCode distinguishes a replayed code from one that never
// existed (or aged past the retention window).
func (s *Service) classifyMissingCode(ctx context.Context, code string) error {
	if _, err := s.store.Get(ctx, usedCodePrefix+code); err == nil {
		return ErrCodeAlreadyUsed
	}
	return ErrCodeNotFound
}
