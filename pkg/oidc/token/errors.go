// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import "errors"

// Verification errors.
var (
	// ErrSignatureInvalid is returned when a token's signature does not
	// verify against any published key, or the token was not issued by
	// this provider.
	ErrSignatureInvalid = errors.New("token signature invalid")

	// ErrExpired is returned when a token's expiry has passed.
	ErrExpired = errors.New("token expired")

	// ErrAudienceMismatch is returned when a token was issued to a
	// different client than the one presenting it.
	ErrAudienceMismatch = errors.New("token audience mismatch")
)

// Authorization code errors.
var (
	// ErrCodeNotFound is returned when a code was never issued or has
	// aged out of the replay-detection window.
	ErrCodeNotFound = errors.New("authorization code not found")

	// ErrCodeExpired is returned when a code is redeemed after its TTL.
	ErrCodeExpired = errors.New("authorization code expired")

	// ErrCodeAlreadyUsed is returned on any redemption after the first.
	ErrCodeAlreadyUsed = errors.New("authorization code already used")
)

// ErrRefreshTokenReused is returned when a superseded refresh token
// generation is redeemed. This is a security event: the whole token
// family is revoked, so the stolen token and its successor both stop
// working.
var ErrRefreshTokenReused = errors.New("refresh token reuse detected")
