// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package flow

import "errors"

var (
	// ErrInvalidRequest is returned for malformed or incomplete protocol
	// parameters. The wrapped message names the problem.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrRedirectURIMismatch is returned when a presented redirect URI
	// does not exactly match a registered one, or does not match the URI
	// used at flow initiation.
	ErrRedirectURIMismatch = errors.New("redirect URI mismatch")

	// ErrGrantNotAllowed is returned when a client attempts a grant or
	// response type it is not registered for. Implicit clients hitting
	// the token endpoint always fail with this.
	ErrGrantNotAllowed = errors.New("grant not allowed for client")

	// ErrRequestExpired is returned when a flow's authorization request
	// has outlived its TTL. The flow is terminal; a new one must be
	// initiated.
	ErrRequestExpired = errors.New("authorization request expired")

	// ErrRequestNotFound is returned when no flow instance exists for
	// the given interaction identifier.
	ErrRequestNotFound = errors.New("authorization request not found")

	// ErrAccessDenied is returned when the user denied the request.
	ErrAccessDenied = errors.New("access denied by user")
)
