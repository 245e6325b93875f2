// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package identity defines the collaborator contract for end-user
// authentication. The provider core never stores user credentials; it
// delegates the credential check to an injected Source and only consumes
// the resulting Identity.
package identity

import (
	"context"
	"crypto/subtle"
	"errors"
)

// ErrAuthenticationFailed is returned when the presented credentials do
// not identify a user. Implementations must not distinguish unknown
// users from wrong passwords.
var ErrAuthenticationFailed = errors.New("authentication failed")

// Credentials are the end-user credentials presented at the interaction
// step of a flow.
type Credentials struct {
	Username string
	Password string
}

// Identity is an authenticated end user as reported by the Source.
type Identity struct {
	// Subject is the stable user identifier; becomes the "sub" claim.
	Subject string

	// Email and Name are optional profile claims.
	Email string
	Name  string
}

// Source authenticates end-user credentials.
// Implementations are injected into the provider; the core ships only
// the in-memory StaticSource for development and tests.
type Source interface {
	Authenticate(ctx context.Context, creds Credentials) (*Identity, error)
}

// StaticUser is one entry in a StaticSource.
type StaticUser struct {
	Subject  string `mapstructure:"subject" yaml:"subject"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	Email    string `mapstructure:"email" yaml:"email"`
	Name     string `mapstructure:"name" yaml:"name"`
}

// StaticSource authenticates against a fixed user list.
// Development and test use only.
type StaticSource struct {
	users map[string]StaticUser
}

// NewStaticSource creates a StaticSource from the given users.
func NewStaticSource(users []StaticUser) *StaticSource {
	m := make(map[string]StaticUser, len(users))
	for _, u := range users {
		m[u.Username] = u
	}
	return &StaticSource{users: m}
}

// Authenticate checks the credentials against the static user list.
func (s *StaticSource) Authenticate(_ context.Context, creds Credentials) (*Identity, error) {
	u, ok := s.users[creds.Username]
	if !ok {
		// Burn the comparison anyway so unknown users cost the same.
		subtle.ConstantTimeCompare([]byte(creds.Password), []byte(creds.Password))
		return nil, ErrAuthenticationFailed
	}
	if subtle.ConstantTimeCompare([]byte(u.Password), []byte(creds.Password)) != 1 {
		return nil, ErrAuthenticationFailed
	}
	return &Identity{
		Subject: u.Subject,
		Email:   u.Email,
		Name:    u.Name,
	}, nil
}

// Compile-time interface check.
var _ Source = (*StaticSource)(nil)
