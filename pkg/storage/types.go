// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage provides the session store contract and implementations
// for the OIDC provider core.
//
// The core externalizes all transient protocol state (authorization
// requests, authorization codes, refresh token families) through the
// SessionStore interface so a flow suspended for user interaction can be
// resumed by any replica. Two implementations are provided: an in-memory
// store for development and testing, and a Redis-backed store for
// multi-replica deployments.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("storage: key not found")

// DefaultCleanupInterval is how often the background reclamation runs
// in the in-memory store. Expiry is enforced lazily at read time, so
// the sweep exists only to reclaim memory.
const DefaultCleanupInterval = 5 * time.Minute

// SessionStore is a transactional key-value store with per-entry TTLs.
//
// Implementations must enforce TTLs at read time: a Get on an expired
// entry returns ErrNotFound even if reclamation has not run yet.
//
// CompareAndDelete and CompareAndSwap must be atomic with respect to
// concurrent calls on the same key. They are the primitives the token
// service builds exactly-once code redemption and refresh token rotation
// on, so "check then act" implementations with a window between the
// check and the act are incorrect.
type SessionStore interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value under key with the given TTL. A zero TTL means
	// the entry does not expire.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// CompareAndDelete deletes key only if its current value equals
	// expected. Returns true if the entry was deleted by this call.
	// Returns ErrNotFound if the key does not exist.
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)

	// CompareAndSwap replaces the value under key with next only if the
	// current value equals expected, refreshing the TTL. Returns true if
	// the swap happened. Returns ErrNotFound if the key does not exist.
	CompareAndSwap(ctx context.Context, key string, expected, next []byte, ttl time.Duration) (bool, error)

	// Health reports whether the backing store is reachable.
	Health(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}
