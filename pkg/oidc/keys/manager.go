// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/stacklok/oidcd/pkg/logger"
)

// ringEntry tracks one key in the ring together with rotation bookkeeping.
type ringEntry struct {
	key *SigningKeyData

	// rotatedAt is when this key stopped signing new tokens (zero while
	// it is the current key). Retirement is gated on this timestamp plus
	// the maximum token lifespan.
	rotatedAt time.Time
}

// keyRing is an immutable snapshot of the key set. The current key is
// always the last entry. Readers obtain the whole snapshot via a single
// atomic load, so rotation never exposes a torn state.
type keyRing struct {
	entries []*ringEntry
}

func (r *keyRing) current() *SigningKeyData {
	if len(r.entries) == 0 {
		return nil
	}
	return r.entries[len(r.entries)-1].key
}

func (r *keyRing) find(keyID string) *ringEntry {
	for _, e := range r.entries {
		if e.key.KeyID == keyID {
			return e
		}
	}
	return nil
}

// Manager owns the versioned, append-only signing key sequence.
//
// The newest key signs all new tokens; older keys remain published in
// the JWKS for verification until explicitly retired. Reads go through
// an atomic pointer and never block; Rotate and Retire are serialized
// by a mutex.
type Manager struct {
	ring atomic.Pointer[keyRing]

	// mu serializes mutations (rotate/retire). Readers don't take it.
	mu sync.Mutex

	// maxTokenTTL is the longest lifespan of any token this provider
	// issues. A rotated-away key is retirable only after this much time
	// has passed, guaranteeing no unexpired token references it.
	maxTokenTTL time.Duration

	// version increments on every mutation so dependents (discovery)
	// can cheaply detect change.
	version atomic.Uint64
}

// NewManager creates a Manager seeded with the given keys; the last one
// becomes the current signing key. Returns ErrNoSigningKey if no keys
// are provided.
func NewManager(maxTokenTTL time.Duration, initial ...*SigningKeyData) (*Manager, error) {
	if len(initial) == 0 {
		return nil, ErrNoSigningKey
	}

	entries := make([]*ringEntry, 0, len(initial))
	for i, k := range initial {
		e := &ringEntry{key: k}
		if i < len(initial)-1 {
			// Seeded fallback keys are treated as already rotated away.
			e.rotatedAt = time.Now()
		}
		entries = append(entries, e)
	}

	m := &Manager{maxTokenTTL: maxTokenTTL}
	m.ring.Store(&keyRing{entries: entries})
	m.version.Store(1)

	logger.Infow("key manager initialized",
		"keyCount", len(initial),
		"currentKeyID", initial[len(initial)-1].KeyID,
		"algorithm", initial[len(initial)-1].Algorithm,
	)
	return m, nil
}

// SigningKey returns the current signing key.
// Returns a copy to prevent external mutation of internal state.
func (m *Manager) SigningKey() (*SigningKeyData, error) {
	cur := m.ring.Load().current()
	if cur == nil {
		return nil, ErrNoSigningKey
	}
	return &SigningKeyData{
		KeyID:     cur.KeyID,
		Algorithm: cur.Algorithm,
		Key:       cur.Key,
		CreatedAt: cur.CreatedAt,
	}, nil
}

// PublicKeys returns all non-retired public keys, newest last.
func (m *Manager) PublicKeys() []*PublicKeyData {
	ring := m.ring.Load()
	pubKeys := make([]*PublicKeyData, 0, len(ring.entries))
	for _, e := range ring.entries {
		pubKeys = append(pubKeys, &PublicKeyData{
			KeyID:     e.key.KeyID,
			Algorithm: e.key.Algorithm,
			PublicKey: e.key.Key.Public(),
			CreatedAt: e.key.CreatedAt,
		})
	}
	return pubKeys
}

// PublicJWKS returns the JSON Web Key Set containing only public key
// material for the current and all non-retired prior keys.
func (m *Manager) PublicJWKS() *jose.JSONWebKeySet {
	ring := m.ring.Load()
	jwks := &jose.JSONWebKeySet{
		Keys: make([]jose.JSONWebKey, 0, len(ring.entries)),
	}
	for _, e := range ring.entries {
		jwks.Keys = append(jwks.Keys, jose.JSONWebKey{
			Key:       e.key.Key.Public(),
			KeyID:     e.key.KeyID,
			Algorithm: e.key.Algorithm,
			Use:       "sig",
		})
	}
	return jwks
}

// SigningAlgorithms returns the distinct algorithms across the key set.
func (m *Manager) SigningAlgorithms() []string {
	ring := m.ring.Load()
	seen := make(map[string]bool)
	var algs []string
	for _, e := range ring.entries {
		if !seen[e.key.Algorithm] {
			seen[e.key.Algorithm] = true
			algs = append(algs, e.key.Algorithm)
		}
	}
	return algs
}

// Signer returns a jose.Signer for the given key ID, or for the current
// key if keyID is empty. The signer embeds the "kid" header so resource
// servers can look up the verification key in the JWKS.
func (m *Manager) Signer(keyID string) (jose.Signer, error) {
	ring := m.ring.Load()

	var key *SigningKeyData
	if keyID == "" {
		key = ring.current()
		if key == nil {
			return nil, ErrNoSigningKey
		}
	} else {
		entry := ring.find(keyID)
		if entry == nil {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
		}
		key = entry.key
	}

	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.SignatureAlgorithm(key.Algorithm),
		Key: &jose.JSONWebKey{
			Key:       key.Key,
			KeyID:     key.KeyID,
			Algorithm: key.Algorithm,
			Use:       "sig",
		},
	}, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}
	return signer, nil
}

// Sign signs an arbitrary payload with the given key (current key if
// keyID is empty) and returns the compact JWS serialization.
func (m *Manager) Sign(payload []byte, keyID string) (string, error) {
	signer, err := m.Signer(keyID)
	if err != nil {
		return "", err
	}

	jws, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("failed to sign payload: %w", err)
	}
	return jws.CompactSerialize()
}

// VerificationKey returns the public JWK for the given key ID.
// Returns ErrKeyNotFound if the key has been retired or never existed.
func (m *Manager) VerificationKey(keyID string) (*jose.JSONWebKey, error) {
	entry := m.ring.Load().find(keyID)
	if entry == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return &jose.JSONWebKey{
		Key:       entry.key.Key.Public(),
		KeyID:     entry.key.KeyID,
		Algorithm: entry.key.Algorithm,
		Use:       "sig",
	}, nil
}

// Rotate appends newKey to the ring and makes it the current signing key
// in a single atomic swap. The previous current key remains available
// for verification until retired.
func (m *Manager) Rotate(newKey *SigningKeyData) error {
	if newKey == nil || newKey.Key == nil {
		return ErrNoSigningKey
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.ring.Load()
	if old.find(newKey.KeyID) != nil {
		return fmt.Errorf("key %s is already in the key set", newKey.KeyID)
	}

	now := time.Now()
	entries := make([]*ringEntry, 0, len(old.entries)+1)
	for i, e := range old.entries {
		copied := &ringEntry{key: e.key, rotatedAt: e.rotatedAt}
		if i == len(old.entries)-1 && copied.rotatedAt.IsZero() {
			copied.rotatedAt = now
		}
		entries = append(entries, copied)
	}
	entries = append(entries, &ringEntry{key: newKey})

	m.ring.Store(&keyRing{entries: entries})
	m.version.Add(1)

	logger.Infow("signing key rotated",
		"newKeyID", newKey.KeyID,
		"algorithm", newKey.Algorithm,
		"keyCount", len(entries),
	)
	return nil
}

// Retire removes a key from the key set and the public JWKS.
//
// The current signing key cannot be retired, and a rotated-away key is
// refused with ErrKeyInUse until the maximum token lifespan has elapsed
// since its rotation, since tokens signed with it may still be valid.
func (m *Manager) Retire(keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.ring.Load()
	entry := old.find(keyID)
	if entry == nil {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	if cur := old.current(); cur != nil && cur.KeyID == keyID {
		return fmt.Errorf("%w: %s is the current signing key", ErrKeyInUse, keyID)
	}
	if time.Since(entry.rotatedAt) < m.maxTokenTTL {
		return fmt.Errorf("%w: %s retirable at %s",
			ErrKeyInUse, keyID, entry.rotatedAt.Add(m.maxTokenTTL).Format(time.RFC3339))
	}

	entries := make([]*ringEntry, 0, len(old.entries)-1)
	for _, e := range old.entries {
		if e.key.KeyID != keyID {
			entries = append(entries, e)
		}
	}

	m.ring.Store(&keyRing{entries: entries})
	m.version.Add(1)

	logger.Infow("signing key retired", "keyID", keyID, "keyCount", len(entries))
	return nil
}

// Version returns a counter that increments on every rotation or
// retirement. Dependents use it to invalidate derived state.
func (m *Manager) Version() uint64 {
	return m.version.Load()
}
