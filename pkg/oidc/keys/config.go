// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/stacklok/oidcd/pkg/logger"
)

// Config holds configuration for creating a key Manager.
// The caller is responsible for populating this from their own config
// source (environment variables, YAML files, flags, etc.).
type Config struct {
	// KeyDir is the directory containing PEM-encoded private key files.
	// All key filenames are relative to this directory.
	KeyDir string `mapstructure:"key_dir" yaml:"key_dir"`

	// SigningKeyFile is the filename of the primary signing key
	// (relative to KeyDir). This key is used for signing new tokens.
	// If empty with KeyDir set, NewManagerFromConfig returns an error.
	// If both KeyDir and SigningKeyFile are empty, an ephemeral key is
	// generated.
	SigningKeyFile string `mapstructure:"signing_key_file" yaml:"signing_key_file"`

	// FallbackKeyFiles are filenames of additional keys kept for
	// verification (relative to KeyDir). They appear in the JWKS but do
	// not sign new tokens.
	//
	// Key rotation: point SigningKeyFile at the new key and move the
	// old filename here. Tokens signed with old keys remain verifiable
	// until they expire, after which the entry can be removed.
	FallbackKeyFiles []string `mapstructure:"fallback_key_files" yaml:"fallback_key_files"`

	// Algorithm selects the algorithm for generated ephemeral keys.
	// Ignored for file-based keys (derived from the key material).
	// Defaults to ES256.
	Algorithm string `mapstructure:"algorithm" yaml:"algorithm"`
}

// NewManagerFromConfig creates a key Manager based on the configuration.
//
// Behavior:
//   - If KeyDir and SigningKeyFile are set: load keys from the directory
//   - If both are empty: generate an ephemeral key (development only)
//   - If KeyDir is set but SigningKeyFile is empty: returns an error
//
// maxTokenTTL is the longest token lifespan the provider issues; it
// gates key retirement.
func NewManagerFromConfig(cfg Config, maxTokenTTL time.Duration) (*Manager, error) {
	if cfg.KeyDir == "" {
		if cfg.SigningKeyFile != "" {
			return nil, fmt.Errorf("key directory is required when a signing key file is set")
		}

		key, err := GenerateSigningKey(cfg.Algorithm)
		if err != nil {
			return nil, err
		}
		logger.Warnw("generated ephemeral signing key - tokens will be invalid after restart",
			"algorithm", key.Algorithm,
			"keyID", key.KeyID,
		)
		return NewManager(maxTokenTTL, key)
	}

	if cfg.SigningKeyFile == "" {
		return nil, fmt.Errorf("signing key file is required")
	}

	signingKey, err := loadKeyData(filepath.Join(cfg.KeyDir, cfg.SigningKeyFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}

	// Fallback keys precede the signing key so the signing key ends up
	// current (the ring treats the last entry as current).
	all := make([]*SigningKeyData, 0, len(cfg.FallbackKeyFiles)+1)
	for _, filename := range cfg.FallbackKeyFiles {
		key, err := loadKeyData(filepath.Join(cfg.KeyDir, filename))
		if err != nil {
			return nil, fmt.Errorf("failed to load fallback key %s: %w", filename, err)
		}
		all = append(all, key)
	}
	all = append(all, signingKey)

	return NewManager(maxTokenTTL, all...)
}

// loadKeyData loads a single key from a PEM file and derives its metadata.
func loadKeyData(keyPath string) (*SigningKeyData, error) {
	signer, err := LoadSigningKey(keyPath)
	if err != nil {
		return nil, err
	}
	return NewSigningKeyData(signer, "", "")
}
