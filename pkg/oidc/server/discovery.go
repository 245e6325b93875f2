// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/stacklok/oidcd/pkg/logger"
)

// Cache-Control max-age values for the well-known endpoints.
const (
	// DefaultJWKSCacheMaxAge is the Cache-Control max-age for the JWKS
	// endpoint (1 hour). Balances caching efficiency with timely key
	// rotation propagation.
	DefaultJWKSCacheMaxAge = 3600

	// DefaultDiscoveryCacheMaxAge is the Cache-Control max-age for the
	// discovery endpoint (1 hour).
	DefaultDiscoveryCacheMaxAge = 3600
)

// DiscoveryHandler handles GET /.well-known/openid-configuration.
func (h *Handler) DiscoveryHandler(w http.ResponseWriter, _ *http.Request) {
	doc := h.publisher.Document()

	data, err := json.Marshal(doc)
	if err != nil {
		logger.Errorw("failed to encode discovery document", "error", err.Error())
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", DefaultDiscoveryCacheMaxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(data)
}

// JWKSHandler handles GET /.well-known/jwks.json. It returns only
// public key material: the current key plus non-retired prior keys.
func (h *Handler) JWKSHandler(w http.ResponseWriter, _ *http.Request) {
	jwks := h.keys.PublicJWKS()
	if jwks == nil || len(jwks.Keys) == 0 {
		logger.Error("no public JWKS available")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	data, err := json.Marshal(jwks)
	if err != nil {
		logger.Errorw("failed to encode JWKS", "error", err.Error())
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", DefaultJWKSCacheMaxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(data)
}
