// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the provider's protocol endpoints over HTTP.
//
// The handlers do no protocol logic of their own: they parse requests,
// dispatch to the flow machine and discovery publisher, and shape every
// outcome as a protocol-compliant response. Internal errors never reach
// the wire.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/oidcd/pkg/oidc/client"
	"github.com/stacklok/oidcd/pkg/oidc/discovery"
	"github.com/stacklok/oidcd/pkg/oidc/flow"
	"github.com/stacklok/oidcd/pkg/oidc/keys"
)

// Handler provides the HTTP handlers for all protocol endpoints.
type Handler struct {
	issuer    string
	registry  *client.Registry
	machine   *flow.Machine
	publisher *discovery.Publisher
	keys      *keys.Manager
}

// NewHandler creates a Handler with the given dependencies.
func NewHandler(issuer string, registry *client.Registry, machine *flow.Machine,
	publisher *discovery.Publisher, km *keys.Manager) *Handler {
	return &Handler{
		issuer:    issuer,
		registry:  registry,
		machine:   machine,
		publisher: publisher,
		keys:      km,
	}
}

// Routes returns a router with all protocol endpoints registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	h.WellKnownRoutes(r)
	h.ProtocolRoutes(r)
	return r
}

// WellKnownRoutes registers the discovery and JWKS endpoints.
func (h *Handler) WellKnownRoutes(r chi.Router) {
	r.Get(discovery.DiscoveryPath, h.DiscoveryHandler)
	r.Get(discovery.JWKSPath, h.JWKSHandler)
}

// ProtocolRoutes registers the authorization, interaction, and token
// endpoints.
func (h *Handler) ProtocolRoutes(r chi.Router) {
	r.Get(discovery.AuthorizePath, h.AuthorizeHandler)
	r.Post("/interaction/{id}/login", h.LoginHandler)
	r.Post("/interaction/{id}/deny", h.DenyHandler)
	r.Post(discovery.TokenPath, h.TokenHandler)
}
