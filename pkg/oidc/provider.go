// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package oidc assembles the provider from its components: key manager,
// client registry, token service, flow machine, discovery publisher,
// and the HTTP endpoint handlers.
package oidc

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/stacklok/oidcd/pkg/logger"
	"github.com/stacklok/oidcd/pkg/oidc/client"
	"github.com/stacklok/oidcd/pkg/oidc/discovery"
	"github.com/stacklok/oidcd/pkg/oidc/flow"
	"github.com/stacklok/oidcd/pkg/oidc/identity"
	"github.com/stacklok/oidcd/pkg/oidc/keys"
	"github.com/stacklok/oidcd/pkg/oidc/server"
	"github.com/stacklok/oidcd/pkg/oidc/token"
	"github.com/stacklok/oidcd/pkg/storage"
)

// Storage backend selectors.
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

// StorageConfig selects and configures the session store backend.
type StorageConfig struct {
	// Type is "memory" (default) or "redis".
	Type string `mapstructure:"type" yaml:"type"`

	// Redis configures the Redis backend when Type is "redis".
	Redis storage.RedisConfig `mapstructure:"redis" yaml:"redis"`
}

// Config is the provider configuration surface.
type Config struct {
	// Issuer is the provider's base URL. Required, absolute, no
	// trailing slash, no query or fragment.
	Issuer string `mapstructure:"issuer" yaml:"issuer"`

	// Clients are the registered client applications. At least one is
	// required.
	Clients []client.Config `mapstructure:"clients" yaml:"clients"`

	// Keys configures signing key material. Zero value generates an
	// ephemeral development key.
	Keys keys.Config `mapstructure:"keys" yaml:"keys"`

	// Lifespans are the per-token-type expiry windows.
	Lifespans token.Lifespans `mapstructure:"lifespans" yaml:"lifespans"`

	// RequestTTL bounds how long an authorization request may await
	// user interaction.
	RequestTTL time.Duration `mapstructure:"request_ttl" yaml:"request_ttl"`

	// Users is the static development user list, consumed when no
	// identity source is injected.
	Users []identity.StaticUser `mapstructure:"users" yaml:"users"`

	// Storage selects the session store backend.
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
}

// Validate checks the configuration for structural problems. Client
// configurations are validated individually at registration.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	u, err := url.Parse(c.Issuer)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("issuer %q must be an absolute URL", c.Issuer)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("issuer %q must not contain a query or fragment", c.Issuer)
	}
	if len(c.Clients) == 0 {
		return fmt.Errorf("at least one client must be configured")
	}
	switch c.Storage.Type {
	case "", StorageMemory:
	case StorageRedis:
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}
	return nil
}

func (c *Config) applyDefaults() {
	c.Lifespans.ApplyDefaults()
	if c.RequestTTL == 0 {
		c.RequestTTL = flow.DefaultRequestTTL
	}
	if c.Storage.Type == "" {
		c.Storage.Type = StorageMemory
	}
}

// Provider is a fully assembled OIDC provider.
type Provider struct {
	config    *Config
	keys      *keys.Manager
	registry  *client.Registry
	store     storage.SessionStore
	tokens    *token.Service
	machine   *flow.Machine
	publisher *discovery.Publisher
	handler   http.Handler
}

// Option customizes provider assembly.
type Option func(*options)

type options struct {
	users identity.Source
	store storage.SessionStore
}

// WithIdentitySource injects the end-user authentication backend,
// replacing the static user list from the configuration.
func WithIdentitySource(src identity.Source) Option {
	return func(o *options) { o.users = src }
}

// WithSessionStore injects a session store, overriding the configured
// backend. The caller retains ownership; Close will not close it.
func WithSessionStore(s storage.SessionStore) Option {
	return func(o *options) { o.store = s }
}

// New assembles a Provider from the configuration. Missing signing key
// material is fatal here, never per-request.
func New(ctx context.Context, cfg *Config, opts ...Option) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid provider configuration: %w", err)
	}
	cfg.applyDefaults()

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	km, err := keys.NewManagerFromConfig(cfg.Keys, cfg.Lifespans.Max())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize signing keys: %w", err)
	}

	registry := client.NewRegistry()
	for _, cc := range cfg.Clients {
		if _, err := registry.Register(cc); err != nil {
			return nil, err
		}
	}

	store := o.store
	ownedStore := false
	if store == nil {
		switch cfg.Storage.Type {
		case StorageRedis:
			rs, err := storage.NewRedisStore(ctx, cfg.Storage.Redis)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to redis: %w", err)
			}
			store = rs
		default:
			store = storage.NewMemoryStore()
		}
		ownedStore = true
	}

	users := o.users
	if users == nil {
		users = identity.NewStaticSource(cfg.Users)
	}

	tokens := token.NewService(cfg.Issuer, km, store, cfg.Lifespans)
	machine := flow.NewMachine(registry, tokens, users, store, cfg.RequestTTL)
	publisher := discovery.NewPublisher(cfg.Issuer, registry, km)
	handler := server.NewHandler(cfg.Issuer, registry, machine, publisher, km)

	p := &Provider{
		config:    cfg,
		keys:      km,
		registry:  registry,
		tokens:    tokens,
		machine:   machine,
		publisher: publisher,
		handler:   handler.Routes(),
	}
	if ownedStore {
		p.store = store
	}

	logger.Infow("provider assembled",
		"issuer", cfg.Issuer,
		"clients", len(cfg.Clients),
		"storage", cfg.Storage.Type,
	)
	return p, nil
}

// Handler returns the HTTP handler serving all protocol endpoints.
func (p *Provider) Handler() http.Handler {
	return p.handler
}

// Registry returns the client registry. Runtime registrations are
// picked up by discovery automatically.
func (p *Provider) Registry() *client.Registry {
	return p.registry
}

// Keys returns the key manager for rotation and retirement.
func (p *Provider) Keys() *keys.Manager {
	return p.keys
}

// Close releases resources owned by the provider.
func (p *Provider) Close() error {
	if p.store != nil {
		return p.store.Close()
	}
	return nil
}
