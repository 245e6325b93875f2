// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(context.Background(), RedisConfig{
		Addr:      mr.Addr(),
		KeyPrefix: "oidcd:test:",
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s, mr
}

func TestNewRedisStoreRequiresAddr(t *testing.T) {
	t.Parallel()
	_, err := NewRedisStore(context.Background(), RedisConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address is required")
}

func TestRedisStorePutGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestRedisStore(t)

	require.NoError(t, s.Put(ctx, "k1", []byte("v1"), 0))

	got, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreKeyPrefix(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, mr := newTestRedisStore(t)

	require.NoError(t, s.Put(ctx, "k", []byte("v"), 0))
	assert.True(t, mr.Exists("oidcd:test:k"))
}

func TestRedisStoreTTLExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, mr := newTestRedisStore(t)

	require.NoError(t, s.Put(ctx, "short", []byte("v"), time.Minute))

	got, err := s.Get(ctx, "short")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	mr.FastForward(2 * time.Minute)

	_, err = s.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestRedisStore(t)

	require.NoError(t, s.Put(ctx, "k", []byte("v"), 0))
	require.NoError(t, s.Delete(ctx, "k"))

	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, s.Delete(ctx, "k"))
}

func TestRedisStoreCompareAndDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestRedisStore(t)

	require.NoError(t, s.Put(ctx, "k", []byte("v"), 0))

	deleted, err := s.CompareAndDelete(ctx, "k", []byte("wrong"))
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = s.CompareAndDelete(ctx, "k", []byte("v"))
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = s.CompareAndDelete(ctx, "k", []byte("v"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreCompareAndSwap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, mr := newTestRedisStore(t)

	require.NoError(t, s.Put(ctx, "gen", []byte("1"), time.Hour))

	swapped, err := s.CompareAndSwap(ctx, "gen", []byte("0"), []byte("2"), time.Hour)
	require.NoError(t, err)
	assert.False(t, swapped)

	swapped, err = s.CompareAndSwap(ctx, "gen", []byte("1"), []byte("2"), time.Hour)
	require.NoError(t, err)
	assert.True(t, swapped)

	got, err := s.Get(ctx, "gen")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), got)

	// TTL is refreshed by the swap.
	ttl := mr.TTL("oidcd:test:gen")
	assert.Greater(t, ttl, 59*time.Minute)

	_, err = s.CompareAndSwap(ctx, "missing", []byte("1"), []byte("2"), time.Hour)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreHealth(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, mr := newTestRedisStore(t)

	require.NoError(t, s.Health(ctx))

	mr.Close()
	assert.Error(t, s.Health(ctx))
}
