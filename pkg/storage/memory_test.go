// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemoryStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore(WithCleanupInterval(time.Hour))
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestMemoryStorePutGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestMemoryStore(t)

	require.NoError(t, s.Put(ctx, "k1", []byte("v1"), 0))

	got, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestMemoryStore(t)

	require.NoError(t, s.Put(ctx, "k", []byte("value"), 0))

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	got[0] = 'X'

	again, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), again)
}

func TestMemoryStoreLazyExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestMemoryStore(t)

	require.NoError(t, s.Put(ctx, "short", []byte("v"), 10*time.Millisecond))

	got, err := s.Get(ctx, "short")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	time.Sleep(20 * time.Millisecond)

	// Reclamation has not run (interval is an hour); expiry must still
	// be enforced at read time.
	_, err = s.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.CompareAndDelete(ctx, "short", []byte("v"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestMemoryStore(t)

	require.NoError(t, s.Put(ctx, "k", []byte("v"), 0))
	require.NoError(t, s.Delete(ctx, "k"))

	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting a missing key is not an error.
	assert.NoError(t, s.Delete(ctx, "k"))
}

func TestMemoryStoreCompareAndDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestMemoryStore(t)

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

func TestMemoryStoreCompareAndDeleteConcurrent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestMemoryStore(t)

	require.NoError(t, s.Put(ctx, "code", []byte("v"), 0))

	const attempts = 50
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.CompareAndDelete(ctx, "code", []byte("v"))
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one concurrent delete must win")
}

func TestMemoryStoreCompareAndSwap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestMemoryStore(t)

	require.NoError(t, s.Put(ctx, "gen", []byte("1"), 0))

	swapped, err := s.CompareAndSwap(ctx, "gen", []byte("0"), []byte("2"), 0)
	require.NoError(t, err)
	assert.False(t, swapped)

	swapped, err = s.CompareAndSwap(ctx, "gen", []byte("1"), []byte("2"), 0)
	require.NoError(t, err)
	assert.True(t, swapped)

	got, err := s.Get(ctx, "gen")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), got)

	_, err = s.CompareAndSwap(ctx, "missing", []byte("1"), []byte("2"), 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreCompareAndSwapConcurrent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestMemoryStore(t)

	require.NoError(t, s.Put(ctx, "gen", []byte("1"), 0))

	const attempts = 50
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.CompareAndSwap(ctx, "gen", []byte("1"), []byte("2"), 0)
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one concurrent swap must win")
}

func TestMemoryStoreCleanupReclaims(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore(WithCleanupInterval(10 * time.Millisecond))
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	require.NoError(t, s.Put(ctx, "k", []byte("v"), time.Millisecond))

	assert.Eventually(t, func() bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		_, ok := s.entries["k"]
		return !ok
	}, time.Second, 5*time.Millisecond)
}
