package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// set overwrites key with value.
func set(t *testing.T, store Store, key string, value []byte) {
	t.Helper()
	require.NoError(t, store.Mutate(context.Background(), key, func([]byte) ([]byte, error) {
		return value, nil
	}))
}

// TestMemoryStore tests the in-memory store implementation
func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("new store is empty", func(t *testing.T) {
		store := NewMemoryStore()

		keys, err := store.List(ctx, "")
		require.NoError(t, err)
		assert.Empty(t, keys)

		_, err = store.Get(ctx, "nonexistent")
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})

	t.Run("set and get values", func(t *testing.T) {
		store := NewMemoryStore()

		set(t, store, "key1", []byte("value1"))

		value, err := store.Get(ctx, "key1")
		require.NoError(t, err)
		assert.Equal(t, []byte("value1"), value)
	})

	t.Run("returned values are copies", func(t *testing.T) {
		store := NewMemoryStore()
		original := []byte("value1")
		set(t, store, "key1", original)
		original[0] = 'X'

		value, err := store.Get(ctx, "key1")
		require.NoError(t, err)
		value[1] = 'Y'

		again, err := store.Get(ctx, "key1")
		require.NoError(t, err)
		assert.Equal(t, []byte("value1"), again)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		store := NewMemoryStore()
		set(t, store, "key1", []byte("value1"))

		del := func([]byte) ([]byte, error) { return nil, nil }
		require.NoError(t, store.Mutate(ctx, "key1", del))
		require.NoError(t, store.Mutate(ctx, "key1", del))

		_, err := store.Get(ctx, "key1")
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})

	t.Run("list filters by prefix and sorts", func(t *testing.T) {
		store := NewMemoryStore()
		for _, key := range []string{"room:b", "room:a", "registry", "room:c"} {
			set(t, store, key, []byte("x"))
		}

		keys, err := store.List(ctx, "room:")
		require.NoError(t, err)
		assert.Equal(t, []string{"room:a", "room:b", "room:c"}, keys)
	})
}

// TestMemoryStoreMutate tests the atomic read-modify-write contract
func TestMemoryStoreMutate(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		initial   []byte
		fn        MutateFunc
		wantValue []byte
		wantErr   error
	}{
		{
			name: "creates absent key",
			fn: func(current []byte) ([]byte, error) {
				if current != nil {
					return nil, fmt.Errorf("expected nil current, got %q", current)
				}
				return []byte("created"), nil
			},
			wantValue: []byte("created"),
		},
		{
			name:    "replaces existing value",
			initial: []byte("old"),
			fn: func(current []byte) ([]byte, error) {
				return append(current, []byte("-new")...), nil
			},
			wantValue: []byte("old-new"),
		},
		{
			name:    "nil result deletes",
			initial: []byte("old"),
			fn:      func([]byte) ([]byte, error) { return nil, nil },
		},
		{
			name:      "unchanged leaves value",
			initial:   []byte("old"),
			fn:        func([]byte) ([]byte, error) { return nil, ErrUnchanged },
			wantValue: []byte("old"),
		},
		{
			name:    "callback error aborts",
			initial: []byte("old"),
			fn: func([]byte) ([]byte, error) {
				return []byte("never"), errRejected
			},
			wantValue: []byte("old"),
			wantErr:   errRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore()
			if tt.initial != nil {
				set(t, store, "key", tt.initial)
			}

			err := store.Mutate(ctx, "key", tt.fn)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}

			value, getErr := store.Get(ctx, "key")
			if tt.wantValue == nil {
				assert.ErrorIs(t, getErr, ErrKeyNotFound)
				return
			}
			require.NoError(t, getErr)
			assert.True(t, bytes.Equal(tt.wantValue, value), "value = %q, want %q", value, tt.wantValue)
		})
	}

	t.Run("canceled context", func(t *testing.T) {
		store := NewMemoryStore()
		canceled, cancel := context.WithCancel(ctx)
		cancel()

		called := false
		err := store.Mutate(canceled, "key", func([]byte) ([]byte, error) {
			called = true
			return []byte("x"), nil
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, called)
	})
}

var errRejected = errors.New("rejected")

// TestMemoryStoreConcurrency tests that concurrent mutations never lose updates
func TestMemoryStoreConcurrency(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	numGoroutines := 50
	numOps := 100

	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < numOps; j++ {
				err := store.Mutate(ctx, "counter", func(current []byte) ([]byte, error) {
					n := 0
					if current != nil {
						var err error
						if n, err = strconv.Atoi(string(current)); err != nil {
							return nil, err
						}
					}
					return []byte(strconv.Itoa(n + 1)), nil
				})
				if err != nil {
					t.Errorf("mutate failed: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	value, err := store.Get(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(numGoroutines*numOps), string(value))
}

// TestStoreInterface verifies implementations satisfy Store
func TestStoreInterface(t *testing.T) {
	var _ Store = NewMemoryStore()
	var _ Store = (*RedisStore)(nil)
}
