package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrKeyNotFound is returned when a key doesn't exist in the store
var ErrKeyNotFound = errors.New("key not found")

// ErrUnchanged may be returned by a MutateFunc to leave the key as it is.
// Mutate swallows it and returns nil.
var ErrUnchanged = errors.New("value unchanged")

// MutateFunc receives the current value of a key (nil when absent) and
// returns the value to store in its place. Returning a nil value deletes
// the key. Any error other than ErrUnchanged aborts the mutation and is
// returned from Mutate as is.
type MutateFunc func(current []byte) ([]byte, error)

// Store is the shared key/value substrate every node reads and writes.
// All implementations must be safe for concurrent use, and Mutate must be
// atomic with respect to every other writer of the same key, including
// writers on other nodes.
type Store interface {
	// Get retrieves a value by key
	// Returns ErrKeyNotFound if the key doesn't exist
	Get(ctx context.Context, key string) ([]byte, error)

	// Mutate performs an atomic read-modify-write of a single key
	// Creating, replacing and deleting a key all go through Mutate
	Mutate(ctx context.Context, key string, fn MutateFunc) error

	// List returns all keys starting with prefix, sorted
	List(ctx context.Context, prefix string) ([]string, error)
}

// MemoryStore implements Store with in-memory storage. It backs single-node
// deployments and tests; several Messengers sharing one MemoryStore behave
// like separate nodes sharing a redis.
type MemoryStore struct {
	mu   sync.Mutex        // Serializes every access, including Mutate callbacks
	data map[string][]byte // Key-value storage
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
	}
}

// Get retrieves a value by key
// Returns a copy of the value to prevent external modification
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	value, exists := m.data[key]
	if !exists {
		return nil, ErrKeyNotFound
	}
	return clone(value), nil
}

// Mutate runs fn while holding the store lock. fn must not call back into
// the same MemoryStore.
func (m *MemoryStore) Mutate(ctx context.Context, key string, fn MutateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var current []byte
	if value, exists := m.data[key]; exists {
		current = clone(value)
	}

	next, err := fn(current)
	if errors.Is(err, ErrUnchanged) {
		return nil
	}
	if err != nil {
		return err
	}

	if next == nil {
		delete(m.data, key)
	} else {
		m.data[key] = clone(next)
	}
	return nil
}

// List returns all keys with the given prefix in sorted order
func (m *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func clone(value []byte) []byte {
	if value == nil {
		return nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out
}
