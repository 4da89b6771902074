// Package storagetest provides storage.Store wrappers for tests that need
// to interleave a concurrent writer at an exact point.
package storagetest

import (
	"context"
	"sync"

	"github.com/dreamware/coedit/internal/storage"
)

// Hooked wraps a MemoryStore and runs a one-shot hook right before a
// chosen Mutate of a key, outside the store lock. The hook may use the
// store freely; it plays the part of another node writing between a
// caller's decision and its write.
type Hooked struct {
	*storage.MemoryStore

	mu   sync.Mutex
	key  string
	skip int
	hook func()
}

// NewHooked wraps store.
func NewHooked(store *storage.MemoryStore) *Hooked {
	return &Hooked{MemoryStore: store}
}

// Before arms hook to run before Mutate of key, after skip earlier Mutate
// calls on that key have gone through untouched. Arming again replaces a
// pending hook.
func (h *Hooked) Before(key string, skip int, hook func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.key, h.skip, h.hook = key, skip, hook
}

// Pending reports whether the armed hook has not fired yet.
func (h *Hooked) Pending() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hook != nil
}

// Mutate implements storage.Store.
func (h *Hooked) Mutate(ctx context.Context, key string, fn storage.MutateFunc) error {
	h.mu.Lock()
	var hook func()
	if h.hook != nil && key == h.key {
		if h.skip > 0 {
			h.skip--
		} else {
			hook, h.hook = h.hook, nil
		}
	}
	h.mu.Unlock()

	if hook != nil {
		hook()
	}
	return h.MemoryStore.Mutate(ctx, key, fn)
}
