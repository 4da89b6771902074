// Package storage provides the shared key/value substrate that coedit nodes
// use to agree on room membership, field focus and the instance registry.
//
// # Overview
//
// No single node owns a room. Every node that hosts a member of a room reads
// and writes the same record, so every write goes through one primitive: an
// atomic read-modify-write (Mutate). Every contended decision in the system,
// such as two clients racing for the same field or a close racing a join, is
// a single Mutate call whose callback re-checks the current value before
// producing the next one.
//
//	┌──────────┐   ┌──────────┐   ┌──────────┐
//	│  Node A  │   │  Node B  │   │  Node C  │
//	└────┬─────┘   └────┬─────┘   └────┬─────┘
//	     │ Mutate       │ Mutate       │ Get
//	     ▼              ▼              ▼
//	┌─────────────────────────────────────────┐
//	│        Store (redis or in-memory)        │
//	│  coedit:room:<uid>                       │
//	│  coedit:registry:instances               │
//	│  coedit:lease:<job>                      │
//	└─────────────────────────────────────────┘
//
// # Implementations
//
// MemoryStore: a single mutex around a map. Mutate callbacks run under the
// lock. Used for single-node deployments and for tests, where several
// Messengers sharing one MemoryStore stand in for a cluster.
//
// RedisStore: WATCH/MULTI/EXEC optimistic transactions with bounded retry.
// List uses SCAN so it never blocks the server.
//
// # Mutate contract
//
// The callback receives a copy of the current value (nil when absent) and
// returns the replacement. A nil replacement deletes the key. Returning
// ErrUnchanged skips the write. Any other error aborts and is returned to
// the caller unchanged, so callers can use their own sentinel errors to
// report "rejected" outcomes from inside the critical section. Callbacks
// may run more than once under RedisStore and must not have side effects.
package storage
