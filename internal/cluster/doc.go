// Package cluster provides the node-to-node plumbing coedit runs on: node
// identity, the broadcast bus, and small JSON-over-HTTP helpers for talking
// to upstream services.
//
// # Overview
//
// There is no coordinator process. Every node is equal; they meet through a
// shared redis (or, in a single process, through MemoryBus) and each node
// derives room identities on its own. The bus carries two kinds of traffic:
//
//   - client-addressed messages, for members connected to another node
//   - room events, such as "room closed", that every node hosting a local
//     copy of the room must observe
//
// # Topology
//
//	┌──────────┐        ┌──────────┐        ┌──────────┐
//	│  Node A  │        │  Node B  │        │  Node C  │
//	│ clients  │        │ clients  │        │ clients  │
//	└────┬─────┘        └────┬─────┘        └────┬─────┘
//	     │   PUBLISH/SUBSCRIBE coedit:bus        │
//	     └──────────────┬────┴───────────────────┘
//	                    ▼
//	             ┌─────────────┐
//	             │    redis    │
//	             └─────────────┘
//
// # Delivery guarantees
//
// MemoryBus delivers synchronously and in order; Publish returns after every
// handler has run. RedisBus inherits redis pub/sub semantics: at-most-once,
// ordered per publisher connection, no replay for late subscribers. Nothing
// in coedit depends on replay; a node that misses events reconciles through
// the periodic cleanup loops.
//
// # HTTP helpers
//
// PostJSON and GetJSON wrap a shared http.Client with a 5 second timeout.
// Non-2xx answers come back as *StatusError so callers can map 403/404 to
// their own sentinels.
package cluster
