// Package messenger is the cluster-wide client registry and delivery layer.
//
// # Overview
//
// Every node runs one Messenger. It keeps the node's live connections in a
// local map and mirrors their uids, together with the rooms the node hosts
// and a heartbeat timestamp, into a single registry record in the shared
// store:
//
//	coedit:registry:instances -> {
//	    "<node-id>": {heartbeat, clients: [...], rooms: [...]},
//	    ...
//	}
//
// # Delivery
//
// Messages for a client connected to this node are written to the
// connection directly. Messages for any other client are published on the
// coedit:bus channel and delivered by whichever node holds the connection:
//
//	node-0                         node-1
//	SendClient("c7") ─┐
//	  local? no       │
//	                  ▼
//	            coedit:bus ───────► subscriber
//	                                  local "c7"? yes ──► conn.Send
//
// Room events (currently only "close") are broadcast the same way to every
// node's room listener.
//
// # Liveness
//
// A background loop refreshes this node's heartbeat. A node that stops
// heart-beating for longer than the instance timeout is considered dead;
// PruneDeadInstances removes it from the registry and reports its clients
// and rooms so the caller can evict them everywhere.
//
// # Concurrency Model
//
//   - The local connection and room maps are guarded by one mutex
//   - Registry writes are a single Store.Mutate of the shared record
//   - No lock is held while a connection or the bus is written to
package messenger
