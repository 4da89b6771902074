// Package collab executes the realtime collaboration protocol.
//
// # Overview
//
// Clients send JSON messages tagged {"type":"collab","action":...} over
// their connection. Handler parses each one into a Message, checks it
// against the caller's permissions and runs the matching room operation:
//
//	join       enter the room of (collection, item, version)
//	leave      leave one room, or every room
//	update     set or clear one field, focusing it first if needed
//	updateAll  set several fields, skipping fields others focus
//	focus      claim or release the exclusive edit focus on a field
//	discard    drop every pending change the client may edit
//
// # Request Flow
//
//	transport ──► HandleMessage ──► Parse ──► Dispatch ──► Join/Update/...
//	                                  │                         │
//	                                  ▼                         ▼
//	                            error reply              room.Room (store)
//	                                                            │
//	                                                            ▼
//	                                                 messenger ──► members
//
// Permission and schema checks read the PermissionGate and DataLayer
// before the room is touched. Focus rules are enforced by the room inside
// the write itself, so a check and the write it guards cannot be split by
// another node:
//
//   - update of an unfocused field focuses it first; if another member
//     wins the field the update fails
//   - update with no changes key clears the field unless another member
//     focuses it
//   - updateAll drops fields another member focuses at write time
//
// # Errors
//
// Every failure becomes a private error reply to the sender:
//
//	{"type":"collab","action":"error","context":"update",
//	 "error":{"code":"INVALID_PAYLOAD","reason":"..."}}
//
// Errors other than *Error are logged and reported with a generic reason.
//
// # Record Events
//
// ApplyItemEvent reconciles rooms with writes made outside collaboration.
// A saved record drops pending changes that match it and tells members;
// a deleted record closes its rooms on every node.
//
// # Cleanup
//
// Handler runs two loops once started:
//
// Cluster cleanup (one node per interval, via the scheduler lease):
//   - Prunes nodes that stopped heart-beating
//   - Removes their clients from their rooms and closes rooms left empty
//
// Local cleanup (every node):
//   - Evicts members no longer in the registry
//   - Closes local rooms without members
//
// Disabling collaboration rejects new joins. Every local room is
// force-closed and its members get the reason before being disconnected.
package collab
