// Package room implements collaboration rooms and the per-node manager
// that hands them out.
//
// # Overview
//
// A room is one editing session on one record: a collection, an optional
// item id (singletons have none) and an optional content version. Its uid
// is blake3(collection-item-version), so every node derives the same uid
// for the same record without talking to the others.
//
// # Architecture
//
// The room's state is a single CBOR record in the shared store. A Room
// value holds no state of its own; it is a node-local handle on that
// record, and handles on different nodes always see the same members,
// focuses and pending changes:
//
//	┌──────────────┐        ┌──────────────┐
//	│   node-0     │        │   node-1     │
//	│ Manager      │        │ Manager      │
//	│  └─ *Room ───┼──┐  ┌──┼── *Room      │
//	└──────────────┘  │  │  └──────────────┘
//	                  ▼  ▼
//	     coedit:room:<uid>  (CBOR state)
//	       members  [{uid, accountability, color}]
//	       focuses  {client: field}
//	       changes  {field: json}
//
// # State Changes
//
// Every operation that changes the record is one Store.Mutate. Checks that
// decide whether a write is allowed run inside the same mutation, against
// the state being replaced:
//
//   - Join adds the member only if it is not one already, and fails with
//     ErrClosed when the record is gone instead of recreating it
//   - Focus refuses a field another member holds
//   - Update skips fields another member focuses
//   - UpdateField requires the sender's focus on the field (ErrNotFocused)
//   - Unset refuses a field another member focuses (ErrFocused)
//   - Close without Force deletes the record only while it has no members
//
// Events are sent after the mutation commits, built from the state it
// produced, so a recipient never hears about a write that lost a race.
//
// # Events
//
// Outbound events are JSON objects tagged {"type":"collab","room":uid}.
// Each recipient only receives updates, discards and focus changes for
// fields it may read. A recipient that loses sight of a focused field is
// told about a release instead.
//
// # Manager
//
// Manager keeps this node's handles. GetOrCreate creates the record on
// first use and registers the room with the messenger; Join retries when
// a room is closed between lookup and join, so the client always ends up
// in a live, registered room. A "close" room event from any node drops
// the local handle.
//
// # Usage Example
//
//	mgr := room.NewManager(m, store, gate)
//	r, err := mgr.Join(ctx, "articles", &item, nil, nil, conn, "")
//	if err != nil {
//	    return err
//	}
//	ok, err := r.Focus(ctx, conn.UID(), &field)
//	if err == nil && ok {
//	    err = r.UpdateField(ctx, conn.UID(), field, json.RawMessage(`"draft"`))
//	}
package room
