package collab

import (
	"context"
	"encoding/json"
)

// ItemEvent reports a write to stored records, made outside the
// collaboration protocol (usually by the application saving a form).
type ItemEvent struct {
	// Action is "update" or "delete".
	Action     string                     `json:"action"`
	Collection string                     `json:"collection"`
	Keys       []string                   `json:"keys"`
	Record     map[string]json.RawMessage `json:"record,omitempty"`
}

// ApplyItemEvent reconciles every room editing the written records,
// whichever node hosts it. Members on other nodes are reached through the
// bus, so the event must be applied on one node only.
func (h *Handler) ApplyItemEvent(ctx context.Context, event ItemEvent) error {
	if event.Collection == "" || len(event.Keys) == 0 {
		return Invalid("Item event needs a collection and keys")
	}
	switch event.Action {
	case "update":
		return h.rooms.ItemSaved(ctx, event.Collection, event.Keys, event.Record)
	case "delete":
		return h.rooms.ItemDeleted(ctx, event.Collection, event.Keys)
	}
	return Invalid("Unsupported item event %q", event.Action)
}
