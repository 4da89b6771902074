package room

import (
	"context"
	"encoding/json"

	"github.com/golang/glog"

	"github.com/dreamware/coedit/internal/access"
)

// MessageType tags every collaboration message on a shared websocket.
const MessageType = "collab"

// Server event actions.
const (
	ActionInit    = "init"
	ActionJoin    = "join"
	ActionLeave   = "leave"
	ActionUpdate  = "update"
	ActionDiscard = "discard"
	ActionFocus   = "focus"
	ActionSave    = "save"
	ActionDelete  = "delete"
	ActionError   = "error"
)

// Header starts every server event.
type Header struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	Room   string `json:"room,omitempty"`
}

// User is a member as presented to clients.
type User struct {
	User       string `json:"user"`
	Connection string `json:"connection"`
	Color      string `json:"color"`
}

// InitEvent is sent to a client when it joins.
type InitEvent struct {
	Header
	Collection string            `json:"collection"`
	Item       *string           `json:"item"`
	Version    *string           `json:"version"`
	Changes    Changes           `json:"changes"`
	Focuses    map[string]string `json:"focuses"`
	Connection string            `json:"connection"`
	Users      []User            `json:"users"`
}

// JoinEvent announces a new member.
type JoinEvent struct {
	Header
	User       string `json:"user"`
	Connection string `json:"connection"`
	Color      string `json:"color"`
}

// LeaveEvent announces a departed member.
type LeaveEvent struct {
	Header
	Connection string `json:"connection"`
}

// UpdateEvent carries one field's new pending value.
type UpdateEvent struct {
	Header
	Field      string          `json:"field"`
	Changes    json.RawMessage `json:"changes"`
	Connection string          `json:"connection"`
}

// DiscardEvent lists fields whose pending values were dropped.
type DiscardEvent struct {
	Header
	Fields []string `json:"fields"`
}

// FocusEvent announces a focus change; a nil Field is a release.
type FocusEvent struct {
	Header
	Connection string  `json:"connection"`
	Field      *string `json:"field"`
}

func (r *Room) header(action string) Header {
	return Header{Type: MessageType, Action: action, Room: r.uid}
}

// send delivers event to client. Delivery failures are logged, not
// returned: one unreachable member must not fail the sender's request.
func (r *Room) send(ctx context.Context, client string, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		glog.Errorf("[room] encode event for %s: %v", client, err)
		return
	}
	if err := r.messenger.SendClient(ctx, client, payload); err != nil {
		glog.Warningf("[room] send to %s in %s: %v", client, r.DisplayName(), err)
	}
}

// readable resolves the fields acct may read in this room's collection.
// A failed lookup is treated as no access.
func (r *Room) readable(ctx context.Context, acct access.Accountability) access.FieldSet {
	fields, err := r.gate.AllowedFields(ctx, acct, r.collection, access.ActionRead)
	if err != nil {
		glog.Warningf("[room] resolve read fields for %s: %v", acct.User, err)
		return access.Fields()
	}
	return fields
}
