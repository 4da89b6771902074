package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"github.com/dreamware/coedit/internal/messenger"
	"github.com/dreamware/coedit/internal/room"
)

// Action tags an inbound message.
type Action string

const (
	ActionJoin      Action = "join"
	ActionLeave     Action = "leave"
	ActionUpdate    Action = "update"
	ActionUpdateAll Action = "updateAll"
	ActionFocus     Action = "focus"
	ActionDiscard   Action = "discard"
)

// Message is one parsed inbound message. The set of messages is closed:
// dispatch is unexported, and each message routes itself to its Handler
// method.
type Message interface {
	Action() Action
	dispatch(ctx context.Context, h *Handler, c messenger.Conn) error
}

// messageTypes lists every message kind by its action tag.
var messageTypes = map[Action]func() Message{
	ActionJoin:      func() Message { return &JoinMessage{} },
	ActionLeave:     func() Message { return &LeaveMessage{} },
	ActionUpdate:    func() Message { return &UpdateMessage{} },
	ActionUpdateAll: func() Message { return &UpdateAllMessage{} },
	ActionFocus:     func() Message { return &FocusMessage{} },
	ActionDiscard:   func() Message { return &DiscardMessage{} },
}

// ItemID is a primary key sent either as a JSON string or number.
type ItemID string

// UnmarshalJSON accepts strings and numbers.
func (id *ItemID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ItemID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return errors.New("item must be a string or a number")
	}
	*id = ItemID(n.String())
	return nil
}

// JoinMessage asks to join the room of an item.
type JoinMessage struct {
	Collection     string       `json:"collection"`
	Item           *ItemID      `json:"item"`
	Version        *string      `json:"version"`
	InitialChanges room.Changes `json:"initialChanges"`
	Color          string       `json:"color"`
}

func (m *JoinMessage) Action() Action { return ActionJoin }

func (m *JoinMessage) validate() error {
	if m.Collection == "" {
		return errors.New("collection is required")
	}
	return nil
}

func (m *JoinMessage) dispatch(ctx context.Context, h *Handler, c messenger.Conn) error {
	return h.Join(ctx, c, m)
}

// LeaveMessage leaves one room, or every room when Room is empty.
type LeaveMessage struct {
	Room string `json:"room"`
}

func (m *LeaveMessage) Action() Action { return ActionLeave }

func (m *LeaveMessage) validate() error { return nil }

func (m *LeaveMessage) dispatch(ctx context.Context, h *Handler, c messenger.Conn) error {
	return h.Leave(ctx, c, m)
}

// UpdateMessage sets one field. A nil Changes (the key was absent) clears
// the field's pending value; JSON null sets it to null.
type UpdateMessage struct {
	Room    string          `json:"room"`
	Field   string          `json:"field"`
	Changes json.RawMessage `json:"changes"`
}

func (m *UpdateMessage) Action() Action { return ActionUpdate }

func (m *UpdateMessage) validate() error {
	if err := requireRoom(m.Room); err != nil {
		return err
	}
	if m.Field == "" {
		return errors.New("field is required")
	}
	return nil
}

func (m *UpdateMessage) dispatch(ctx context.Context, h *Handler, c messenger.Conn) error {
	return h.Update(ctx, c, m)
}

// UpdateAllMessage sets several fields at once.
type UpdateAllMessage struct {
	Room    string       `json:"room"`
	Changes room.Changes `json:"changes"`
}

func (m *UpdateAllMessage) Action() Action { return ActionUpdateAll }

func (m *UpdateAllMessage) validate() error {
	return requireRoom(m.Room)
}

func (m *UpdateAllMessage) dispatch(ctx context.Context, h *Handler, c messenger.Conn) error {
	return h.UpdateAll(ctx, c, m)
}

// FocusMessage focuses a field, or releases focus when Field is nil.
type FocusMessage struct {
	Room  string  `json:"room"`
	Field *string `json:"field"`
}

func (m *FocusMessage) Action() Action { return ActionFocus }

func (m *FocusMessage) validate() error {
	return requireRoom(m.Room)
}

func (m *FocusMessage) dispatch(ctx context.Context, h *Handler, c messenger.Conn) error {
	return h.Focus(ctx, c, m)
}

// DiscardMessage drops every pending change the sender may edit.
type DiscardMessage struct {
	Room string `json:"room"`
}

func (m *DiscardMessage) Action() Action { return ActionDiscard }

func (m *DiscardMessage) validate() error {
	return requireRoom(m.Room)
}

func (m *DiscardMessage) dispatch(ctx context.Context, h *Handler, c messenger.Conn) error {
	return h.Discard(ctx, c, m)
}

func requireRoom(uid string) error {
	if uid == "" {
		return errors.New("room is required")
	}
	return nil
}

type envelope struct {
	Type   string `json:"type"`
	Action Action `json:"action"`
}

// peekAction returns the action tag of a raw message, if it has one.
func peekAction(data []byte) Action {
	var env envelope
	_ = json.Unmarshal(data, &env)
	return env.Action
}

// Parse decodes a raw inbound message. Every failure is an *Error.
func Parse(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, Invalid("Couldn't parse payload. %v", err)
	}
	if env.Type != room.MessageType {
		return nil, Invalid("Couldn't parse payload. type must be %q", room.MessageType)
	}
	newMessage, ok := messageTypes[env.Action]
	if !ok {
		return nil, Invalid("Couldn't parse payload. unknown action %q", env.Action)
	}

	msg := newMessage()
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, Invalid("Couldn't parse payload. %v", err)
	}
	if v, ok := msg.(interface{ validate() error }); ok {
		if err := v.validate(); err != nil {
			return nil, Invalid("Couldn't parse payload. %v", err)
		}
	}
	return msg, nil
}
