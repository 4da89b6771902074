package room

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"

	"github.com/dreamware/coedit/internal/access"
	"github.com/dreamware/coedit/internal/messenger"
	"github.com/dreamware/coedit/internal/storage"
)

var (
	// ErrClosed is returned when the room's shared record no longer exists.
	ErrClosed = errors.New("room closed")
	// ErrNotFocused is returned by UpdateField when the sender does not
	// hold the field at the time of the write.
	ErrNotFocused = errors.New("field not focused by sender")
	// ErrFocused is returned by Unset when another member holds the field.
	ErrFocused = errors.New("field focused by another member")
)

// Room is this node's handle on one collaboration session. The session
// state lives in the shared store; every mutation is a single atomic
// Store.Mutate, so handles on different nodes never diverge.
type Room struct {
	uid        string
	collection string
	item       *string
	version    *string

	messenger *messenger.Messenger
	store     storage.Store
	gate      access.PermissionGate
}

// CloseOptions controls Close.
type CloseOptions struct {
	// Force closes the room even when members remain.
	Force bool
	// Reason, when set, is sent to every member as an error message.
	Reason []byte
	// Terminate closes every member's connection.
	Terminate bool
}

// UID returns the room uid.
func (r *Room) UID() string { return r.uid }

// Collection returns the collection being edited.
func (r *Room) Collection() string { return r.collection }

// Item returns the item id, nil for singletons.
func (r *Room) Item() *string { return r.item }

// Version returns the content version, nil for the main item.
func (r *Room) Version() *string { return r.version }

// DisplayName is a human readable room name for logs.
func (r *Room) DisplayName() string {
	parts := []string{r.collection}
	if r.item != nil {
		parts = append(parts, *r.item)
	}
	if r.version != nil {
		parts = append(parts, *r.version)
	}
	return strings.Join(parts, ":")
}

func (r *Room) key() string {
	return Key(r.uid)
}

// ensure writes the initial record when none exists.
func (r *Room) ensure(ctx context.Context, seed Changes) error {
	err := r.store.Mutate(ctx, r.key(), func(current []byte) ([]byte, error) {
		if current != nil {
			return nil, storage.ErrUnchanged
		}
		return newState(r.uid, r.collection, r.item, r.version, seed).encode()
	})
	if err != nil {
		return fmt.Errorf("initialize room %s: %w", r.DisplayName(), err)
	}
	return nil
}

// mutate applies fn to the record atomically and returns the state fn
// produced. fn may return storage.ErrUnchanged to skip the write.
func (r *Room) mutate(ctx context.Context, fn func(st *state) error) (*state, error) {
	var result *state
	err := r.store.Mutate(ctx, r.key(), func(current []byte) ([]byte, error) {
		result = nil
		if current == nil {
			return nil, ErrClosed
		}
		st, err := decodeState(current)
		if err != nil {
			return nil, err
		}
		if err := fn(st); err != nil {
			if errors.Is(err, storage.ErrUnchanged) {
				result = st
			}
			return nil, err
		}
		result = st
		return st.encode()
	})
	if err != nil {
		return nil, fmt.Errorf("update room %s: %w", r.DisplayName(), err)
	}
	return result, nil
}

func (r *Room) load(ctx context.Context) (*state, error) {
	data, err := r.store.Get(ctx, r.key())
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, ErrClosed
	}
	if err != nil {
		return nil, fmt.Errorf("read room %s: %w", r.DisplayName(), err)
	}
	return decodeState(data)
}

// Members returns the current members; a closed room has none.
func (r *Room) Members(ctx context.Context) ([]Member, error) {
	st, err := r.load(ctx)
	if errors.Is(err, ErrClosed) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return st.Members, nil
}

// Changes returns the pending changes.
func (r *Room) Changes(ctx context.Context) (Changes, error) {
	st, err := r.load(ctx)
	if errors.Is(err, ErrClosed) {
		return Changes{}, nil
	}
	if err != nil {
		return nil, err
	}
	return st.Changes, nil
}

// Focuses returns the current focus map.
func (r *Room) Focuses(ctx context.Context) (Focuses, error) {
	st, err := r.load(ctx)
	if errors.Is(err, ErrClosed) {
		return NewFocuses(), nil
	}
	if err != nil {
		return Focuses{}, err
	}
	return st.Focuses, nil
}

// HasClient reports whether client is a member.
func (r *Room) HasClient(ctx context.Context, client string) (bool, error) {
	members, err := r.Members(ctx)
	if err != nil {
		return false, err
	}
	return slices.ContainsFunc(members, func(m Member) bool { return m.UID == client }), nil
}

// FocusByUser returns the field client focuses.
func (r *Room) FocusByUser(ctx context.Context, client string) (string, bool, error) {
	focuses, err := r.Focuses(ctx)
	if err != nil {
		return "", false, err
	}
	field, ok := focuses.ByClient(client)
	return field, ok, nil
}

// FocusByField returns the client focusing field.
func (r *Room) FocusByField(ctx context.Context, field string) (string, bool, error) {
	focuses, err := r.Focuses(ctx)
	if err != nil {
		return "", false, err
	}
	client, ok := focuses.ByField(field)
	return client, ok, nil
}

// Join adds conn to the room. Joining twice keeps the original member
// entry; the client still receives a fresh init event. Other members are
// told about the client only the first time. Join never recreates the
// record: a room closed since the handle was obtained returns ErrClosed.
func (r *Room) Join(ctx context.Context, conn messenger.Conn, color string) error {
	if err := r.messenger.AddClient(ctx, conn); err != nil {
		return err
	}

	acct := conn.Accountability()
	var added *Member
	st, err := r.mutate(ctx, func(st *state) error {
		added = nil
		if _, ok := st.member(conn.UID()); ok {
			return storage.ErrUnchanged
		}
		m := Member{UID: conn.UID(), Accountability: acct, Color: pickColor(st.Members, color)}
		st.Members = append(st.Members, m)
		added = &m
		return nil
	})
	if err != nil {
		return err
	}

	if added != nil {
		event := JoinEvent{Header: r.header(ActionJoin), User: acct.User, Connection: added.UID, Color: added.Color}
		for _, m := range st.Members {
			if m.UID != conn.UID() {
				r.send(ctx, m.UID, event)
			}
		}
	}

	fields := r.readable(ctx, acct)
	changes := Changes{}
	for field, value := range st.Changes {
		if fields.Allows(field) {
			changes[field] = value
		}
	}
	focuses := map[string]string{}
	for client, field := range st.Focuses.Map() {
		if fields.Allows(field) {
			focuses[client] = field
		}
	}
	users := make([]User, 0, len(st.Members))
	for _, m := range st.Members {
		users = append(users, User{User: m.Accountability.User, Connection: m.UID, Color: m.Color})
	}

	r.send(ctx, conn.UID(), InitEvent{
		Header:     r.header(ActionInit),
		Collection: r.collection,
		Item:       r.item,
		Version:    r.version,
		Changes:    changes,
		Focuses:    focuses,
		Connection: conn.UID(),
		Users:      users,
	})
	return nil
}

// Leave removes client from the room and releases its focus. It reports
// whether the client was a member; nothing is broadcast when it was not.
func (r *Room) Leave(ctx context.Context, client string) (bool, error) {
	var left bool
	var released string
	st, err := r.mutate(ctx, func(st *state) error {
		left, released = false, ""
		if !st.removeMember(client) {
			return storage.ErrUnchanged
		}
		left = true
		released, _ = st.Focuses.Assign(client, "")
		if len(st.Members) == 0 {
			st.Changes = Changes{}
		}
		return nil
	})
	if errors.Is(err, ErrClosed) {
		return false, nil
	}
	if err != nil || !left {
		return false, err
	}

	leave := LeaveEvent{Header: r.header(ActionLeave), Connection: client}
	for _, m := range st.Members {
		r.send(ctx, m.UID, leave)
	}
	if released != "" {
		r.broadcastFocus(ctx, st.Members, client, "", released)
	}
	return true, nil
}

// Focus points sender at field, or releases its focus when field is nil.
// It returns false, changing nothing, when another member holds field.
func (r *Room) Focus(ctx context.Context, sender string, field *string) (bool, error) {
	var assigned bool
	var previous string
	st, err := r.mutate(ctx, func(st *state) error {
		previous, assigned = st.Focuses.Assign(sender, deref(field))
		if !assigned {
			return storage.ErrUnchanged
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if !assigned {
		return false, nil
	}

	others := slices.DeleteFunc(slices.Clone(st.Members), func(m Member) bool { return m.UID == sender })
	r.broadcastFocus(ctx, others, sender, deref(field), previous)
	return true, nil
}

// broadcastFocus tells recipients that client moved its focus from
// previous to field (empty field: released). A recipient that cannot read
// the new field but could see the old one is told about a release.
func (r *Room) broadcastFocus(ctx context.Context, recipients []Member, client, field, previous string) {
	focus := FocusEvent{Header: r.header(ActionFocus), Connection: client, Field: &field}
	release := FocusEvent{Header: r.header(ActionFocus), Connection: client}
	for _, m := range recipients {
		readable := r.readable(ctx, m.Accountability)
		switch {
		case field != "" && readable.Allows(field):
			r.send(ctx, m.UID, focus)
		case previous == "" && field == "", previous != "" && readable.Allows(previous):
			r.send(ctx, m.UID, release)
		}
	}
}

// Update merges changes into the pending changes and sends every other
// member one update event per field it may read. Fields another member
// focuses at the time of the write are skipped.
func (r *Room) Update(ctx context.Context, sender string, changes Changes) error {
	var applied Changes
	st, err := r.mutate(ctx, func(st *state) error {
		applied = Changes{}
		for field, value := range changes {
			if holder, ok := st.Focuses.ByField(field); ok && holder != sender {
				continue
			}
			st.Changes[field] = value
			applied[field] = value
		}
		if len(applied) == 0 {
			return storage.ErrUnchanged
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.broadcastUpdate(ctx, st.Members, sender, applied)
	return nil
}

// UpdateField sets one field on behalf of sender, which must focus it at
// the time of the write. Otherwise nothing changes and ErrNotFocused is
// returned.
func (r *Room) UpdateField(ctx context.Context, sender, field string, value json.RawMessage) error {
	st, err := r.mutate(ctx, func(st *state) error {
		if focused, ok := st.Focuses.ByClient(sender); !ok || focused != field {
			return ErrNotFocused
		}
		st.Changes[field] = value
		return nil
	})
	if err != nil {
		return err
	}
	r.broadcastUpdate(ctx, st.Members, sender, Changes{field: value})
	return nil
}

func (r *Room) broadcastUpdate(ctx context.Context, members []Member, sender string, changes Changes) {
	fields := make([]string, 0, len(changes))
	for field := range changes {
		fields = append(fields, field)
	}
	slices.Sort(fields)

	for _, m := range members {
		if m.UID == sender {
			continue
		}
		readable := r.readable(ctx, m.Accountability)
		for _, field := range fields {
			if !readable.Allows(field) {
				continue
			}
			r.send(ctx, m.UID, UpdateEvent{
				Header:     r.header(ActionUpdate),
				Field:      field,
				Changes:    changes[field],
				Connection: sender,
			})
		}
	}
}

// Unset drops the pending value of field. Other members see a discard
// event rather than an update, so "cleared" differs from "set to empty".
// It fails with ErrFocused while another member holds field.
func (r *Room) Unset(ctx context.Context, sender, field string) error {
	st, err := r.mutate(ctx, func(st *state) error {
		if holder, ok := st.Focuses.ByField(field); ok && holder != sender {
			return ErrFocused
		}
		delete(st.Changes, field)
		return nil
	})
	if err != nil {
		return err
	}

	event := DiscardEvent{Header: r.header(ActionDiscard), Fields: []string{field}}
	for _, m := range st.Members {
		if m.UID == sender || !r.readable(ctx, m.Accountability).Allows(field) {
			continue
		}
		r.send(ctx, m.UID, event)
	}
	return nil
}

// Discard drops the pending values of fields, or all of them when fields
// contains "*". Every member is told which of its readable fields were
// dropped.
func (r *Room) Discard(ctx context.Context, fields []string) error {
	if len(fields) == 0 {
		return nil
	}
	all := slices.Contains(fields, "*")

	st, err := r.mutate(ctx, func(st *state) error {
		if all {
			st.Changes = Changes{}
			return nil
		}
		for _, field := range fields {
			delete(st.Changes, field)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, m := range st.Members {
		readable := r.readable(ctx, m.Accountability)
		var send []string
		if all {
			send = readable.Names()
		} else {
			for _, field := range fields {
				if readable.Allows(field) {
					send = append(send, field)
				}
			}
			slices.Sort(send)
			send = slices.Compact(send)
		}
		if send == nil {
			send = []string{}
		}
		r.send(ctx, m.UID, DiscardEvent{Header: r.header(ActionDiscard), Fields: send})
	}
	return nil
}

// Saved reconciles pending changes with a freshly saved record: values
// that match what was saved are dropped, and every member gets a save
// event. For a content version, saved holds only the version's delta and
// fields missing from it stay pending.
func (r *Room) Saved(ctx context.Context, saved map[string]json.RawMessage) error {
	st, err := r.mutate(ctx, func(st *state) error {
		for field, value := range st.Changes {
			stored, ok := saved[field]
			switch {
			case !ok && r.version == nil:
				delete(st.Changes, field)
			case ok && jsonEqual(value, stored):
				delete(st.Changes, field)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	event := r.header(ActionSave)
	for _, m := range st.Members {
		r.send(ctx, m.UID, event)
	}
	return nil
}

// Deleted tells every member the item is gone and force-closes the room.
func (r *Room) Deleted(ctx context.Context) error {
	members, err := r.Members(ctx)
	if err != nil {
		return err
	}
	event := r.header(ActionDelete)
	for _, m := range members {
		r.send(ctx, m.UID, event)
	}
	_, err = r.Close(ctx, CloseOptions{Force: true})
	return err
}

// Close deletes the room's shared record. Without Force it only succeeds
// while the room has no members, checked inside the same atomic mutation
// that deletes the record, so it cannot race a concurrent join. A closed
// room is unregistered from this node and every node drops its handle.
func (r *Room) Close(ctx context.Context, opts CloseOptions) (bool, error) {
	var members []Member
	if opts.Force {
		var err error
		if members, err = r.Members(ctx); err != nil {
			return false, err
		}
		// Local members are notified before the record goes away so they
		// cannot race a rejoin into the closing room.
		for _, m := range members {
			if r.messenger.HasClient(m.UID) {
				r.notifyClosed(ctx, m.UID, opts)
			}
		}
	}

	var closed bool
	err := r.store.Mutate(ctx, r.key(), func(current []byte) ([]byte, error) {
		closed = false
		if current == nil {
			return nil, storage.ErrUnchanged
		}
		if !opts.Force {
			st, err := decodeState(current)
			if err != nil {
				return nil, err
			}
			if len(st.Members) > 0 {
				return nil, storage.ErrUnchanged
			}
		}
		closed = true
		return nil, nil
	})
	if err != nil {
		return false, fmt.Errorf("close room %s: %w", r.DisplayName(), err)
	}

	if closed {
		if err := r.messenger.UnregisterRoom(ctx, r.uid); err != nil {
			glog.Warningf("[room] unregister %s: %v", r.DisplayName(), err)
		}
		if err := r.messenger.SendRoom(ctx, r.uid, "close"); err != nil {
			glog.Warningf("[room] announce close of %s: %v", r.DisplayName(), err)
		}
		for _, m := range members {
			if !r.messenger.HasClient(m.UID) {
				r.notifyClosed(ctx, m.UID, opts)
			}
		}
	}
	if closed || opts.Force {
		r.messenger.RemoveRoomListener(r.uid)
	}
	return closed, nil
}

func (r *Room) notifyClosed(ctx context.Context, client string, opts CloseOptions) {
	if opts.Reason != nil {
		if err := r.messenger.SendError(ctx, client, opts.Reason); err != nil {
			glog.Warningf("[room] notify %s of close: %v", client, err)
		}
	}
	if opts.Terminate {
		if err := r.messenger.TerminateClient(ctx, client); err != nil {
			glog.Warningf("[room] terminate %s: %v", client, err)
		}
	}
}

func jsonEqual(a, b json.RawMessage) bool {
	if bytes.Equal(a, b) {
		return true
	}
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}
