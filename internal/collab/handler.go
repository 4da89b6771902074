package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/coedit/internal/access"
	"github.com/dreamware/coedit/internal/messenger"
	"github.com/dreamware/coedit/internal/room"
	"github.com/dreamware/coedit/internal/scheduler"
)

// Options configures a Handler.
type Options struct {
	// Enabled is the initial state of the collaboration switch.
	Enabled bool
	// ClusterCleanupInterval is how often one node prunes dead nodes.
	ClusterCleanupInterval time.Duration
	// LocalCleanupInterval is how often every node reconciles its rooms
	// against the registry.
	LocalCleanupInterval time.Duration
}

// Handler executes collaboration messages for the connections of one
// node. It is constructed once per process and shared by every
// connection.
type Handler struct {
	messenger *messenger.Messenger
	rooms     *room.Manager
	gate      access.PermissionGate
	data      access.DataLayer
	scheduler *scheduler.Scheduler

	enabled         atomic.Bool
	clusterInterval time.Duration
	localInterval   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Handler.
func New(m *messenger.Messenger, rooms *room.Manager, gate access.PermissionGate, data access.DataLayer, sched *scheduler.Scheduler, opts Options) *Handler {
	if opts.ClusterCleanupInterval <= 0 {
		opts.ClusterCleanupInterval = time.Minute
	}
	if opts.LocalCleanupInterval <= 0 {
		opts.LocalCleanupInterval = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		messenger:       m,
		rooms:           rooms,
		gate:            gate,
		data:            data,
		scheduler:       sched,
		clusterInterval: opts.ClusterCleanupInterval,
		localInterval:   opts.LocalCleanupInterval,
		ctx:             ctx,
		cancel:          cancel,
	}
	h.enabled.Store(opts.Enabled)
	return h
}

// Enabled reports whether collaboration is switched on.
func (h *Handler) Enabled() bool {
	return h.enabled.Load()
}

// SetEnabled flips the collaboration switch. Switching it off closes every
// local room and terminates its members' connections.
func (h *Handler) SetEnabled(ctx context.Context, enabled bool) error {
	if was := h.enabled.Swap(enabled); !was || enabled {
		return nil
	}
	glog.Infof("[collab] collaborative editing disabled on %s", h.messenger.UID())
	return h.rooms.TerminateAll(ctx, encodeError("", disabledError()))
}

func disabledError() *Error {
	return Invalid("Collaborative editing is disabled")
}

// OnConnect registers a freshly authenticated connection.
func (h *Handler) OnConnect(ctx context.Context, c messenger.Conn) error {
	return h.messenger.AddClient(ctx, c)
}

// OnClose removes a dropped connection from every room and from the
// registry.
func (h *Handler) OnClose(ctx context.Context, c messenger.Conn) {
	h.leaveAll(ctx, c.UID())
	if err := h.messenger.RemoveClient(ctx, c.UID()); err != nil {
		glog.Warningf("[collab] unregister %s: %v", c.UID(), err)
	}
}

// HandleMessage executes one raw message from c. Failures are answered
// with a private error reply; nothing is returned to the transport.
func (h *Handler) HandleMessage(ctx context.Context, c messenger.Conn, data []byte) {
	if !h.Enabled() {
		h.reply(ctx, c, peekAction(data), disabledError())
		if err := h.messenger.TerminateClient(ctx, c.UID()); err != nil {
			glog.Warningf("[collab] terminate %s: %v", c.UID(), err)
		}
		return
	}

	msg, err := Parse(data)
	if err != nil {
		h.reply(ctx, c, peekAction(data), err)
		return
	}

	glog.V(2).Infof("[collab] %s from %s", msg.Action(), c.UID())
	if err := h.Dispatch(ctx, c, msg); err != nil {
		h.reply(ctx, c, msg.Action(), err)
	}
}

// Dispatch runs msg's handler, converting a panic into an error.
func (h *Handler) Dispatch(ctx context.Context, c messenger.Conn, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s handler: %v", msg.Action(), r)
		}
	}()
	return msg.dispatch(ctx, h, c)
}

func (h *Handler) reply(ctx context.Context, c messenger.Conn, action Action, err error) {
	var e *Error
	if !errors.As(err, &e) {
		glog.Errorf("[collab] %s from %s failed: %v", action, c.UID(), err)
		e = &Error{Reason: unexpectedReason}
	}
	if sendErr := h.messenger.SendError(ctx, c.UID(), encodeError(action, e)); sendErr != nil {
		glog.Warningf("[collab] reply to %s: %v", c.UID(), sendErr)
	}
}

// Join adds c to the room of the requested item.
func (h *Handler) Join(ctx context.Context, c messenger.Conn, msg *JoinMessage) error {
	acct := c.Accountability()
	if acct.IsShare() {
		return Invalid("Collaboration is not supported for shares")
	}
	if err := h.messenger.AddClient(ctx, c); err != nil {
		return err
	}

	collections, err := h.gate.AllowedCollections(ctx, acct, access.ActionRead)
	if err != nil {
		return err
	}
	if !slices.Contains(collections, msg.Collection) {
		return Invalid("No permission to access collection %s", msg.Collection)
	}

	schema, err := h.data.Schema(ctx)
	if err != nil {
		return err
	}
	collection, _ := schema.Collection(msg.Collection)

	var item *string
	if !collection.Singleton {
		if msg.Item == nil || *msg.Item == "" {
			return Invalid("Item id has to be provided for non singleton collections")
		}
		id := string(*msg.Item)
		item = &id
	}

	if item != nil {
		err = h.data.ReadOne(ctx, acct, msg.Collection, *item)
	} else {
		err = h.data.ReadSingleton(ctx, acct, msg.Collection)
	}
	if err != nil {
		return h.noItemAccess(msg.Collection, err)
	}
	if msg.Version != nil {
		if err := h.data.ReadOne(ctx, acct, access.VersionCollection, *msg.Version); err != nil {
			return h.noItemAccess(access.VersionCollection, err)
		}
	}

	if len(msg.InitialChanges) > 0 {
		allowed, err := h.editableFields(ctx, acct, msg.Collection)
		if err != nil {
			return err
		}
		for _, field := range sortedKeys(msg.InitialChanges) {
			if !allowed.Allows(field) || !schema.HasField(msg.Collection, field) {
				return Invalid("No permission to update field %s or field does not exist", field)
			}
		}
	}

	_, err = h.rooms.Join(ctx, msg.Collection, item, msg.Version, msg.InitialChanges, c, msg.Color)
	return err
}

// noItemAccess collapses every read failure into one reason so clients
// cannot tell a missing item from a forbidden one.
func (h *Handler) noItemAccess(collection string, err error) error {
	if !errors.Is(err, access.ErrForbidden) && !errors.Is(err, access.ErrNotFound) {
		glog.Warningf("[collab] read check on %s failed: %v", collection, err)
	}
	return Invalid("No permission to access item or it does not exist")
}

// Leave removes c from one room, or from all of its rooms.
func (h *Handler) Leave(ctx context.Context, c messenger.Conn, msg *LeaveMessage) error {
	if msg.Room == "" {
		h.leaveAll(ctx, c.UID())
		return nil
	}

	r, err := h.rooms.Get(ctx, msg.Room)
	if err != nil {
		return err
	}
	if r == nil {
		return Invalid("No access to room %s or it does not exist", msg.Room)
	}
	member, err := r.HasClient(ctx, c.UID())
	if err != nil {
		return err
	}
	if !member {
		return Invalid("No access to room %s or it does not exist", msg.Room)
	}
	_, err = r.Leave(ctx, c.UID())
	return err
}

// leaveAll removes client from every local room. Failures are logged; a
// client can always leave.
func (h *Handler) leaveAll(ctx context.Context, client string) {
	rooms, err := h.rooms.ClientRooms(ctx, client)
	if err != nil {
		glog.Warningf("[collab] list rooms of %s: %v", client, err)
		return
	}
	for _, r := range rooms {
		if _, err := r.Leave(ctx, client); err != nil {
			glog.Warningf("[collab] %s leaving %s: %v", client, r.DisplayName(), err)
		}
	}
}

// Update sets or clears one field.
func (h *Handler) Update(ctx context.Context, c messenger.Conn, msg *UpdateMessage) error {
	r, err := h.member(ctx, c, msg.Room)
	if err != nil {
		return err
	}
	if err := h.checkField(ctx, c, r, msg.Field, "update"); err != nil {
		return err
	}

	if msg.Changes == nil {
		err := r.Unset(ctx, c.UID(), msg.Field)
		if errors.Is(err, room.ErrFocused) {
			return Invalid("Field %s is already focused by another user", msg.Field)
		}
		return err
	}

	_, focused, err := r.FocusByUser(ctx, c.UID())
	if err != nil {
		return err
	}
	if !focused {
		// Losing the field to a concurrent focus surfaces below.
		if _, err := r.Focus(ctx, c.UID(), &msg.Field); err != nil {
			return err
		}
	}
	err = r.UpdateField(ctx, c.UID(), msg.Field, msg.Changes)
	if errors.Is(err, room.ErrNotFocused) {
		return Invalid("Cannot update field %s without focusing on it first", msg.Field)
	}
	return err
}

// UpdateAll sets several fields. Fields focused by another member are
// skipped silently, unlike Update: their focuser's edit wins.
func (h *Handler) UpdateAll(ctx context.Context, c messenger.Conn, msg *UpdateAllMessage) error {
	if len(msg.Changes) == 0 {
		return nil
	}
	r, err := h.member(ctx, c, msg.Room)
	if err != nil {
		return err
	}

	allowed, err := h.editableFields(ctx, c.Accountability(), r.Collection())
	if err != nil {
		return err
	}
	schema, err := h.data.Schema(ctx)
	if err != nil {
		return err
	}
	for _, field := range sortedKeys(msg.Changes) {
		if !allowed.Allows(field) || !schema.HasField(r.Collection(), field) {
			return Invalid("No permission to update field %s or field does not exist", field)
		}
	}

	return r.Update(ctx, c.UID(), msg.Changes)
}

// Focus focuses or releases a field.
func (h *Handler) Focus(ctx context.Context, c messenger.Conn, msg *FocusMessage) error {
	r, err := h.member(ctx, c, msg.Room)
	if err != nil {
		return err
	}
	if msg.Field == nil || *msg.Field == "" {
		_, err := r.Focus(ctx, c.UID(), nil)
		return err
	}
	if err := h.checkField(ctx, c, r, *msg.Field, "focus on"); err != nil {
		return err
	}
	ok, err := r.Focus(ctx, c.UID(), msg.Field)
	if err != nil {
		return err
	}
	if !ok {
		return Invalid("Field %s is already focused by another user", *msg.Field)
	}
	return nil
}

// Discard drops every pending change c may edit.
func (h *Handler) Discard(ctx context.Context, c messenger.Conn, msg *DiscardMessage) error {
	r, err := h.member(ctx, c, msg.Room)
	if err != nil {
		return err
	}
	allowed, err := h.editableFields(ctx, c.Accountability(), r.Collection())
	if err != nil {
		return err
	}
	if allowed.Empty() {
		return Invalid("No permission to discard fields or item does not exist")
	}
	return r.Discard(ctx, allowed.Names())
}

// member returns room uid when it exists and c is in it.
func (h *Handler) member(ctx context.Context, c messenger.Conn, uid string) (*room.Room, error) {
	r, err := h.rooms.Get(ctx, uid)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, Invalid("No access to room %s or room does not exist", uid)
	}
	ok, err := r.HasClient(ctx, c.UID())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, Invalid("Not connected to room %s", uid)
	}
	return r, nil
}

// checkField requires field to exist and be both readable and updatable.
func (h *Handler) checkField(ctx context.Context, c messenger.Conn, r *room.Room, field, verb string) error {
	allowed, err := h.editableFields(ctx, c.Accountability(), r.Collection())
	if err != nil {
		return err
	}
	schema, err := h.data.Schema(ctx)
	if err != nil {
		return err
	}
	if !allowed.Allows(field) || !schema.HasField(r.Collection(), field) {
		return Invalid("No permission to %s field %s or field does not exist", verb, field)
	}
	return nil
}

// editableFields resolves the fields acct may both read and update.
func (h *Handler) editableFields(ctx context.Context, acct access.Accountability, collection string) (access.FieldSet, error) {
	var read, update access.FieldSet
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		read, err = h.gate.AllowedFields(gctx, acct, collection, access.ActionRead)
		return err
	})
	g.Go(func() error {
		var err error
		update, err = h.gate.AllowedFields(gctx, acct, collection, access.ActionUpdate)
		return err
	})
	if err := g.Wait(); err != nil {
		return access.FieldSet{}, fmt.Errorf("resolve fields of %s: %w", collection, err)
	}
	return read.Intersect(update), nil
}

func sortedKeys(changes room.Changes) []string {
	keys := make([]string, 0, len(changes))
	for k := range changes {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
