package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"

	"github.com/dreamware/coedit/internal/access"
	"github.com/dreamware/coedit/internal/messenger"
	"github.com/dreamware/coedit/internal/storage"
)

// Manager holds this node's room handles.
// Thread-safe: All methods are safe for concurrent access. No method holds
// the manager lock while talking to the store or the bus.
type Manager struct {
	messenger *messenger.Messenger
	store     storage.Store
	gate      access.PermissionGate

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewManager creates an empty manager.
func NewManager(m *messenger.Messenger, store storage.Store, gate access.PermissionGate) *Manager {
	return &Manager{
		messenger: m,
		store:     store,
		gate:      gate,
		rooms:     make(map[string]*Room),
	}
}

func (mgr *Manager) newRoom(uid, collection string, item, version *string) *Room {
	return &Room{
		uid:        uid,
		collection: collection,
		item:       item,
		version:    version,
		messenger:  mgr.messenger,
		store:      mgr.store,
		gate:       mgr.gate,
	}
}

// GetOrCreate returns the room for an item, creating its shared record
// with seed when no node has created it yet.
func (mgr *Manager) GetOrCreate(ctx context.Context, collection string, item, version *string, seed Changes) (*Room, error) {
	uid := UID(collection, item, version)

	mgr.mu.Lock()
	r, exists := mgr.rooms[uid]
	if !exists {
		r = mgr.newRoom(uid, collection, item, version)
		mgr.rooms[uid] = r
	}
	mgr.mu.Unlock()

	if !exists {
		if err := r.ensure(ctx, seed); err != nil {
			mgr.Remove(uid)
			return nil, err
		}
		if err := mgr.messenger.RegisterRoom(ctx, uid); err != nil {
			mgr.Remove(uid)
			return nil, err
		}
	}
	mgr.listen(uid)
	return r, nil
}

// joinAttempts bounds how often Join recreates a room closed under it.
const joinAttempts = 3

// Join adds conn to the room for an item, creating the room with seed when
// needed. A room closed between lookup and join is dropped and looked up
// again, so the client lands in a live room that this node has registered.
func (mgr *Manager) Join(ctx context.Context, collection string, item, version *string, seed Changes, conn messenger.Conn, color string) (*Room, error) {
	var err error
	for i := 0; i < joinAttempts; i++ {
		var r *Room
		if r, err = mgr.GetOrCreate(ctx, collection, item, version, seed); err != nil {
			return nil, err
		}
		err = r.Join(ctx, conn, color)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, ErrClosed) {
			return nil, err
		}
		glog.V(1).Infof("[room] %s closed before %s joined, retrying", r.DisplayName(), conn.UID())
		mgr.drop(r)
	}
	return nil, err
}

// drop removes r's handle unless it was already replaced.
func (mgr *Manager) drop(r *Room) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if mgr.rooms[r.uid] == r {
		delete(mgr.rooms, r.uid)
	}
}

// listen drops the local handle when any node closes the room.
func (mgr *Manager) listen(uid string) {
	mgr.messenger.SetRoomListener(uid, func(event messenger.RoomEvent) {
		if event.Action != "close" {
			return
		}
		mgr.Remove(uid)
		mgr.messenger.RemoveRoomListener(uid)
		if err := mgr.messenger.UnregisterRoom(context.Background(), uid); err != nil {
			glog.Warningf("[room] unregister closed room %s: %v", uid, err)
		}
	})
}

// Get returns the room uid. A room created on another node is loaded from
// the shared store and kept locally. Get returns nil when the room does
// not exist anywhere.
func (mgr *Manager) Get(ctx context.Context, uid string) (*Room, error) {
	mgr.mu.Lock()
	r, ok := mgr.rooms[uid]
	mgr.mu.Unlock()
	if ok {
		return r, nil
	}

	data, err := mgr.store.Get(ctx, Key(uid))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", uid, err)
	}
	st, err := decodeState(data)
	if err != nil {
		return nil, err
	}

	mgr.mu.Lock()
	if existing, ok := mgr.rooms[uid]; ok {
		r = existing
	} else {
		r = mgr.newRoom(uid, st.Collection, st.Item, st.Version)
		mgr.rooms[uid] = r
	}
	mgr.mu.Unlock()

	mgr.listen(uid)
	return r, nil
}

// Remove drops the local handle of room uid. The shared record is left
// alone; Room.Close removes it.
func (mgr *Manager) Remove(uid string) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	delete(mgr.rooms, uid)
}

// Rooms returns every local room handle.
func (mgr *Manager) Rooms() []*Room {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	out := make([]*Room, 0, len(mgr.rooms))
	for _, r := range mgr.rooms {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b *Room) int {
		switch {
		case a.uid < b.uid:
			return -1
		case a.uid > b.uid:
			return 1
		}
		return 0
	})
	return out
}

// ClientRooms returns every local room client is a member of.
func (mgr *Manager) ClientRooms(ctx context.Context, client string) ([]*Room, error) {
	var out []*Room
	for _, r := range mgr.Rooms() {
		ok, err := r.HasClient(ctx, client)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// AllClients returns the members of every local room.
func (mgr *Manager) AllClients(ctx context.Context) ([]Member, error) {
	var out []Member
	for _, r := range mgr.Rooms() {
		members, err := r.Members(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, members...)
	}
	return out, nil
}

// CleanupRooms closes every empty local room. Rooms that still have
// members are left alone, so it is safe to call at any time.
func (mgr *Manager) CleanupRooms(ctx context.Context) error {
	var errs []error
	for _, r := range mgr.Rooms() {
		closed, err := r.Close(ctx, CloseOptions{})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if closed {
			mgr.drop(r)
			glog.Infof("[room] closed inactive room %s", r.DisplayName())
		}
	}
	return errors.Join(errs...)
}

// TerminateAll force-closes every local room, sends reason to its members
// and terminates their connections.
func (mgr *Manager) TerminateAll(ctx context.Context, reason []byte) error {
	rooms := mgr.Rooms()
	var errs []error
	for _, r := range rooms {
		if _, err := r.Close(ctx, CloseOptions{Force: true, Reason: reason, Terminate: true}); err != nil {
			errs = append(errs, err)
		}
		mgr.Remove(r.uid)
	}
	glog.Infof("[room] forcefully closed all %d active rooms", len(rooms))
	return errors.Join(errs...)
}

// ItemSaved reconciles every room, on any node, editing a saved record.
// keys are the primary keys written; record is the saved data (the delta,
// for content versions).
func (mgr *Manager) ItemSaved(ctx context.Context, collection string, keys []string, record map[string]json.RawMessage) error {
	rooms, err := mgr.all(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, r := range rooms {
		if !r.matches(collection, keys) {
			continue
		}
		if err := r.Saved(ctx, record); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ItemDeleted closes every room, on any node, editing a deleted record.
func (mgr *Manager) ItemDeleted(ctx context.Context, collection string, keys []string) error {
	rooms, err := mgr.all(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, r := range rooms {
		if !r.matches(collection, keys) && !r.editsItem(collection, keys) {
			continue
		}
		if err := r.Deleted(ctx); err != nil {
			errs = append(errs, err)
			continue
		}
		mgr.Remove(r.uid)
	}
	return errors.Join(errs...)
}

// all returns a handle for every room in the shared store.
func (mgr *Manager) all(ctx context.Context) ([]*Room, error) {
	keys, err := mgr.store.List(ctx, KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	rooms := make([]*Room, 0, len(keys))
	for _, key := range keys {
		r, err := mgr.Get(ctx, strings.TrimPrefix(key, KeyPrefix))
		if err != nil {
			return nil, err
		}
		if r != nil {
			rooms = append(rooms, r)
		}
	}
	return rooms, nil
}

// matches reports whether a write to keys of collection touches the
// record this room edits. Version rooms track their version record.
func (r *Room) matches(collection string, keys []string) bool {
	if r.version != nil {
		return collection == access.VersionCollection && slices.Contains(keys, *r.version)
	}
	return r.editsItem(collection, keys)
}

// editsItem reports whether keys of collection include this room's item.
func (r *Room) editsItem(collection string, keys []string) bool {
	if collection != r.collection {
		return false
	}
	return r.item == nil || slices.Contains(keys, *r.item)
}
