package room

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/coedit/internal/messenger/messengertest"
	"github.com/dreamware/coedit/internal/storage"
)

// TestGetOrCreate tests lazy creation and seeding
func TestGetOrCreate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	mgr := f.nodes[0].manager
	item := "1"

	r1, err := mgr.GetOrCreate(ctx, "articles", &item, nil, Changes{"title": json.RawMessage(`"seed"`)})
	require.NoError(t, err)
	r2, err := mgr.GetOrCreate(ctx, "articles", &item, nil, Changes{"title": json.RawMessage(`"ignored"`)})
	require.NoError(t, err)
	assert.Same(t, r1, r2)

	changes, err := r1.Changes(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `"seed"`, string(changes["title"]))

	instances, err := f.nodes[0].messenger.Instances(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{r1.UID()}, instances[f.nodes[0].messenger.UID()].Rooms)

	singleton, err := mgr.GetOrCreate(ctx, "settings", nil, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, singleton.Item())
	assert.Equal(t, "settings", singleton.DisplayName())
	assert.Len(t, mgr.Rooms(), 2)
}

// TestGetLoadsRemoteRooms tests loading a room created on another node
func TestGetLoadsRemoteRooms(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	item, version := "7", "draft"

	created, err := f.nodes[0].manager.GetOrCreate(ctx, "articles", &item, &version, nil)
	require.NoError(t, err)

	loaded, err := f.nodes[1].manager.Get(ctx, created.UID())
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "articles", loaded.Collection())
	assert.Equal(t, "7", *loaded.Item())
	assert.Equal(t, "draft", *loaded.Version())
	assert.Equal(t, "articles:7:draft", loaded.DisplayName())

	again, err := f.nodes[1].manager.Get(ctx, created.UID())
	require.NoError(t, err)
	assert.Same(t, loaded, again)

	missing, err := f.nodes[1].manager.Get(ctx, "no-such-room")
	require.NoError(t, err)
	assert.Nil(t, missing)

	f.nodes[1].manager.Remove(created.UID())
	assert.Empty(t, f.nodes[1].manager.Rooms())
}

// TestClientRoomsAndAllClients tests reverse membership lookups
func TestClientRoomsAndAllClients(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	mgr := f.nodes[0].manager
	r1 := f.article(t, 0, "1")
	r2 := f.article(t, 0, "2")

	f.join(t, r1, "a", editor)
	f.join(t, r2, "a", editor)
	f.join(t, r2, "b", writer)

	rooms, err := mgr.ClientRooms(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, rooms, 2)

	rooms, err = mgr.ClientRooms(ctx, "b")
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, r2.UID(), rooms[0].UID())

	rooms, err = mgr.ClientRooms(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, rooms)

	members, err := mgr.AllClients(ctx)
	require.NoError(t, err)
	assert.Len(t, members, 3)
}

// TestCleanupRooms tests that only empty rooms are closed
func TestCleanupRooms(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	mgr := f.nodes[0].manager
	busy := f.article(t, 0, "1")
	idle := f.article(t, 0, "2")
	f.join(t, busy, "a", editor)

	require.NoError(t, mgr.CleanupRooms(ctx))

	rooms := mgr.Rooms()
	require.Len(t, rooms, 1)
	assert.Equal(t, busy.UID(), rooms[0].UID())
	_, err := f.store.Get(ctx, Key(idle.UID()))
	assert.Error(t, err)

	require.NoError(t, mgr.CleanupRooms(ctx))
	assert.Len(t, mgr.Rooms(), 1)
}

// TestTerminateAll tests forced shutdown of every local room
func TestTerminateAll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	mgr := f.nodes[0].manager
	a := f.join(t, f.article(t, 0, "1"), "a", editor)
	b := f.join(t, f.article(t, 0, "2"), "b", writer)

	require.NoError(t, mgr.TerminateAll(ctx, []byte(`{"type":"collab","action":"error"}`)))

	assert.Empty(t, mgr.Rooms())
	for _, conn := range []interface{ Closed() bool }{a, b} {
		assert.True(t, conn.Closed())
	}
	assert.Len(t, a.EventsOf(ActionError), 1)

	keys, err := f.store.List(ctx, KeyPrefix)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

// TestJoinRecreatesClosedRoom tests joining through a handle whose room was closed elsewhere
func TestJoinRecreatesClosedRoom(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	mgr := f.nodes[0].manager
	item := "1"
	stale := f.article(t, 0, item)

	// Another node deleted the record; no close event reached this one.
	require.NoError(t, f.store.Mutate(ctx, Key(stale.UID()), func([]byte) ([]byte, error) {
		return nil, nil
	}))

	conn := messengertest.NewConn("a", editor)
	r, err := mgr.Join(ctx, "articles", &item, nil, Changes{"title": json.RawMessage(`"seed"`)}, conn, "")
	require.NoError(t, err)
	assert.NotSame(t, stale, r)
	assert.Len(t, conn.EventsOf(ActionInit), 1)

	rooms, err := mgr.ClientRooms(ctx, "a")
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Same(t, r, rooms[0])

	changes, err := r.Changes(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `"seed"`, string(changes["title"]))

	instances, err := f.nodes[0].messenger.Instances(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{r.UID()}, instances[f.nodes[0].messenger.UID()].Rooms)
}

// TestJoinDuringCleanup tests a cleanup that closes the room while a client joins
func TestJoinDuringCleanup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	mgr := f.nodes[0].manager
	item := "1"
	uid := UID("articles", &item, nil)

	// Skip the creating Mutate; fire before the member is added.
	f.hooked.Before(Key(uid), 1, func() {
		require.NoError(t, mgr.CleanupRooms(ctx))
	})

	conn := messengertest.NewConn("a", editor)
	r, err := mgr.Join(ctx, "articles", &item, nil, nil, conn, "")
	require.NoError(t, err)
	require.False(t, f.hooked.Pending())

	members, err := r.Members(ctx)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "a", members[0].UID)

	rooms, err := mgr.ClientRooms(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, rooms, 1)

	// Leaving an empty room lets the next cleanup remove it for good.
	_, err = r.Leave(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, mgr.CleanupRooms(ctx))
	assert.Empty(t, mgr.Rooms())
	_, err = f.store.Get(ctx, Key(uid))
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)
}
