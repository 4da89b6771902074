package messenger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/dreamware/coedit/internal/access"
	"github.com/dreamware/coedit/internal/cluster"
	"github.com/dreamware/coedit/internal/codec"
	"github.com/dreamware/coedit/internal/storage"
)

// BusChannel carries every cross-node collaboration message.
const BusChannel = "coedit:bus"

// Conn is a live client connection held by this node.
type Conn interface {
	// UID is the connection's cluster-unique identifier.
	UID() string
	// Accountability is the actor authenticated on the connection.
	Accountability() access.Accountability
	// Send queues an encoded message for the client.
	Send(payload []byte) error
	// Close terminates the connection.
	Close() error
}

// RoomEvent is a room-scoped broadcast received by every node.
type RoomEvent struct {
	Room   string `cbor:"room"`
	Action string `cbor:"action"`
}

// RoomListener is called for every RoomEvent of the room it listens on.
type RoomListener func(RoomEvent)

type envelopeKind string

const (
	kindSend      envelopeKind = "send"
	kindError     envelopeKind = "error"
	kindTerminate envelopeKind = "terminate"
	kindRoom      envelopeKind = "room"
)

// envelope is the bus wire format.
type envelope struct {
	Kind    envelopeKind `cbor:"kind"`
	Origin  string       `cbor:"origin"`
	Client  string       `cbor:"client,omitempty"`
	Payload []byte       `cbor:"payload,omitempty"`
	Room    *RoomEvent   `cbor:"room,omitempty"`
}

// Options configures a Messenger.
type Options struct {
	// NodeID identifies this node; a random id is used when empty.
	NodeID string
	// InstanceTimeout is how long a node may go without a heartbeat
	// before PruneDeadInstances removes it.
	InstanceTimeout time.Duration
	// HeartbeatInterval is how often Start refreshes this node's entry.
	HeartbeatInterval time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Messenger registers this node's clients and rooms cluster-wide and
// routes messages to clients on any node.
// Thread-safe: All methods are safe for concurrent access.
type Messenger struct {
	uid       string
	bus       cluster.Bus
	store     storage.Store
	timeout   time.Duration
	heartbeat time.Duration
	now       func() time.Time

	mu        sync.RWMutex
	clients   map[string]Conn
	rooms     map[string]struct{}
	listeners map[string]RoomListener

	sub    cluster.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Messenger, writes this node's registry entry and
// subscribes to the bus.
func New(ctx context.Context, bus cluster.Bus, store storage.Store, opts Options) (*Messenger, error) {
	if opts.NodeID == "" {
		opts.NodeID = cluster.NewNodeID()
	}
	if opts.InstanceTimeout <= 0 {
		opts.InstanceTimeout = 30 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	m := &Messenger{
		uid:       opts.NodeID,
		bus:       bus,
		store:     store,
		timeout:   opts.InstanceTimeout,
		heartbeat: opts.HeartbeatInterval,
		now:       opts.Now,
		clients:   make(map[string]Conn),
		rooms:     make(map[string]struct{}),
		listeners: make(map[string]RoomListener),
		ctx:       loopCtx,
		cancel:    cancel,
	}

	if err := m.updateSelf(ctx, nil); err != nil {
		cancel()
		return nil, err
	}
	sub, err := bus.Subscribe(ctx, BusChannel, m.receive)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", BusChannel, err)
	}
	m.sub = sub

	glog.Infof("[messenger] node %s registered", m.uid)
	return m, nil
}

// UID returns this node's id.
func (m *Messenger) UID() string {
	return m.uid
}

// AddClient registers a connection on this node. Adding the same uid twice
// is a no-op.
func (m *Messenger) AddClient(ctx context.Context, conn Conn) error {
	m.mu.Lock()
	if _, exists := m.clients[conn.UID()]; exists {
		m.mu.Unlock()
		return nil
	}
	m.clients[conn.UID()] = conn
	m.mu.Unlock()

	return m.updateSelf(ctx, func(inst *Instance) {
		inst.Clients = addUnique(inst.Clients, conn.UID())
	})
}

// RemoveClient unregisters a connection from this node.
func (m *Messenger) RemoveClient(ctx context.Context, uid string) error {
	m.mu.Lock()
	delete(m.clients, uid)
	m.mu.Unlock()

	return m.updateSelf(ctx, func(inst *Instance) {
		inst.Clients = remove(inst.Clients, uid)
	})
}

// HasClient reports whether uid is connected to this node.
func (m *Messenger) HasClient(uid string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.clients[uid]
	return ok
}

// Client returns the local connection for uid, if any.
func (m *Messenger) Client(uid string) (Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.clients[uid]
	return conn, ok
}

// RegisterRoom records that this node hosts room uid.
func (m *Messenger) RegisterRoom(ctx context.Context, uid string) error {
	m.mu.Lock()
	m.rooms[uid] = struct{}{}
	m.mu.Unlock()

	return m.updateSelf(ctx, func(inst *Instance) {
		inst.Rooms = addUnique(inst.Rooms, uid)
	})
}

// UnregisterRoom removes room uid from this node's entry.
func (m *Messenger) UnregisterRoom(ctx context.Context, uid string) error {
	m.mu.Lock()
	delete(m.rooms, uid)
	m.mu.Unlock()

	return m.updateSelf(ctx, func(inst *Instance) {
		inst.Rooms = remove(inst.Rooms, uid)
	})
}

// SetRoomListener installs the listener for room uid, replacing any
// previous one.
func (m *Messenger) SetRoomListener(uid string, listener RoomListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners[uid] = listener
}

// RemoveRoomListener removes the listener for room uid.
func (m *Messenger) RemoveRoomListener(uid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, uid)
}

// SendClient delivers payload to client uid wherever it is connected.
// Local clients bypass the bus.
func (m *Messenger) SendClient(ctx context.Context, uid string, payload []byte) error {
	if conn, ok := m.Client(uid); ok {
		return conn.Send(payload)
	}
	return m.publish(ctx, envelope{Kind: kindSend, Client: uid, Payload: payload})
}

// SendError delivers an error message to client uid.
func (m *Messenger) SendError(ctx context.Context, uid string, payload []byte) error {
	if conn, ok := m.Client(uid); ok {
		return conn.Send(payload)
	}
	return m.publish(ctx, envelope{Kind: kindError, Client: uid, Payload: payload})
}

// TerminateClient closes client uid's connection wherever it is connected.
func (m *Messenger) TerminateClient(ctx context.Context, uid string) error {
	if conn, ok := m.Client(uid); ok {
		return conn.Close()
	}
	return m.publish(ctx, envelope{Kind: kindTerminate, Client: uid})
}

// SendRoom broadcasts a room event to every node, this one included.
func (m *Messenger) SendRoom(ctx context.Context, room, action string) error {
	return m.publish(ctx, envelope{Kind: kindRoom, Room: &RoomEvent{Room: room, Action: action}})
}

func (m *Messenger) publish(ctx context.Context, env envelope) error {
	env.Origin = m.uid
	payload, err := codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", env.Kind, err)
	}
	if err := m.bus.Publish(ctx, BusChannel, payload); err != nil {
		return fmt.Errorf("publish %s envelope: %w", env.Kind, err)
	}
	return nil
}

// receive handles one bus payload.
func (m *Messenger) receive(payload []byte) {
	var env envelope
	if err := codec.Unmarshal(payload, &env); err != nil {
		glog.Warningf("[messenger] dropping malformed bus message: %v", err)
		return
	}

	switch env.Kind {
	case kindSend, kindError:
		conn, ok := m.Client(env.Client)
		if !ok {
			return
		}
		if err := conn.Send(env.Payload); err != nil {
			glog.Warningf("[messenger] delivery to %s failed: %v", env.Client, err)
		}
	case kindTerminate:
		if conn, ok := m.Client(env.Client); ok {
			_ = conn.Close()
		}
	case kindRoom:
		if env.Room == nil {
			return
		}
		m.mu.RLock()
		listener := m.listeners[env.Room.Room]
		m.mu.RUnlock()
		if listener != nil {
			listener(*env.Room)
		}
	default:
		glog.V(1).Infof("[messenger] ignoring %q envelope from %s", env.Kind, env.Origin)
	}
}

// Start refreshes this node's heartbeat every heartbeat interval until
// Stop is called or ctx is canceled. It blocks; run it in a goroutine.
func (m *Messenger) Start(ctx context.Context) {
	m.wg.Add(1)
	defer m.wg.Done()

	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()

	glog.Infof("[messenger] heartbeat started with interval %v", m.heartbeat)

	for {
		select {
		case <-ticker.C:
			if err := m.Heartbeat(ctx); err != nil {
				glog.Warningf("[messenger] heartbeat failed: %v", err)
			}
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		}
	}
}

// Heartbeat refreshes this node's registry entry once, re-creating it from
// local state if another node pruned it.
func (m *Messenger) Heartbeat(ctx context.Context) error {
	return m.updateSelf(ctx, nil)
}

// Stop ends the heartbeat loop and the bus subscription. The registry
// entry is left in place; it expires and is pruned like any dead node's,
// which evicts this node's clients from rooms hosted elsewhere.
func (m *Messenger) Stop() {
	m.cancel()
	m.wg.Wait()
	if m.sub != nil {
		if err := m.sub.Close(); err != nil {
			glog.Warningf("[messenger] closing bus subscription: %v", err)
		}
	}
	glog.Infof("[messenger] node %s stopped", m.uid)
}
