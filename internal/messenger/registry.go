package messenger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/coedit/internal/codec"
	"github.com/dreamware/coedit/internal/storage"
)

// RegistryKey holds every node's registry entry.
const RegistryKey = "coedit:registry:instances"

// Instance is the registry entry of one node.
type Instance struct {
	Heartbeat time.Time `json:"heartbeat" cbor:"heartbeat"`
	Clients   []string  `json:"clients" cbor:"clients"`
	Rooms     []string  `json:"rooms" cbor:"rooms"`
}

// Instances maps node ids to their entries.
type Instances map[string]Instance

// Registry lists every client registered anywhere in the cluster.
type Registry struct {
	Active []string `json:"active"`
}

// Inactive lists what was hosted on pruned nodes.
type Inactive struct {
	Clients []string `json:"clients"`
	Rooms   []string `json:"rooms"`
}

// Pruned is the outcome of PruneDeadInstances.
type Pruned struct {
	Inactive Inactive `json:"inactive"`
	Active   []string `json:"active"`
}

func loadInstances(data []byte) (Instances, error) {
	instances := Instances{}
	if data == nil {
		return instances, nil
	}
	if err := codec.Unmarshal(data, &instances); err != nil {
		return nil, fmt.Errorf("decode registry: %w", err)
	}
	return instances, nil
}

// Instances returns a snapshot of the registry.
func (m *Messenger) Instances(ctx context.Context) (Instances, error) {
	data, err := m.store.Get(ctx, RegistryKey)
	if err != nil && !errors.Is(err, storage.ErrKeyNotFound) {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	return loadInstances(data)
}

// Registry returns the uid of every client registered on any node.
func (m *Messenger) Registry(ctx context.Context) (Registry, error) {
	instances, err := m.Instances(ctx)
	if err != nil {
		return Registry{}, err
	}
	return Registry{Active: activeClients(instances)}, nil
}

// PruneDeadInstances removes every node, other than this one, whose
// heartbeat is older than the instance timeout. The clients and rooms those
// nodes hosted are returned so they can be evicted.
func (m *Messenger) PruneDeadInstances(ctx context.Context) (Pruned, error) {
	var pruned Pruned
	now := m.now()

	err := m.store.Mutate(ctx, RegistryKey, func(current []byte) ([]byte, error) {
		pruned = Pruned{}
		instances, err := loadInstances(current)
		if err != nil {
			return nil, err
		}

		removed := 0
		for id, inst := range instances {
			if id == m.uid || now.Sub(inst.Heartbeat) <= m.timeout {
				continue
			}
			pruned.Inactive.Clients = append(pruned.Inactive.Clients, inst.Clients...)
			pruned.Inactive.Rooms = append(pruned.Inactive.Rooms, inst.Rooms...)
			delete(instances, id)
			removed++
		}
		pruned.Active = activeClients(instances)

		if removed == 0 {
			return nil, storage.ErrUnchanged
		}
		return codec.Marshal(instances)
	})
	if err != nil {
		return Pruned{}, fmt.Errorf("prune registry: %w", err)
	}

	slices.Sort(pruned.Inactive.Clients)
	pruned.Inactive.Clients = slices.Compact(pruned.Inactive.Clients)
	slices.Sort(pruned.Inactive.Rooms)
	pruned.Inactive.Rooms = slices.Compact(pruned.Inactive.Rooms)
	return pruned, nil
}

func activeClients(instances Instances) []string {
	active := []string{}
	for _, inst := range instances {
		active = append(active, inst.Clients...)
	}
	slices.Sort(active)
	return slices.Compact(active)
}

// updateSelf applies fn to this node's registry entry, creating the entry
// when it is missing, and refreshes its heartbeat.
func (m *Messenger) updateSelf(ctx context.Context, fn func(inst *Instance)) error {
	err := m.store.Mutate(ctx, RegistryKey, func(current []byte) ([]byte, error) {
		instances, err := loadInstances(current)
		if err != nil {
			return nil, err
		}
		inst, ok := instances[m.uid]
		if !ok {
			inst = m.localInstance()
		}
		if fn != nil {
			fn(&inst)
		}
		inst.Heartbeat = m.now()
		instances[m.uid] = inst
		return codec.Marshal(instances)
	})
	if err != nil {
		return fmt.Errorf("update registry entry %s: %w", m.uid, err)
	}
	return nil
}

// localInstance rebuilds this node's entry from local state, used when the
// entry was pruned while the node was still alive.
func (m *Messenger) localInstance() Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst := Instance{Clients: []string{}, Rooms: []string{}}
	for uid := range m.clients {
		inst.Clients = append(inst.Clients, uid)
	}
	for uid := range m.rooms {
		inst.Rooms = append(inst.Rooms, uid)
	}
	slices.Sort(inst.Clients)
	slices.Sort(inst.Rooms)
	return inst
}

func addUnique(list []string, v string) []string {
	if slices.Contains(list, v) {
		return list
	}
	return append(list, v)
}

func remove(list []string, v string) []string {
	if i := slices.Index(list, v); i >= 0 {
		return slices.Delete(list, i, i+1)
	}
	return list
}
