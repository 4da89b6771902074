package collab

import (
	"context"
	"errors"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"

	"github.com/dreamware/coedit/internal/room"
)

// clusterJob is the scheduler job name of the dead-node sweep.
const clusterJob = "collab"

// Start launches both cleanup loops. It returns immediately; Stop ends
// them.
func (h *Handler) Start(ctx context.Context) {
	h.scheduler.RunOnceAcrossCluster(h.ctx, clusterJob, h.clusterInterval, h.CleanupCluster)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		ticker := time.NewTicker(h.localInterval)
		defer ticker.Stop()

		glog.Infof("[collab] local cleanup started with interval %v", h.localInterval)

		for {
			select {
			case <-ticker.C:
				if err := h.CleanupLocal(h.ctx); err != nil {
					glog.Warningf("[collab] local cleanup: %v", err)
				}
			case <-ctx.Done():
				return
			case <-h.ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the cleanup loops.
func (h *Handler) Stop() {
	h.cancel()
	h.wg.Wait()
}

// CleanupCluster prunes dead nodes from the registry, evicts their
// clients from the rooms they hosted and closes rooms left empty. It runs
// on one node per interval.
func (h *Handler) CleanupCluster(ctx context.Context) error {
	pruned, err := h.messenger.PruneDeadInstances(ctx)
	if err != nil {
		return err
	}
	if len(pruned.Inactive.Rooms) > 0 || len(pruned.Inactive.Clients) > 0 {
		glog.Infof("[collab] pruned dead nodes: %d clients, %d rooms", len(pruned.Inactive.Clients), len(pruned.Inactive.Rooms))
	}

	var errs []error
	for _, uid := range pruned.Inactive.Rooms {
		r, err := h.rooms.Get(ctx, uid)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if r == nil {
			continue
		}
		for _, client := range pruned.Inactive.Clients {
			left, err := r.Leave(ctx, client)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if left {
				glog.V(1).Infof("[collab] removed dead client %s from %s", client, r.DisplayName())
			}
		}
		closed, err := r.Close(ctx, room.CloseOptions{})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if closed {
			h.rooms.Remove(uid)
		}
	}
	return errors.Join(errs...)
}

// CleanupLocal evicts members of local rooms that are no longer registered
// anywhere in the cluster, then closes local rooms left empty.
func (h *Handler) CleanupLocal(ctx context.Context) error {
	registry, err := h.messenger.Registry(ctx)
	if err != nil {
		return err
	}
	members, err := h.rooms.AllClients(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, m := range members {
		if slices.Contains(registry.Active, m.UID) {
			continue
		}
		rooms, err := h.rooms.ClientRooms(ctx, m.UID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, r := range rooms {
			glog.V(1).Infof("[collab] removing unregistered client %s from %s", m.UID, r.DisplayName())
			if _, err := r.Leave(ctx, m.UID); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := h.rooms.CleanupRooms(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
