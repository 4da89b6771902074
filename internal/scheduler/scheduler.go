package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/dreamware/coedit/internal/codec"
	"github.com/dreamware/coedit/internal/storage"
)

// LeasePrefix prefixes every lease key
const LeasePrefix = "coedit:lease:"

// Job is one run of a scheduled job
type Job func(ctx context.Context) error

type lease struct {
	Holder  string    `cbor:"holder"`
	Expires time.Time `cbor:"expires"`
}

// Scheduler runs cluster-wide singleton jobs for one node.
// Thread-safe: All methods are safe for concurrent access.
type Scheduler struct {
	store  storage.Store
	node   string
	now    func() time.Time
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler acting as node. now may be nil
func New(store storage.Store, node string, now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{store: store, node: node, now: now, ctx: ctx, cancel: cancel}
}

// RunOnceAcrossCluster starts running job every interval on whichever node
// holds the lease for name. It returns immediately; the loop ends when ctx
// is canceled or Stop is called.
func (s *Scheduler) RunOnceAcrossCluster(ctx context.Context, name string, interval time.Duration, job Job) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		glog.Infof("[scheduler] %s scheduled every %v", name, interval)

		for {
			select {
			case <-ticker.C:
				if _, err := s.RunIfLeader(ctx, name, interval, job); err != nil {
					glog.Warningf("[scheduler] %s: %v", name, err)
				}
			case <-ctx.Done():
				return
			case <-s.ctx.Done():
				return
			}
		}
	}()
}

// RunIfLeader runs job once if this node wins the lease for name. It
// reports whether the job ran.
func (s *Scheduler) RunIfLeader(ctx context.Context, name string, ttl time.Duration, job Job) (bool, error) {
	won, err := s.TryAcquire(ctx, name, ttl)
	if err != nil || !won {
		return false, err
	}
	glog.V(1).Infof("[scheduler] running %s on %s", name, s.node)
	if err := job(ctx); err != nil {
		return true, fmt.Errorf("job %s: %w", name, err)
	}
	return true, nil
}

// TryAcquire takes or renews the lease for name for ttl. It fails only
// while another node holds an unexpired lease.
func (s *Scheduler) TryAcquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	var won bool
	now := s.now()

	err := s.store.Mutate(ctx, LeasePrefix+name, func(current []byte) ([]byte, error) {
		won = false
		if current != nil {
			var held lease
			if err := codec.Unmarshal(current, &held); err != nil {
				return nil, fmt.Errorf("decode lease: %w", err)
			}
			if held.Holder != s.node && now.Before(held.Expires) {
				return nil, storage.ErrUnchanged
			}
		}
		won = true
		return codec.Marshal(lease{Holder: s.node, Expires: now.Add(ttl)})
	})
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	return won, nil
}

// Stop ends every job loop and waits for running jobs to finish
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}
