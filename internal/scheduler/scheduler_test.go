package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/coedit/internal/storage"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

// TestTryAcquire tests lease ownership across nodes
func TestTryAcquire(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	c := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	a := New(store, "node-a", c.Now)
	b := New(store, "node-b", c.Now)

	won, err := a.TryAcquire(ctx, "collab", time.Minute)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = b.TryAcquire(ctx, "collab", time.Minute)
	require.NoError(t, err)
	assert.False(t, won, "lease held by node-a")

	won, err = a.TryAcquire(ctx, "collab", time.Minute)
	require.NoError(t, err)
	assert.True(t, won, "holder renews")

	won, err = b.TryAcquire(ctx, "other", time.Minute)
	require.NoError(t, err)
	assert.True(t, won, "leases are per job")

	c.now = c.now.Add(time.Minute)
	won, err = b.TryAcquire(ctx, "collab", time.Minute)
	require.NoError(t, err)
	assert.True(t, won, "expired lease is taken over")
}

// TestRunIfLeader tests that only the leader runs the job
func TestRunIfLeader(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	a := New(store, "node-a", nil)
	b := New(store, "node-b", nil)

	var runs int32
	job := func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}

	ran, err := a.RunIfLeader(ctx, "collab", time.Minute, job)
	require.NoError(t, err)
	assert.True(t, ran)

	ran, err = b.RunIfLeader(ctx, "collab", time.Minute, job)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))

	ran, err = a.RunIfLeader(ctx, "failing", time.Minute, func(context.Context) error {
		return errors.New("boom")
	})
	assert.True(t, ran)
	assert.ErrorContains(t, err, "boom")
}

// TestRunOnceAcrossCluster tests the periodic loop
func TestRunOnceAcrossCluster(t *testing.T) {
	store := storage.NewMemoryStore()
	a := New(store, "node-a", nil)
	b := New(store, "node-b", nil)

	var runsA, runsB int32
	ctx := context.Background()
	a.RunOnceAcrossCluster(ctx, "collab", 10*time.Millisecond, func(context.Context) error {
		atomic.AddInt32(&runsA, 1)
		return nil
	})
	b.RunOnceAcrossCluster(ctx, "collab", time.Hour, func(context.Context) error {
		atomic.AddInt32(&runsB, 1)
		return nil
	})

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&runsA) >= 2 }, time.Second, 5*time.Millisecond)
	a.Stop()
	b.Stop()
	assert.Equal(t, int32(0), atomic.LoadInt32(&runsB))
}
