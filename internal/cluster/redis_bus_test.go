package cluster

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRedisBus tests pub/sub against COEDIT_TEST_REDIS_ADDR
func TestRedisBus(t *testing.T) {
	addr := os.Getenv("COEDIT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("COEDIT_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	bus := NewRedisBus(client)
	channel := "coedit-test:" + t.Name()

	received := make(chan string, 4)
	sub, err := bus.Subscribe(ctx, channel, func(payload []byte) {
		received <- string(payload)
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, channel, []byte("hello")))
	select {
	case got := <-received:
		assert.Equal(t, "hello", got)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close(), "close is idempotent")
}
