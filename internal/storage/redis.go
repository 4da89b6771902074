package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// maxMutateRetries bounds optimistic-lock retries when another node keeps
// writing the same key between our WATCH and EXEC.
const maxMutateRetries = 32

// ErrContention is returned by RedisStore.Mutate when the key kept changing
// underneath every retry.
var ErrContention = errors.New("storage: too much contention on key")

// RedisStore implements Store on top of redis. Mutate uses WATCH/MULTI/EXEC
// so the read-modify-write is atomic across every node sharing the redis.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing redis client
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Get retrieves a value by key
func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return value, nil
}

// Mutate performs an optimistic transaction on key, retrying when another
// client modified it between the read and the write.
func (r *RedisStore) Mutate(ctx context.Context, key string, fn MutateFunc) error {
	var fnErr error

	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			current = nil
		} else if err != nil {
			return err
		}

		next, err := fn(current)
		if err != nil {
			// Surface fn's own error without treating it as a redis failure.
			fnErr = err
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, key)
			} else {
				pipe.Set(ctx, key, next, 0)
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxMutateRetries; i++ {
		fnErr = nil
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("redis mutate %s: %w", key, err)
		}
		if errors.Is(fnErr, ErrUnchanged) {
			return nil
		}
		return fnErr
	}
	return fmt.Errorf("%w: %s", ErrContention, key)
}

// List returns all keys with the given prefix in sorted order. It uses
// SCAN so large keyspaces do not block redis.
func (r *RedisStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %s*: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}
