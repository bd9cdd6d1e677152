// Package redis stores partial results as Redis hashes keyed "face:<id>", one
// hash field per analysis stage.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kozaktomas/face-pipeline/internal/store"
)

// completeScript writes ARGV[1]=ARGV[2] into the hash and returns 1 only when
// the field was absent before and every field named in ARGV[4..] is present.
// ARGV[3] is the key TTL in milliseconds, 0 to keep the key forever.
var completeScript = goredis.NewScript(`
local had = redis.call('HEXISTS', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
local ttl = tonumber(ARGV[3])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
end
if had == 1 then
	return 0
end
for i = 4, #ARGV do
	if redis.call('HEXISTS', KEYS[1], ARGV[i]) == 0 then
		return 0
	end
end
return 1
`)

// Store is a Partial Result Store backed by a Redis server.
type Store struct {
	client *goredis.Client
	ttl    time.Duration
}

// New connects to the Redis server at url (redis://host:port/db) and verifies
// the connection. A positive ttl expires abandoned records.
func New(ctx context.Context, url string, ttl time.Duration) (*Store, error) {
	if url == "" {
		return nil, errors.New("redis URL is required")
	}

	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &Store{client: client, ttl: ttl}, nil
}

// Put writes one hash field and refreshes the key TTL.
func (s *Store) Put(ctx context.Context, workItemID string, field store.Field, payload []byte) error {
	key := store.Key(workItemID)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, string(field), payload)
	if s.ttl > 0 {
		pipe.PExpire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis HSET %s %s: %w", key, field, err)
	}
	return nil
}

// Exists checks a hash field with HEXISTS.
func (s *Store) Exists(ctx context.Context, workItemID string, field store.Field) (bool, error) {
	key := store.Key(workItemID)
	ok, err := s.client.HExists(ctx, key, string(field)).Result()
	if err != nil {
		return false, fmt.Errorf("redis HEXISTS %s %s: %w", key, field, err)
	}
	return ok, nil
}

// Get reads a hash field with HGET.
func (s *Store) Get(ctx context.Context, workItemID string, field store.Field) ([]byte, error) {
	key := store.Key(workItemID)
	payload, err := s.client.HGet(ctx, key, string(field)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("%s %s: %w", key, field, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis HGET %s %s: %w", key, field, err)
	}
	return payload, nil
}

// Complete runs the completion script. Redis executes scripts without
// interleaving other commands, which makes the write and the check atomic.
func (s *Store) Complete(ctx context.Context, workItemID string, field store.Field, payload []byte) (bool, error) {
	key := store.Key(workItemID)

	args := []any{string(field), payload, s.ttl.Milliseconds()}
	for _, other := range field.Others() {
		args = append(args, string(other))
	}

	n, err := completeScript.Run(ctx, s.client, []string{key}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("redis complete %s %s: %w", key, field, err)
	}
	return n == 1, nil
}

// TTL returns the remaining lifetime of a work item record.
func (s *Store) TTL(ctx context.Context, workItemID string) (time.Duration, error) {
	d, err := s.client.PTTL(ctx, store.Key(workItemID)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis PTTL: %w", err)
	}
	return d, nil
}

// Close closes the client connection pool.
func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("closing redis client: %w", err)
	}
	return nil
}
