package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

/*
Redis Schema:

- List:   saga:queue - instance IDs awaiting execution (LPUSH / BRPOP)
- String: saga:lease:{id} - owner of the instance lease, expires after the lease TTL
*/

// RedisQueue is a WorkQueue shared through a Redis list.
//
// Example:
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	queue := saga.NewRedisQueue(rdb).WithKey("myapp:saga:queue")
type RedisQueue struct {
	client redis.Cmdable
	key    string
	block  time.Duration
}

// NewRedisQueue creates a Redis work queue.
//
// Default configuration:
//   - Key: "saga:queue"
//   - Block: 1s per BRPOP
func NewRedisQueue(client redis.Cmdable) *RedisQueue {
	return &RedisQueue{
		client: client,
		key:    "saga:queue",
		block:  time.Second,
	}
}

// WithKey sets the list key.
//
// Returns the queue for method chaining.
func (q *RedisQueue) WithKey(key string) *RedisQueue {
	if key != "" {
		q.key = key
	}
	return q
}

// WithBlock sets how long one BRPOP blocks. Redis rounds to seconds
// on older servers.
//
// Returns the queue for method chaining.
func (q *RedisQueue) WithBlock(d time.Duration) *RedisQueue {
	if d > 0 {
		q.block = d
	}
	return q
}

// Enqueue pushes an instance ID.
func (q *RedisQueue) Enqueue(ctx context.Context, instanceID string) error {
	if err := q.client.LPush(ctx, q.key, instanceID).Err(); err != nil {
		return fmt.Errorf("lpush: %w", err)
	}
	return nil
}

// Dequeue pops the oldest instance ID, blocking until one is available or
// ctx is done.
func (q *RedisQueue) Dequeue(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		res, err := q.client.BRPop(ctx, q.block, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("brpop: %w", err)
		}
		if len(res) == 2 {
			return res[1], nil
		}
	}
}

// Len returns the number of queued IDs.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

var (
	acquireScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur or cur == ARGV[1] then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0`)
)

// RedisLeaser is a Leaser backed by Redis keys with a TTL.
//
// Extend and Release only act when the key still holds the caller's owner
// name, so an expired lease taken over by another worker is never touched.
//
// Example:
//
//	leaser := saga.NewRedisLeaser(rdb).WithKeyPrefix("myapp:saga:lease:")
type RedisLeaser struct {
	client redis.Cmdable
	prefix string
}

// NewRedisLeaser creates a Redis leaser with key prefix "saga:lease:".
func NewRedisLeaser(client redis.Cmdable) *RedisLeaser {
	return &RedisLeaser{
		client: client,
		prefix: "saga:lease:",
	}
}

// WithKeyPrefix sets a custom key prefix.
//
// Returns the leaser for method chaining.
func (l *RedisLeaser) WithKeyPrefix(prefix string) *RedisLeaser {
	if prefix != "" {
		l.prefix = prefix
	}
	return l
}

// Acquire takes the lease if it is free or already held by owner.
func (l *RedisLeaser) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	n, err := acquireScript.Run(ctx, l.client, []string{l.prefix + key}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return n == 1, nil
}

// Extend renews a lease still held by owner.
func (l *RedisLeaser) Extend(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, l.client, []string{l.prefix + key}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("extend lease: %w", err)
	}
	return n == 1, nil
}

// Release drops a lease held by owner.
func (l *RedisLeaser) Release(ctx context.Context, key, owner string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.prefix + key}, owner).Err(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// Compile-time checks
var (
	_ WorkQueue = (*RedisQueue)(nil)
	_ Leaser    = (*RedisLeaser)(nil)
)
