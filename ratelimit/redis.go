package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

/*
Redis Schema:

- String: {key}:{window-index} - dispatch counter for the window, expires with the window
*/

// RedisLimiter is a fixed window limiter shared through Redis.
//
// Every process using the same key shares the same budget, which is what a
// downstream service sees when several saga engines dispatch to it.
//
// Redis errors fail open: a dispatch is never blocked because the limiter
// itself is unavailable. Use Health to surface connectivity problems.
//
// Example:
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	limiter := ratelimit.NewRedisLimiter(rdb, "saga:ratelimit:billing", 50, time.Second)
type RedisLimiter struct {
	client redis.Cmdable
	key    string
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRedisLimiter creates a limiter allowing limit events per window.
func NewRedisLimiter(client redis.Cmdable, key string, limit int, window time.Duration) *RedisLimiter {
	if limit < 1 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &RedisLimiter{
		client: client,
		key:    key,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

func (r *RedisLimiter) windowKey(t time.Time) string {
	idx := t.UnixMilli() / r.window.Milliseconds()
	return r.key + ":" + strconv.FormatInt(idx, 10)
}

// nextWindow returns the wait until the next window opens.
func (r *RedisLimiter) nextWindow(t time.Time) time.Duration {
	ms := r.window.Milliseconds()
	elapsed := t.UnixMilli() % ms
	return time.Duration(ms-elapsed) * time.Millisecond
}

func (r *RedisLimiter) take(ctx context.Context) (bool, error) {
	key := r.windowKey(r.now())

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.PExpire(ctx, key, r.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("incr: %w", err)
	}
	return incr.Val() <= int64(r.limit), nil
}

// Wait blocks until the current or a later window has room, or ctx is done.
func (r *RedisLimiter) Wait(ctx context.Context) error {
	for {
		ok, err := r.take(ctx)
		if err != nil || ok {
			return nil
		}

		timer := time.NewTimer(r.nextWindow(r.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Remaining returns the number of events still allowed in the current window.
func (r *RedisLimiter) Remaining(ctx context.Context) (int, error) {
	used, err := r.client.Get(ctx, r.windowKey(r.now())).Int()
	if err == redis.Nil {
		return r.limit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get: %w", err)
	}
	if used >= r.limit {
		return 0, nil
	}
	return r.limit - used, nil
}

// Compile-time check
var _ Limiter = (*RedisLimiter)(nil)
