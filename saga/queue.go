package saga

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Clock is the time source of the engine.
//
// clock.Clock from github.com/benbjohnson/clock satisfies it; tests inject
// a fake to observe backoff delays without sleeping. Ticker drives lease
// renewal.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Ticker(d time.Duration) *clock.Ticker
}

func defaultClock() Clock {
	return clock.New()
}

// WorkQueue carries the IDs of instances that need execution.
//
// Delivery is at least once; the engine tolerates duplicate and stale IDs.
//
// Implementations:
//   - MemoryQueue: in-process
//   - RedisQueue: shared list (see redis.go)
type WorkQueue interface {
	// Enqueue schedules an instance for execution.
	Enqueue(ctx context.Context, instanceID string) error

	// Dequeue blocks until an instance ID is available or ctx is done.
	Dequeue(ctx context.Context) (string, error)
}

// MemoryQueue is an unbounded in-process WorkQueue.
type MemoryQueue struct {
	mu     sync.Mutex
	items  []string
	notify chan struct{}
}

// NewMemoryQueue creates an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{notify: make(chan struct{}, 1)}
}

// Enqueue appends an instance ID.
func (q *MemoryQueue) Enqueue(_ context.Context, instanceID string) error {
	q.mu.Lock()
	q.items = append(q.items, instanceID)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue removes the oldest instance ID, waiting for one if needed.
func (q *MemoryQueue) Dequeue(ctx context.Context) (string, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			id := q.items[0]
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			return id, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-q.notify:
		}
	}
}

// Len returns the number of queued IDs.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Leaser grants time-limited exclusive ownership of an instance.
//
// Implementations:
//   - MemoryLeaser: in-process
//   - RedisLeaser: SET NX PX with owner-checked extend/release (see redis.go)
type Leaser interface {
	// Acquire takes the lease if it is free or expired.
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// Extend renews a lease still held by owner.
	Extend(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// Release drops a lease held by owner. Releasing a lease held by
	// someone else is a no-op.
	Release(ctx context.Context, key, owner string) error
}

type memoryLease struct {
	owner   string
	expires time.Time
}

// MemoryLeaser is an in-process Leaser.
type MemoryLeaser struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	now    func() time.Time
}

// NewMemoryLeaser creates a MemoryLeaser.
func NewMemoryLeaser() *MemoryLeaser {
	return &MemoryLeaser{
		leases: make(map[string]memoryLease),
		now:    time.Now,
	}
}

// Acquire takes the lease if it is free or expired.
func (l *MemoryLeaser) Acquire(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.leases[key]; ok && cur.owner != owner && now.Before(cur.expires) {
		return false, nil
	}
	l.leases[key] = memoryLease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

// Extend renews a lease still held by owner.
func (l *MemoryLeaser) Extend(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cur, ok := l.leases[key]
	if !ok || cur.owner != owner || !now.Before(cur.expires) {
		return false, nil
	}
	l.leases[key] = memoryLease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

// Release drops a lease held by owner.
func (l *MemoryLeaser) Release(_ context.Context, key, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.leases[key]; ok && cur.owner == owner {
		delete(l.leases, key)
	}
	return nil
}

// Compile-time checks
var (
	_ WorkQueue = (*MemoryQueue)(nil)
	_ Leaser    = (*MemoryLeaser)(nil)
	_ Clock     = clock.New()
)
