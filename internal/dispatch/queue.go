// Package dispatch carries merge signals from the poller, the
// reconciliation scanner and the admin actions to the merge worker pool.
// The queue is a Redis list, which gives merges their own execution lane:
// polling and reconciliation never share a goroutine with a running merge.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const mergeQueueKey = "cogmerger:queue:merge"

// Queue delivers record IDs awaiting a merge.
type Queue interface {
	// Enqueue pushes a record ID onto the merge queue.
	Enqueue(ctx context.Context, recordID string) error

	// Dequeue pops the next record ID, blocking up to the given duration.
	// Returns "" when the queue stayed empty.
	Dequeue(ctx context.Context, block time.Duration) (string, error)
}

// RedisQueue implements Queue on a Redis list.
type RedisQueue struct {
	rdb *redis.Client
}

// NewRedisQueue wraps an existing Redis client.
func NewRedisQueue(rdb *redis.Client) *RedisQueue {
	return &RedisQueue{rdb: rdb}
}

func (q *RedisQueue) Enqueue(ctx context.Context, recordID string) error {
	if err := q.rdb.LPush(ctx, mergeQueueKey, recordID).Err(); err != nil {
		return fmt.Errorf("enqueue merge for record %s: %w", recordID, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, block time.Duration) (string, error) {
	res, err := q.rdb.BRPop(ctx, block, mergeQueueKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("dequeue merge: %w", err)
	}
	if len(res) != 2 {
		return "", nil
	}
	return res[1], nil
}

// MemQueue is a channel-backed Queue for tests and single-process runs.
type MemQueue struct {
	ch chan string
}

// NewMemQueue returns an in-memory queue with the given capacity.
func NewMemQueue(capacity int) *MemQueue {
	return &MemQueue{ch: make(chan string, capacity)}
}

func (q *MemQueue) Enqueue(ctx context.Context, recordID string) error {
	select {
	case q.ch <- recordID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemQueue) Dequeue(ctx context.Context, block time.Duration) (string, error) {
	timer := time.NewTimer(block)
	defer timer.Stop()

	select {
	case id := <-q.ch:
		return id, nil
	case <-timer.C:
		return "", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Len reports the number of queued signals. Test helper.
func (q *MemQueue) Len() int {
	return len(q.ch)
}
