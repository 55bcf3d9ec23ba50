// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"
)

// ErrQueueClosed is returned by Pop once a queue is closed and drained, and
// by Push after Close.
var ErrQueueClosed = errors.New("notification queue closed")

// Job is one password reset notification waiting for delivery.
type Job struct {
	Email string `json:"email"`
	Token string `json:"token"`
}

// Queue hands jobs from request handlers to dispatcher workers.
type Queue interface {
	// Push enqueues job without waiting for a worker.
	Push(ctx context.Context, job Job) error
	// Pop blocks until a job is available, ctx is done, or the queue is closed.
	Pop(ctx context.Context) (Job, error)
	// Close stops accepting jobs. Jobs already queued may still be popped.
	Close() error
}

// DefaultQueueSize is the buffer of a ChannelQueue created with size <= 0.
const DefaultQueueSize = 128

// ChannelQueue is an in-process Queue backed by a buffered channel.
type ChannelQueue struct {
	mu     sync.RWMutex
	jobs   chan Job
	closed bool
}

// NewChannelQueue creates a ChannelQueue holding up to size jobs.
func NewChannelQueue(size int) *ChannelQueue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &ChannelQueue{jobs: make(chan Job, size)}
}

// Push enqueues job. It fails with NOTIFY_QUEUE_FULL rather than blocking
// when the buffer is full.
func (q *ChannelQueue) Push(_ context.Context, job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		return oops.Code("NOTIFY_QUEUE_FULL").With("capacity", cap(q.jobs)).Errorf("notification queue is full")
	}
}

// Pop returns the next job. After Close it keeps returning queued jobs until
// the buffer is empty, then ErrQueueClosed.
func (q *ChannelQueue) Pop(ctx context.Context) (Job, error) {
	select {
	case job, ok := <-q.jobs:
		if !ok {
			return Job{}, ErrQueueClosed
		}
		return job, nil
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

// Close stops accepting jobs. It is safe to call more than once.
func (q *ChannelQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	return nil
}

// Len reports the number of buffered jobs.
func (q *ChannelQueue) Len() int {
	return len(q.jobs)
}

// DefaultRedisKey is the list RedisQueue uses when none is configured.
const DefaultRedisKey = "gatekeep:notify:password_reset"

// redisPollInterval bounds how long a worker blocks in BRPOP before it
// rechecks for Close.
const redisPollInterval = time.Second

// redisLister is the subset of redis.Cmdable RedisQueue uses.
type redisLister interface {
	LPush(ctx context.Context, key string, values ...any) *redis.IntCmd
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
}

// RedisQueue is a Queue backed by a Redis list. Producers LPUSH JSON encoded
// jobs and workers BRPOP them, so jobs survive a process restart and can be
// consumed by any replica.
type RedisQueue struct {
	client redisLister
	key    string
	poll   time.Duration
	closed atomic.Bool
}

// NewRedisQueue creates a RedisQueue on key. The client is owned by the
// caller and is not closed by Close.
func NewRedisQueue(client redisLister, key string) *RedisQueue {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisQueue{client: client, key: key, poll: redisPollInterval}
}

// Push encodes job and appends it to the list.
func (q *RedisQueue) Push(ctx context.Context, job Job) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return oops.Code("NOTIFY_ENCODE_FAILED").Wrap(err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return oops.Code("NOTIFY_QUEUE_PUSH_FAILED").With("key", q.key).Wrap(err)
	}
	return nil
}

// Pop blocks on BRPOP until a job arrives. Jobs left in the list after Close
// are picked up by the next consumer.
func (q *RedisQueue) Pop(ctx context.Context) (Job, error) {
	for {
		if q.closed.Load() {
			return Job{}, ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return Job{}, err
		}

		result, err := q.client.BRPop(ctx, q.poll, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Job{}, ctxErr
			}
			return Job{}, oops.Code("NOTIFY_QUEUE_POP_FAILED").With("key", q.key).Wrap(err)
		}
		// BRPOP replies with [key, value].
		if len(result) != 2 {
			return Job{}, oops.Code("NOTIFY_QUEUE_POP_FAILED").
				With("key", q.key).
				Errorf("unexpected BRPOP reply of length %d", len(result))
		}

		var job Job
		if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
			return Job{}, oops.Code("NOTIFY_DECODE_FAILED").With("key", q.key).Wrap(err)
		}
		return job, nil
	}
}

// Close makes Pop return ErrQueueClosed within one poll interval.
func (q *RedisQueue) Close() error {
	q.closed.Store(true)
	return nil
}
