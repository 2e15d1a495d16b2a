// Package push implements the Push Fallback Queue of spec.md §4.7: a
// delayed external wake-up job, leased with a visibility timeout, and
// a Token Janitor that batches invalid-token cleanup. Like the Cross-
// Node Bus, it is backed by go-redis/redis — here in its job-queue
// role rather than its pub/sub role, using the classic sorted-set
// delayed-queue pattern (one set scored by deliver-after, a second
// scored by lease-until).
package push

import (
	"fmt"
	"time"

	"github.com/go-redis/redis"

	"github.com/propolis-net/relay/internal/model"
)

const (
	queueKey          = "relay:push:queue"
	leaseKey          = "relay:push:leases"
	attemptsKeyPrefix = "relay:push:attempts:"
)

var leaseScript = redis.NewScript(`
local leaseUntil = redis.call('ZSCORE', KEYS[1], ARGV[1])
if leaseUntil and tonumber(leaseUntil) > tonumber(ARGV[2]) then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

// Queue is the Redis-backed delayed job queue.
type Queue struct {
	client *redis.Client
}

func NewQueue(addr string) *Queue {
	return &Queue{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// Enqueue schedules a wake-up job for recipientID to become eligible
// at deliverAfter. Re-enqueuing the same recipient before the prior
// job is dispatched simply moves its deliver-after time — spec.md
// §4.7 only needs one outstanding wake job per recipient to matter.
func (q *Queue) Enqueue(recipientID model.UserID, deliverAfter time.Time) error {
	err := q.client.ZAdd(queueKey, redis.Z{
		Score:  float64(deliverAfter.Unix()),
		Member: string(recipientID),
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueueing push job: %w", err)
	}
	return nil
}

// Poll returns up to limit recipient ids whose deliver-after has
// passed and that are not currently leased by another worker.
func (q *Queue) Poll(now time.Time, limit int) ([]model.UserID, error) {
	members, err := q.client.ZRangeByScore(queueKey, redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.Unix()),
		Count: int64(limit * 4), // over-fetch; some may already be leased
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("polling push queue: %w", err)
	}

	recipients := make([]model.UserID, 0, limit)
	for _, m := range members {
		if len(recipients) >= limit {
			break
		}
		leaseUntil, err := q.client.ZScore(leaseKey, m).Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("checking push lease: %w", err)
		}
		if err == nil && leaseUntil > float64(now.Unix()) {
			continue
		}
		recipients = append(recipients, model.UserID(m))
	}
	return recipients, nil
}

// Lease attempts to acquire an exclusive lease on recipientID's job
// until leaseUntil. Returns false if another worker already holds a
// live lease on it.
func (q *Queue) Lease(recipientID model.UserID, now, leaseUntil time.Time) (bool, error) {
	result, err := leaseScript.Run(q.client, []string{leaseKey},
		string(recipientID), now.Unix(), leaseUntil.Unix()).Result()
	if err != nil {
		return false, fmt.Errorf("leasing push job: %w", err)
	}
	acquired, ok := result.(int64)
	return ok && acquired == 1, nil
}

// Complete removes recipientID's job and lease — called on success or
// permanent failure.
func (q *Queue) Complete(recipientID model.UserID) error {
	pipe := q.client.Pipeline()
	pipe.ZRem(queueKey, string(recipientID))
	pipe.ZRem(leaseKey, string(recipientID))
	pipe.Del(attemptsKey(recipientID))
	if _, err := pipe.Exec(); err != nil {
		return fmt.Errorf("completing push job: %w", err)
	}
	return nil
}

// Backoff releases the lease and pushes deliver-after into the future,
// leaving the job visible again after the delay (used for RateLimited
// and transient-error outcomes).
func (q *Queue) Backoff(recipientID model.UserID, delay time.Duration) error {
	pipe := q.client.Pipeline()
	pipe.ZRem(leaseKey, string(recipientID))
	pipe.ZAdd(queueKey, redis.Z{
		Score:  float64(time.Now().Add(delay).Unix()),
		Member: string(recipientID),
	})
	if _, err := pipe.Exec(); err != nil {
		return fmt.Errorf("backing off push job: %w", err)
	}
	return nil
}

// IncrementAttempts bumps and returns the attempt counter for
// recipientID's current job, so the worker can detect permanent failure.
func (q *Queue) IncrementAttempts(recipientID model.UserID) (int, error) {
	count, err := q.client.Incr(attemptsKey(recipientID)).Result()
	if err != nil {
		return 0, fmt.Errorf("incrementing attempts: %w", err)
	}
	return int(count), nil
}

func attemptsKey(recipientID model.UserID) string {
	return attemptsKeyPrefix + string(recipientID)
}
