package taskqueue

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	coreq "github.com/ekorhonen/weft/internal/taskqueue"
)

// RedisQueue is a task queue backed by Redis. Per queue name it keeps:
//
//	<prefix>queue:<name>:pending => ZSET of task IDs scored by not-before
//	<prefix>queue:<name>:leased  => ZSET of task IDs scored by lease expiry
//	<prefix>task:<taskID>        => HASH {payload, owner, attempts}
//
// Claiming runs as a Lua script: it first returns expired leases to the
// pending set, then moves the oldest eligible task to the leased set and
// records the owner, atomically. Ack, Nack and RenewLease are owner-guarded
// scripts as well, so a worker whose lease expired cannot affect a task that
// has since been handed to someone else.
type RedisQueue struct {
	client       *redis.Client
	prefix       string
	pollInterval time.Duration
}

// Ensure RedisQueue implements Queue.
var _ coreq.Queue = (*RedisQueue)(nil)

// NewRedisQueue creates a RedisQueue. prefix is optional but recommended
// (e.g. "weft:").
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "weft:"
	}
	return &RedisQueue{
		client:       client,
		prefix:       prefix,
		pollInterval: 20 * time.Millisecond,
	}
}

func (q *RedisQueue) keyPending(queue string) string {
	return q.prefix + "queue:" + queue + ":pending"
}

func (q *RedisQueue) keyLeased(queue string) string {
	return q.prefix + "queue:" + queue + ":leased"
}

func (q *RedisQueue) keyTask(taskID string) string {
	return q.prefix + "task:" + taskID
}

// enqueueScript inserts a task unless its ID is already present; the task
// hash lives until Ack, so a queued or leased duplicate is a no-op.
//
// KEYS: pending, task
// ARGV: taskID, notBefore, payload, attempts
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
	return 0
end
redis.call('HSET', KEYS[2], 'payload', ARGV[3], 'owner', '', 'attempts', ARGV[4])
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return 1
`)

// claimScript returns {id, payload, attempts} or false when nothing is
// eligible.
//
// KEYS: pending, leased
// ARGV: now, leaseUntil, owner, taskKeyPrefix
var claimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[2], id)
	redis.call('ZADD', KEYS[1], ARGV[1], id)
	redis.call('HSET', ARGV[4] .. id, 'owner', '')
end
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
	return false
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[2], id)
local task = ARGV[4] .. id
redis.call('HSET', task, 'owner', ARGV[3])
local attempts = redis.call('HINCRBY', task, 'attempts', 1)
return {id, redis.call('HGET', task, 'payload'), attempts}
`)

// ackScript deletes an owned task whose lease is still live.
//
// KEYS: leased, task
// ARGV: taskID, owner, now
var ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'owner') ~= ARGV[2] then
	return 0
end
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) <= tonumber(ARGV[3]) then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
return 1
`)

// nackScript releases an owned, still-live lease back to pending with a new
// not-before.
//
// KEYS: pending, leased, task
// ARGV: taskID, owner, notBefore, now
var nackScript = redis.NewScript(`
if redis.call('HGET', KEYS[3], 'owner') ~= ARGV[2] then
	return 0
end
local score = redis.call('ZSCORE', KEYS[2], ARGV[1])
if not score or tonumber(score) <= tonumber(ARGV[4]) then
	return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[3], 'owner', '')
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

// renewScript extends a live, owned lease.
//
// KEYS: leased, task
// ARGV: taskID, owner, now, leaseUntil
var renewScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'owner') ~= ARGV[2] then
	return 0
end
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) <= tonumber(ARGV[3]) then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[4], ARGV[1])
return 1
`)

func (q *RedisQueue) Enqueue(ctx context.Context, t coreq.Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	now := time.Now()
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = now
	}
	notBefore := t.NotBefore
	if notBefore.IsZero() {
		notBefore = t.EnqueuedAt
	}
	t.NotBefore = notBefore

	payload, err := coreq.EncodeTask(t)
	if err != nil {
		return err
	}

	return enqueueScript.Run(ctx, q.client,
		[]string{q.keyPending(t.Queue), q.keyTask(t.ID)},
		t.ID,
		strconv.FormatInt(notBefore.UnixNano(), 10),
		payload,
		t.Attempts,
	).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context, queue string, owner string, leaseTTL time.Duration) (*coreq.Task, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		task, err := q.tryClaim(ctx, queue, owner, leaseTTL)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *RedisQueue) tryClaim(ctx context.Context, queue string, owner string, leaseTTL time.Duration) (*coreq.Task, error) {
	now := time.Now()
	res, err := claimScript.Run(ctx, q.client,
		[]string{q.keyPending(queue), q.keyLeased(queue)},
		strconv.FormatInt(now.UnixNano(), 10),
		strconv.FormatInt(now.Add(leaseTTL).UnixNano(), 10),
		owner,
		q.prefix+"task:",
	).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	parts, ok := res.([]any)
	if !ok || len(parts) != 3 {
		return nil, errors.New("unexpected claim result")
	}
	payload, ok := parts[1].(string)
	if !ok {
		return nil, errors.New("unexpected claim payload")
	}
	attempts, ok := parts[2].(int64)
	if !ok {
		return nil, errors.New("unexpected claim attempts")
	}

	task, err := coreq.DecodeTask([]byte(payload))
	if err != nil {
		return nil, err
	}
	task.Attempts = int(attempts)
	return task, nil
}

func (q *RedisQueue) Ack(ctx context.Context, taskID string, owner string) error {
	queue, err := q.taskQueue(ctx, taskID)
	if err != nil {
		return err
	}
	return q.runGuarded(ctx, ackScript,
		[]string{q.keyLeased(queue), q.keyTask(taskID)},
		taskID, owner,
		strconv.FormatInt(time.Now().UnixNano(), 10))
}

func (q *RedisQueue) Nack(ctx context.Context, taskID string, owner string, notBefore time.Time) error {
	queue, err := q.taskQueue(ctx, taskID)
	if err != nil {
		return err
	}
	return q.runGuarded(ctx, nackScript,
		[]string{q.keyPending(queue), q.keyLeased(queue), q.keyTask(taskID)},
		taskID, owner,
		strconv.FormatInt(notBefore.UnixNano(), 10),
		strconv.FormatInt(time.Now().UnixNano(), 10))
}

func (q *RedisQueue) RenewLease(ctx context.Context, taskID string, owner string, leaseTTL time.Duration) error {
	queue, err := q.taskQueue(ctx, taskID)
	if err != nil {
		return err
	}
	now := time.Now()
	return q.runGuarded(ctx, renewScript,
		[]string{q.keyLeased(queue), q.keyTask(taskID)},
		taskID, owner,
		strconv.FormatInt(now.UnixNano(), 10),
		strconv.FormatInt(now.Add(leaseTTL).UnixNano(), 10))
}

func (q *RedisQueue) Len(queue string) int {
	ctx := context.Background()
	pending, err := q.client.ZCard(ctx, q.keyPending(queue)).Result()
	if err != nil {
		return 0
	}
	leased, err := q.client.ZCard(ctx, q.keyLeased(queue)).Result()
	if err != nil {
		return 0
	}
	return int(pending + leased)
}

func (q *RedisQueue) runGuarded(ctx context.Context, script *redis.Script, keys []string, args ...any) error {
	res, err := script.Run(ctx, q.client, keys, args...).Result()
	if err != nil {
		return err
	}
	if n, ok := res.(int64); !ok || n == 0 {
		return coreq.ErrLeaseLost
	}
	return nil
}

// taskQueue resolves which queue a task belongs to by decoding its payload.
// The task hash disappears on Ack, which reads as a lost lease.
func (q *RedisQueue) taskQueue(ctx context.Context, taskID string) (string, error) {
	payload, err := q.client.HGet(ctx, q.keyTask(taskID), "payload").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", coreq.ErrLeaseLost
		}
		return "", err
	}
	task, err := coreq.DecodeTask([]byte(payload))
	if err != nil {
		return "", err
	}
	return task.Queue, nil
}
