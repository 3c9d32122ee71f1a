package taskqueue

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	coreq "github.com/ekorhonen/weft/internal/taskqueue"
	"github.com/ekorhonen/weft/redis/internal/testutil"
)

const prefix = "weft:test:"

type RedisQueueTestSuite struct {
	suite.Suite
	endpoint string
	queue    *RedisQueue
	client   *redis.Client
	ctx      context.Context
}

func TestRedisQueueTestSuite(t *testing.T) {
	testsuite := new(RedisQueueTestSuite)
	testsuite.endpoint = testutil.GetRedisAddress(t)

	client := redis.NewClient(&redis.Options{
		Addr: testsuite.endpoint,
	})
	t.Cleanup(func() {
		_ = client.Close()
	})
	testsuite.client = client
	testsuite.ctx = context.Background()

	if err := client.Ping(testsuite.ctx).Err(); err != nil {
		t.Fatalf("redis ping failed: %v", err)
	}
	testsuite.queue = NewRedisQueue(client, prefix)

	suite.Run(t, testsuite)
}

func (q *RedisQueueTestSuite) SetupTest() {
	iter := q.client.Scan(q.ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(q.ctx) {
		err := q.client.Del(q.ctx, iter.Val()).Err()
		q.NoErrorf(err, "redis DEL %q failed: %v", iter.Val(), err)
	}
	q.NoError(iter.Err(), "redis SCAN failed")
}

func (q *RedisQueueTestSuite) dequeue(queue, owner string, leaseTTL time.Duration) *coreq.Task {
	ctx, cancel := context.WithTimeout(q.ctx, 2*time.Second)
	defer cancel()
	task, err := q.queue.Dequeue(ctx, queue, owner, leaseTTL)
	q.Require().NoErrorf(err, "Dequeue failed: %v", err)
	return task
}

func (q *RedisQueueTestSuite) TestEnqueueDequeueRoundtrip() {
	err := q.queue.Enqueue(q.ctx, coreq.Task{
		Queue:      "decisions",
		Kind:       coreq.TaskKindDecision,
		RunID:      "run-1",
		ActivityID: "activity-1",
		Attempt:    2,
	})
	q.NoErrorf(err, "Enqueue failed: %v", err)

	task := q.dequeue("decisions", "w1", time.Minute)
	q.Equal(coreq.TaskKindDecision, task.Kind)
	q.Equal("run-1", task.RunID)
	q.Equal("activity-1", task.ActivityID)
	q.Equal(2, task.Attempt)
	q.Equal(1, task.Attempts)
	q.NotEmpty(task.ID)
}

func (q *RedisQueueTestSuite) TestNotBeforeDelaysVisibility() {
	now := time.Now()
	q.NoError(q.queue.Enqueue(q.ctx, coreq.Task{
		Queue:     "decisions",
		Kind:      coreq.TaskKindTimer,
		RunID:     "run-1",
		TimerID:   "timer-1",
		NotBefore: now.Add(150 * time.Millisecond),
	}))

	ctx, cancel := context.WithTimeout(q.ctx, 50*time.Millisecond)
	defer cancel()
	_, err := q.queue.Dequeue(ctx, "decisions", "w1", time.Minute)
	q.ErrorIs(err, context.DeadlineExceeded)

	task := q.dequeue("decisions", "w1", time.Minute)
	q.Equal("timer-1", task.TimerID)
}

func (q *RedisQueueTestSuite) TestLeaseBlocksSecondConsumerUntilExpiry() {
	q.NoError(q.queue.Enqueue(q.ctx, coreq.Task{
		Queue: "activities",
		Kind:  coreq.TaskKindActivity,
		RunID: "run-1",
	}))

	first := q.dequeue("activities", "w1", 100*time.Millisecond)
	q.Equal(1, first.Attempts)

	// Held by w1; a rival gets nothing while the lease is live.
	ctx, cancel := context.WithTimeout(q.ctx, 40*time.Millisecond)
	defer cancel()
	_, err := q.queue.Dequeue(ctx, "activities", "w2", time.Minute)
	q.ErrorIs(err, context.DeadlineExceeded)

	// After expiry the task is redelivered with a bumped delivery count.
	second := q.dequeue("activities", "w2", time.Minute)
	q.Equal(first.ID, second.ID)
	q.Equal(2, second.Attempts)

	// The original owner's lease is gone.
	q.ErrorIs(q.queue.Ack(q.ctx, first.ID, "w1"), coreq.ErrLeaseLost)
}

func (q *RedisQueueTestSuite) TestAckRemovesAndGuardsOwnership() {
	q.NoError(q.queue.Enqueue(q.ctx, coreq.Task{
		Queue: "activities",
		Kind:  coreq.TaskKindActivity,
		RunID: "run-1",
	}))

	task := q.dequeue("activities", "w1", time.Minute)

	q.ErrorIs(q.queue.Ack(q.ctx, task.ID, "imposter"), coreq.ErrLeaseLost)
	q.NoError(q.queue.Ack(q.ctx, task.ID, "w1"))
	q.Equal(0, q.queue.Len("activities"))

	q.ErrorIs(q.queue.Ack(q.ctx, task.ID, "w1"), coreq.ErrLeaseLost)
}

func (q *RedisQueueTestSuite) TestNackReleasesWithDelay() {
	q.NoError(q.queue.Enqueue(q.ctx, coreq.Task{
		Queue: "activities",
		Kind:  coreq.TaskKindActivity,
		RunID: "run-1",
	}))

	task := q.dequeue("activities", "w1", time.Minute)
	q.NoError(q.queue.Nack(q.ctx, task.ID, "w1", time.Now().Add(80*time.Millisecond)))

	ctx, cancel := context.WithTimeout(q.ctx, 30*time.Millisecond)
	defer cancel()
	_, err := q.queue.Dequeue(ctx, "activities", "w2", time.Minute)
	q.ErrorIs(err, context.DeadlineExceeded)

	redelivered := q.dequeue("activities", "w2", time.Minute)
	q.Equal(task.ID, redelivered.ID)
	q.Equal(2, redelivered.Attempts)
}

func (q *RedisQueueTestSuite) TestRenewLeaseExtendsAndExpires() {
	q.NoError(q.queue.Enqueue(q.ctx, coreq.Task{
		Queue: "activities",
		Kind:  coreq.TaskKindActivity,
		RunID: "run-1",
	}))

	task := q.dequeue("activities", "w1", 80*time.Millisecond)

	// A renewing owner keeps the task leased past the original TTL.
	for i := 0; i < 3; i++ {
		time.Sleep(40 * time.Millisecond)
		q.NoError(q.queue.RenewLease(q.ctx, task.ID, "w1", 80*time.Millisecond))
	}

	q.ErrorIs(q.queue.RenewLease(q.ctx, task.ID, "w2", time.Minute), coreq.ErrLeaseLost)

	// Once the lease lapses, renewal fails for the old owner too.
	time.Sleep(120 * time.Millisecond)
	q.ErrorIs(q.queue.RenewLease(q.ctx, task.ID, "w1", time.Minute), coreq.ErrLeaseLost)
}

func (q *RedisQueueTestSuite) TestEnqueueExistingIDIsNoop() {
	q.NoError(q.queue.Enqueue(q.ctx, coreq.Task{
		ID:         "fixed-1",
		Queue:      "activities",
		Kind:       coreq.TaskKindActivity,
		RunID:      "run-1",
		ActivityID: "activity-1",
		Attempt:    1,
	}))
	q.NoError(q.queue.Enqueue(q.ctx, coreq.Task{
		ID:      "fixed-1",
		Queue:   "activities",
		Kind:    coreq.TaskKindActivity,
		RunID:   "run-other",
		Attempt: 3,
	}))
	q.Equal(1, q.queue.Len("activities"))

	task := q.dequeue("activities", "w1", time.Minute)
	q.Equal("run-1", task.RunID)
	q.Equal(1, task.Attempt)

	// Still taken while leased; free again after Ack.
	q.NoError(q.queue.Enqueue(q.ctx, coreq.Task{ID: "fixed-1", Queue: "activities", Kind: coreq.TaskKindActivity, RunID: "run-1"}))
	q.Equal(1, q.queue.Len("activities"))
	q.NoError(q.queue.Ack(q.ctx, task.ID, "w1"))
	q.NoError(q.queue.Enqueue(q.ctx, coreq.Task{ID: "fixed-1", Queue: "activities", Kind: coreq.TaskKindActivity, RunID: "run-1"}))
	q.Equal(1, q.queue.Len("activities"))
}

func (q *RedisQueueTestSuite) TestExpiredLeaseCannotAckOrNack() {
	q.NoError(q.queue.Enqueue(q.ctx, coreq.Task{
		Queue: "activities",
		Kind:  coreq.TaskKindActivity,
		RunID: "run-1",
	}))

	task := q.dequeue("activities", "w1", 40*time.Millisecond)
	time.Sleep(80 * time.Millisecond)

	// The lapsed owner has lost its claim even before a rival reclaims.
	q.ErrorIs(q.queue.Ack(q.ctx, task.ID, "w1"), coreq.ErrLeaseLost)
	q.ErrorIs(q.queue.Nack(q.ctx, task.ID, "w1", time.Now()), coreq.ErrLeaseLost)

	redelivered := q.dequeue("activities", "w2", time.Minute)
	q.Equal(task.ID, redelivered.ID)
}

func (q *RedisQueueTestSuite) TestQueuesAreIsolated() {
	q.NoError(q.queue.Enqueue(q.ctx, coreq.Task{Queue: "decisions", Kind: coreq.TaskKindDecision, RunID: "run-1"}))
	q.NoError(q.queue.Enqueue(q.ctx, coreq.Task{Queue: "activities", Kind: coreq.TaskKindActivity, RunID: "run-1"}))

	task := q.dequeue("decisions", "w1", time.Minute)
	q.Equal(coreq.TaskKindDecision, task.Kind)
	q.Equal(1, q.queue.Len("decisions"))
	q.Equal(1, q.queue.Len("activities"))
}
