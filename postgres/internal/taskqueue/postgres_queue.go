package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	coreq "github.com/ekorhonen/weft/internal/taskqueue"
)

// PostgresQueue is a persistent task queue backed by a PostgreSQL table.
// Leases are tracked per row; an expired lease makes the row claimable
// again, so delivery survives worker crashes. The claim query uses
// FOR UPDATE SKIP LOCKED, so many workers can poll the same queue without
// serializing on each other.
type PostgresQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// Ensure PostgresQueue implements Queue.
var _ coreq.Queue = (*PostgresQueue)(nil)

// NewPostgresQueue initializes the tasks table in the given DB and returns a
// new queue.
func NewPostgresQueue(db *sql.DB) (*PostgresQueue, error) {
	q := &PostgresQueue{
		db:           db,
		pollInterval: 50 * time.Millisecond,
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *PostgresQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id          TEXT PRIMARY KEY,
			queue       TEXT NOT NULL,
			kind        TEXT NOT NULL,
			run_id      TEXT NOT NULL,
			activity_id TEXT NOT NULL DEFAULT '',
			attempt     BIGINT NOT NULL DEFAULT 0,
			timer_id    TEXT NOT NULL DEFAULT '',
			enqueued_at BIGINT NOT NULL,
			not_before  BIGINT NOT NULL,
			attempts    BIGINT NOT NULL DEFAULT 0,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_until BIGINT NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(queue, not_before, lease_until);
	`)
	return err
}

func (q *PostgresQueue) Enqueue(ctx context.Context, t coreq.Task) error {
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

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO tasks (id, queue, kind, run_id, activity_id, attempt, timer_id, enqueued_at, not_before, attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		t.ID,
		t.Queue,
		string(t.Kind),
		t.RunID,
		t.ActivityID,
		t.Attempt,
		t.TimerID,
		t.EnqueuedAt.UnixNano(),
		notBefore.UnixNano(),
		t.Attempts,
	)
	return err
}

func (q *PostgresQueue) Dequeue(ctx context.Context, queue string, owner string, leaseTTL time.Duration) (*coreq.Task, error) {
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

func (q *PostgresQueue) tryClaim(ctx context.Context, queue string, owner string, leaseTTL time.Duration) (*coreq.Task, error) {
	now := time.Now()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var t coreq.Task
	var kindStr string
	var enqueuedN, notBeforeN int64

	row := tx.QueryRowContext(ctx, `
		SELECT id, queue, kind, run_id, activity_id, attempt, timer_id, enqueued_at, not_before, attempts
		FROM tasks
		WHERE queue = $1 AND not_before <= $2 AND lease_until <= $3
		ORDER BY not_before, enqueued_at
		FOR UPDATE SKIP LOCKED
		LIMIT 1`, queue, now.UnixNano(), now.UnixNano())
	err = row.Scan(&t.ID, &t.Queue, &kindStr, &t.RunID, &t.ActivityID, &t.Attempt,
		&t.TimerID, &enqueuedN, &notBeforeN, &t.Attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET lease_owner = $1, lease_until = $2, attempts = attempts + 1
		WHERE id = $3`,
		owner, now.Add(leaseTTL).UnixNano(), t.ID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	t.Kind = coreq.TaskKind(kindStr)
	t.EnqueuedAt = time.Unix(0, enqueuedN)
	t.NotBefore = time.Unix(0, notBeforeN)
	t.Attempts++
	return &t, nil
}

func (q *PostgresQueue) Ack(ctx context.Context, taskID string, owner string) error {
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM tasks WHERE id = $1 AND lease_owner = $2 AND lease_until > $3`,
		taskID, owner, time.Now().UnixNano())
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return coreq.ErrLeaseLost
	}
	return nil
}

func (q *PostgresQueue) Nack(ctx context.Context, taskID string, owner string, notBefore time.Time) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE tasks
		SET lease_owner = '', lease_until = 0, not_before = $1
		WHERE id = $2 AND lease_owner = $3 AND lease_until > $4`,
		notBefore.UnixNano(), taskID, owner, time.Now().UnixNano())
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return coreq.ErrLeaseLost
	}
	return nil
}

func (q *PostgresQueue) RenewLease(ctx context.Context, taskID string, owner string, leaseTTL time.Duration) error {
	now := time.Now()
	res, err := q.db.ExecContext(ctx, `
		UPDATE tasks
		SET lease_until = $1
		WHERE id = $2 AND lease_owner = $3 AND lease_until > $4`,
		now.Add(leaseTTL).UnixNano(), taskID, owner, now.UnixNano())
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return coreq.ErrLeaseLost
	}
	return nil
}

func (q *PostgresQueue) Len(queue string) int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM tasks WHERE queue = $1`, queue).Scan(&n); err != nil {
		return 0
	}
	return n
}
