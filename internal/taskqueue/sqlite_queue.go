package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// SQLiteQueue is a persistent task queue backed by SQLite. Leases are
// tracked per row; an expired lease makes the row claimable again, so
// delivery survives worker crashes.
type SQLiteQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewSQLiteQueue initializes the tasks table in the given DB and returns a
// new queue.
func NewSQLiteQueue(db *sql.DB) (*SQLiteQueue, error) {
	q := &SQLiteQueue{
		db:           db,
		pollInterval: 20 * time.Millisecond,
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id          TEXT PRIMARY KEY,
			queue       TEXT NOT NULL,
			kind        TEXT NOT NULL,
			run_id      TEXT NOT NULL,
			activity_id TEXT NOT NULL DEFAULT '',
			attempt     INTEGER NOT NULL DEFAULT 0,
			timer_id    TEXT NOT NULL DEFAULT '',
			enqueued_at INTEGER NOT NULL,
			not_before  INTEGER NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_until INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(queue, not_before, lease_until);
	`)
	return err
}

// Ensure SQLiteQueue implements Queue.
var _ Queue = (*SQLiteQueue)(nil)

func (q *SQLiteQueue) Enqueue(ctx context.Context, t Task) error {
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
		INSERT OR IGNORE INTO tasks (id, queue, kind, run_id, activity_id, attempt, timer_id, enqueued_at, not_before, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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

func (q *SQLiteQueue) Dequeue(ctx context.Context, queue string, owner string, leaseTTL time.Duration) (*Task, error) {
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

func (q *SQLiteQueue) tryClaim(ctx context.Context, queue string, owner string, leaseTTL time.Duration) (*Task, error) {
	now := time.Now()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var t Task
	var kindStr string
	var enqueuedN, notBeforeN int64

	row := tx.QueryRowContext(ctx, `
		SELECT id, queue, kind, run_id, activity_id, attempt, timer_id, enqueued_at, not_before, attempts
		FROM tasks
		WHERE queue = ? AND not_before <= ? AND lease_until <= ?
		ORDER BY not_before, enqueued_at
		LIMIT 1`, queue, now.UnixNano(), now.UnixNano())
	err = row.Scan(&t.ID, &t.Queue, &kindStr, &t.RunID, &t.ActivityID, &t.Attempt,
		&t.TimerID, &enqueuedN, &notBeforeN, &t.Attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET lease_owner = ?, lease_until = ?, attempts = attempts + 1
		WHERE id = ? AND lease_until <= ?`,
		owner, now.Add(leaseTTL).UnixNano(), t.ID, now.UnixNano())
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// Lost the claim race; try again on the next poll.
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	t.Kind = TaskKind(kindStr)
	t.EnqueuedAt = time.Unix(0, enqueuedN)
	t.NotBefore = time.Unix(0, notBeforeN)
	t.Attempts++
	return &t, nil
}

func (q *SQLiteQueue) Ack(ctx context.Context, taskID string, owner string) error {
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM tasks WHERE id = ? AND lease_owner = ? AND lease_until > ?`,
		taskID, owner, time.Now().UnixNano())
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *SQLiteQueue) Nack(ctx context.Context, taskID string, owner string, notBefore time.Time) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE tasks
		SET lease_owner = '', lease_until = 0, not_before = ?
		WHERE id = ? AND lease_owner = ? AND lease_until > ?`,
		notBefore.UnixNano(), taskID, owner, time.Now().UnixNano())
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *SQLiteQueue) RenewLease(ctx context.Context, taskID string, owner string, leaseTTL time.Duration) error {
	now := time.Now()
	res, err := q.db.ExecContext(ctx, `
		UPDATE tasks
		SET lease_until = ?
		WHERE id = ? AND lease_owner = ? AND lease_until > ?`,
		now.Add(leaseTTL).UnixNano(), taskID, owner, now.UnixNano())
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *SQLiteQueue) Len(queue string) int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM tasks WHERE queue = ?`, queue).Scan(&n); err != nil {
		return 0
	}
	return n
}
