package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	corep "github.com/ekorhonen/weft/internal/persistence"
	"github.com/ekorhonen/weft/pkg/api"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver (for example,
// "github.com/jackc/pgx/v5/stdlib" or "github.com/lib/pq").
//
// The caller is responsible for importing the driver for its side effects,
// e.g.:
//
//	import _ "github.com/jackc/pgx/v5/stdlib"
type PostgresStore struct {
	db *sql.DB
}

// Ensure PostgresStore implements Store.
var _ corep.Store = (*PostgresStore)(nil)

// NewPostgresStore initializes the required schema in the given database and
// returns a new PostgresStore.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *PostgresStore) initSchema() error {
	_, err := p.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			run_id      TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			workflow    TEXT NOT NULL,
			status      TEXT NOT NULL,
			input       BYTEA,
			output      BYTEA,
			error       TEXT NOT NULL DEFAULT '',
			version     BIGINT NOT NULL,
			created_at  BIGINT NOT NULL,
			updated_at  BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_workflow_id ON runs(workflow_id, created_at);

		CREATE TABLE IF NOT EXISTS run_events (
			run_id  TEXT NOT NULL,
			seq     BIGINT NOT NULL,
			type    TEXT NOT NULL,
			at      BIGINT NOT NULL,
			payload BYTEA,
			PRIMARY KEY (run_id, seq)
		);
	`)
	return err
}

func (p *PostgresStore) CreateRun(ctx context.Context, run *api.WorkflowRun, started api.Event, rejectDuplicate bool) error {
	input, err := corep.EncodeValue(run.Input)
	if err != nil {
		return err
	}
	payload, err := corep.EncodeValue(started.Payload)
	if err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if rejectDuplicate {
		var open int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM runs
			WHERE workflow_id = $1 AND status = $2`,
			run.WorkflowID, string(api.StatusRunning),
		).Scan(&open)
		if err != nil {
			return err
		}
		if open > 0 {
			return api.ErrAlreadyExists
		}
	}

	at := started.At
	if at.IsZero() {
		at = time.Now()
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, workflow_id, workflow, status, input, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 1, $6, $7)`,
		run.RunID,
		run.WorkflowID,
		run.Workflow,
		string(run.Status),
		input,
		run.CreatedAt.UnixNano(),
		run.UpdatedAt.UnixNano(),
	); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO run_events (run_id, seq, type, at, payload)
		VALUES ($1, 1, $2, $3, $4)`,
		run.RunID,
		string(started.Type),
		at.UnixNano(),
		payload,
	); err != nil {
		return err
	}

	return tx.Commit()
}

func (p *PostgresStore) AppendEvents(ctx context.Context, runID string, expectedVersion int, events []api.Event) (int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		statusStr string
		version   int
	)
	// Row-lock the run so concurrent appenders serialize here rather than
	// failing on the primary key of run_events.
	err = tx.QueryRowContext(ctx, `
		SELECT status, version FROM runs WHERE run_id = $1 FOR UPDATE`, runID,
	).Scan(&statusStr, &version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, api.ErrRunNotFound
		}
		return 0, err
	}
	if api.Status(statusStr).Terminal() || version != expectedVersion {
		return 0, api.ErrConcurrencyConflict
	}

	// Fold the events into the projection while inserting them.
	run := api.WorkflowRun{Status: api.Status(statusStr)}
	for i := range events {
		events[i].RunID = runID
		events[i].Seq = expectedVersion + i + 1
		if events[i].At.IsZero() {
			events[i].At = time.Now()
		}

		payload, err := corep.EncodeValue(events[i].Payload)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO run_events (run_id, seq, type, at, payload)
			VALUES ($1, $2, $3, $4, $5)`,
			runID,
			events[i].Seq,
			string(events[i].Type),
			events[i].At.UnixNano(),
			payload,
		); err != nil {
			return 0, err
		}
		corep.ApplyProjection(&run, events[i])
	}

	output, err := corep.EncodeValue(run.Output)
	if err != nil {
		return 0, err
	}
	errStr := ""
	if run.Err != nil {
		errStr = run.Err.Error()
	}

	newVersion := expectedVersion + len(events)
	if _, err := tx.ExecContext(ctx, `
		UPDATE runs
		SET version = $1, status = $2, output = $3, error = $4, updated_at = $5
		WHERE run_id = $6`,
		newVersion,
		string(run.Status),
		output,
		errStr,
		run.UpdatedAt.UnixNano(),
		runID,
	); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return newVersion, nil
}

func (p *PostgresStore) ReadEvents(ctx context.Context, runID string, fromVersion int) ([]api.Event, int, error) {
	var version int
	err := p.db.QueryRowContext(ctx, `
		SELECT version FROM runs WHERE run_id = $1`, runID,
	).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, api.ErrRunNotFound
		}
		return nil, 0, err
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT seq, type, at, payload
		FROM run_events
		WHERE run_id = $1 AND seq > $2
		ORDER BY seq ASC`, runID, fromVersion)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []api.Event
	for rows.Next() {
		var (
			seq     int
			typ     string
			atN     int64
			payload []byte
		)
		if err := rows.Scan(&seq, &typ, &atN, &payload); err != nil {
			return nil, 0, err
		}
		decoded, err := corep.DecodeValue(payload)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, api.Event{
			RunID:   runID,
			Seq:     seq,
			Type:    api.EventType(typ),
			At:      time.Unix(0, atN),
			Payload: decoded,
		})
	}
	return out, version, rows.Err()
}

func (p *PostgresStore) GetRun(ctx context.Context, workflowID string) (*api.WorkflowRun, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT run_id, workflow_id, workflow, status, input, output, error, created_at, updated_at
		FROM runs
		WHERE workflow_id = $1
		ORDER BY created_at DESC, run_id DESC
		LIMIT 1`, workflowID)
	return scanRun(row)
}

func (p *PostgresStore) GetRunByID(ctx context.Context, runID string) (*api.WorkflowRun, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT run_id, workflow_id, workflow, status, input, output, error, created_at, updated_at
		FROM runs
		WHERE run_id = $1`, runID)
	return scanRun(row)
}

func (p *PostgresStore) ListRuns(ctx context.Context, filter api.RunListOptions) ([]*api.WorkflowRun, error) {
	query := `
		SELECT run_id, workflow_id, workflow, status, input, output, error, created_at, updated_at
		FROM runs`
	var args []any
	var clauses []string

	if filter.Workflow != "" {
		clauses = append(clauses, fmt.Sprintf("workflow = $%d", len(args)+1))
		args = append(args, filter.Workflow)
	}
	if filter.Status != "" {
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)+1))
		args = append(args, string(filter.Status))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*api.WorkflowRun, error) {
	var (
		run           api.WorkflowRun
		statusStr     string
		input, output []byte
		errStr        string
		createdN      int64
		updatedN      int64
	)
	err := row.Scan(&run.RunID, &run.WorkflowID, &run.Workflow, &statusStr,
		&input, &output, &errStr, &createdN, &updatedN)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, api.ErrRunNotFound
		}
		return nil, err
	}

	run.Status = api.Status(statusStr)
	run.CreatedAt = time.Unix(0, createdN)
	run.UpdatedAt = time.Unix(0, updatedN)

	if run.Input, err = corep.DecodeValue(input); err != nil {
		return nil, err
	}
	if run.Output, err = corep.DecodeValue(output); err != nil {
		return nil, err
	}
	if errStr != "" {
		run.Err = errors.New(errStr)
	}
	return &run, nil
}
