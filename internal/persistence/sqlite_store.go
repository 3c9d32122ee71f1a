package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/ekorhonen/weft/pkg/api"
)

// SQLiteStore is a Store backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the required schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			run_id      TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			workflow    TEXT NOT NULL,
			status      TEXT NOT NULL,
			input       BLOB,
			output      BLOB,
			error       TEXT NOT NULL DEFAULT '',
			version     INTEGER NOT NULL,
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_workflow_id ON runs(workflow_id, created_at);

		CREATE TABLE IF NOT EXISTS run_events (
			run_id  TEXT NOT NULL,
			seq     INTEGER NOT NULL,
			type    TEXT NOT NULL,
			at      INTEGER NOT NULL,
			payload BLOB,
			PRIMARY KEY (run_id, seq)
		);
	`)
	return err
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *api.WorkflowRun, started api.Event, rejectDuplicate bool) error {
	input, err := EncodeValue(run.Input)
	if err != nil {
		return err
	}
	payload, err := EncodeValue(started.Payload)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if rejectDuplicate {
		var open int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM runs
			WHERE workflow_id = ? AND status = ?`,
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
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
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
		VALUES (?, 1, ?, ?, ?)`,
		run.RunID,
		string(started.Type),
		at.UnixNano(),
		payload,
	); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStore) AppendEvents(ctx context.Context, runID string, expectedVersion int, events []api.Event) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		statusStr string
		version   int
	)
	err = tx.QueryRowContext(ctx, `
		SELECT status, version FROM runs WHERE run_id = ?`, runID,
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

		payload, err := EncodeValue(events[i].Payload)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO run_events (run_id, seq, type, at, payload)
			VALUES (?, ?, ?, ?, ?)`,
			runID,
			events[i].Seq,
			string(events[i].Type),
			events[i].At.UnixNano(),
			payload,
		); err != nil {
			return 0, err
		}
		ApplyProjection(&run, events[i])
	}

	output, err := EncodeValue(run.Output)
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
		SET version = ?, status = ?, output = ?, error = ?, updated_at = ?
		WHERE run_id = ?`,
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

func (s *SQLiteStore) ReadEvents(ctx context.Context, runID string, fromVersion int) ([]api.Event, int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, `
		SELECT version FROM runs WHERE run_id = ?`, runID,
	).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, api.ErrRunNotFound
		}
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, type, at, payload
		FROM run_events
		WHERE run_id = ? AND seq > ?
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
		decoded, err := DecodeValue(payload)
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

func (s *SQLiteStore) GetRun(ctx context.Context, workflowID string) (*api.WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, workflow_id, workflow, status, input, output, error, created_at, updated_at
		FROM runs
		WHERE workflow_id = ?
		ORDER BY created_at DESC, run_id DESC
		LIMIT 1`, workflowID)
	return scanRun(row)
}

func (s *SQLiteStore) GetRunByID(ctx context.Context, runID string) (*api.WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, workflow_id, workflow, status, input, output, error, created_at, updated_at
		FROM runs
		WHERE run_id = ?`, runID)
	return scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter api.RunListOptions) ([]*api.WorkflowRun, error) {
	query := `
		SELECT run_id, workflow_id, workflow, status, input, output, error, created_at, updated_at
		FROM runs`
	var args []any
	var clauses []string

	if filter.Workflow != "" {
		clauses = append(clauses, "workflow = ?")
		args = append(args, filter.Workflow)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
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

	if run.Input, err = DecodeValue(input); err != nil {
		return nil, err
	}
	if run.Output, err = DecodeValue(output); err != nil {
		return nil, err
	}
	if errStr != "" {
		run.Err = errors.New(errStr)
	}
	return &run, nil
}
