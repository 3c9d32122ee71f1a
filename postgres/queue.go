package postgres

import (
	"database/sql"

	"github.com/ekorhonen/weft"
	pqueue "github.com/ekorhonen/weft/postgres/internal/taskqueue"
)

// NewPostgresQueue returns a standalone Postgres-backed task queue, usable
// with workers that run separately from the engine process.
func NewPostgresQueue(db *sql.DB) (weft.Queue, error) {
	return pqueue.NewPostgresQueue(db)
}
