package postgres

import (
	"database/sql"

	"github.com/ekorhonen/weft/internal/engine"
	"github.com/ekorhonen/weft/pkg/api"

	pstore "github.com/ekorhonen/weft/postgres/internal/persistence"
	pqueue "github.com/ekorhonen/weft/postgres/internal/taskqueue"
)

// NewPostgresEngine returns an Engine that persists run histories and tasks
// in PostgreSQL, sharing the given database.
func NewPostgresEngine(db *sql.DB) (api.Engine, error) {
	return NewPostgresEngineWithObserver(db, nil)
}

// NewPostgresEngineWithObserver returns a Postgres-backed Engine with the
// given Observer.
func NewPostgresEngineWithObserver(db *sql.DB, obs api.Observer) (api.Engine, error) {
	store, err := pstore.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	queue, err := pqueue.NewPostgresQueue(db)
	if err != nil {
		return nil, err
	}

	return engine.New(engine.Config{
		Store:    store,
		Queue:    queue,
		Observer: obs,
	}), nil
}
