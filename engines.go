package weft

import (
	"database/sql"

	"github.com/ekorhonen/weft/internal/engine"
	"github.com/ekorhonen/weft/internal/persistence"
	"github.com/ekorhonen/weft/internal/taskqueue"
)

// NewInMemoryEngine returns an Engine with no durability: run history and
// queued tasks live in process memory. Pair it with workers from
// pkg/worker, or use NewInMemoryBundle for the wired-up version.
func NewInMemoryEngine() Engine {
	return NewInMemoryEngineWithObserver(nil)
}

// NewInMemoryEngineWithObserver is NewInMemoryEngine with the given
// Observer.
func NewInMemoryEngineWithObserver(obs Observer) Engine {
	return engine.New(engine.Config{
		Store:    persistence.NewInMemoryStore(),
		Queue:    taskqueue.NewInMemoryQueue(),
		Observer: obs,
	})
}

// NewSQLiteEngine returns an Engine that persists run histories and tasks in
// the given SQLite database. The caller imports the driver, e.g.
// "modernc.org/sqlite". Further backends live in the postgres and redis
// submodules.
func NewSQLiteEngine(db *sql.DB) (Engine, error) {
	return NewSQLiteEngineWithObserver(db, nil)
}

// NewSQLiteEngineWithObserver is NewSQLiteEngine with the given Observer.
func NewSQLiteEngineWithObserver(db *sql.DB, obs Observer) (Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	queue, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	return engine.New(engine.Config{
		Store:    store,
		Queue:    queue,
		Observer: obs,
	}), nil
}
