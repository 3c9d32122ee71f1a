package redis

import (
	"github.com/redis/go-redis/v9"

	"github.com/ekorhonen/weft/internal/engine"
	"github.com/ekorhonen/weft/pkg/api"

	rstore "github.com/ekorhonen/weft/redis/internal/persistence"
	rqueue "github.com/ekorhonen/weft/redis/internal/taskqueue"
)

// NewRedisEngine returns an Engine that persists run histories and tasks in
// Redis under the given key prefix. An empty prefix defaults to "weft:".
func NewRedisEngine(client *redis.Client, prefix string) api.Engine {
	return NewRedisEngineWithObserver(client, prefix, nil)
}

// NewRedisEngineWithObserver returns a Redis-backed Engine with the given
// Observer.
func NewRedisEngineWithObserver(client *redis.Client, prefix string, obs api.Observer) api.Engine {
	return engine.New(engine.Config{
		Store:    rstore.NewRedisStore(client, prefix),
		Queue:    rqueue.NewRedisQueue(client, prefix),
		Observer: obs,
	})
}
