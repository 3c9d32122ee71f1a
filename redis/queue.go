package redis

import (
	"github.com/redis/go-redis/v9"

	"github.com/ekorhonen/weft"
	rqueue "github.com/ekorhonen/weft/redis/internal/taskqueue"
)

// NewRedisQueue returns a standalone Redis-backed task queue, usable with
// workers that run separately from the engine process.
func NewRedisQueue(client *redis.Client, prefix string) weft.Queue {
	return rqueue.NewRedisQueue(client, prefix)
}
