package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jaakkos/duet/internal/app"
)

// Queue is a TriggerQueue that can report its depth and be shut down.
type Queue interface {
	app.TriggerQueue
	Len(ctx context.Context) (int64, error)
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Backend   string // "memory" (default) or "redis"
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	Capacity  int
}

// Open builds the configured queue. For Redis it checks connectivity and
// requeues payloads left unacknowledged by a previous process.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (Queue, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(cfg.Capacity), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,

			ContextTimeoutEnabled: true,
		})
		q := NewRedis(client, RedisOptions{KeyPrefix: cfg.KeyPrefix}, logger)
		if err := q.Ping(ctx); err != nil {
			_ = q.Close()
			return nil, err
		}
		n, err := q.Recover(ctx)
		if err != nil {
			_ = q.Close()
			return nil, err
		}
		if n > 0 {
			logger.Info("requeued unacknowledged triggers", zap.Int("count", n))
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}
