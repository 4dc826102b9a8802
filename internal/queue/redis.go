package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jaakkos/duet/internal/app"
	"github.com/jaakkos/duet/internal/domain"
)

// DefaultKeyPrefix namespaces the Redis keys used by the queue.
const DefaultKeyPrefix = "duet:triggers:"

// enqueueScript adds the trigger key to the pending set and pushes the
// payload only when the key was not already pending.
var enqueueScript = redis.NewScript(`
local added = redis.call('SADD', KEYS[2], ARGV[1])
if added == 1 then
  redis.call('LPUSH', KEYS[1], ARGV[2])
end
return added
`)

// RedisOptions configures a Redis queue.
type RedisOptions struct {
	KeyPrefix    string
	BlockTimeout time.Duration // per BLMOVE call; default 1s
}

// Redis is a reliable queue: Dequeue atomically moves a payload onto a
// processing list and Ack removes it from there. Payloads left in the
// processing list by a crashed consumer are put back by Recover.
type Redis struct {
	client     *redis.Client
	queue      string
	processing string
	pending    string
	block      time.Duration
	logger     *zap.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// NewRedis wraps client. The queue owns the client and closes it on Close.
func NewRedis(client *redis.Client, opts RedisOptions, logger *zap.Logger) *Redis {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	block := opts.BlockTimeout
	if block <= 0 {
		block = time.Second
	}
	return &Redis{
		client:     client,
		queue:      prefix + "queue",
		processing: prefix + "processing",
		pending:    prefix + "pending",
		block:      block,
		logger:     logger.With(zap.String("component", "redis_queue")),
		done:       make(chan struct{}),
	}
}

// Ping checks connectivity.
func (q *Redis) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Enqueue implements app.TriggerQueue.
func (q *Redis) Enqueue(ctx context.Context, t domain.Trigger) (bool, error) {
	if q.closed() {
		return false, app.ErrQueueClosed
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return false, fmt.Errorf("encode trigger: %w", err)
	}
	added, err := enqueueScript.Run(ctx, q.client, []string{q.queue, q.pending}, t.Key(), payload).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue: %w", err)
	}
	return added == 1, nil
}

// Dequeue implements app.TriggerQueue.
func (q *Redis) Dequeue(ctx context.Context) (app.Delivery, error) {
	for {
		if q.closed() {
			return nil, app.ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := q.client.BLMove(ctx, q.queue, q.processing, "RIGHT", "LEFT", q.block).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if q.closed() {
				return nil, app.ErrQueueClosed
			}
			return nil, fmt.Errorf("dequeue: %w", err)
		}

		var t domain.Trigger
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			q.logger.Warn("dropping malformed trigger", zap.String("payload", raw), zap.Error(err))
			q.client.LRem(ctx, q.processing, 1, raw)
			continue
		}
		if err := q.client.SRem(ctx, q.pending, t.Key()).Err(); err != nil {
			q.logger.Warn("failed to clear pending key", zap.String("trigger", t.Key()), zap.Error(err))
		}
		return &redisDelivery{q: q, t: t, raw: raw}, nil
	}
}

// Recover moves unacknowledged payloads back onto the queue. Call it at
// startup before any consumer runs. Payloads whose key is pending again
// are dropped.
func (q *Redis) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		raw, err := q.client.LIndex(ctx, q.processing, -1).Result()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("recover: %w", err)
		}
		var t domain.Trigger
		if json.Unmarshal([]byte(raw), &t) != nil {
			q.client.LRem(ctx, q.processing, 1, raw)
			continue
		}
		added, err := q.client.SAdd(ctx, q.pending, t.Key()).Result()
		if err != nil {
			return moved, fmt.Errorf("recover: %w", err)
		}
		if added == 0 {
			q.client.LRem(ctx, q.processing, 1, raw)
			continue
		}
		if err := q.client.LMove(ctx, q.processing, q.queue, "RIGHT", "RIGHT").Err(); err != nil {
			return moved, fmt.Errorf("recover: %w", err)
		}
		moved++
	}
}

// Len reports the number of queued (not yet dequeued) triggers.
func (q *Redis) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.queue).Result()
}

// Close stops consumers and closes the client.
func (q *Redis) Close() error {
	var err error
	q.closeOnce.Do(func() {
		close(q.done)
		err = q.client.Close()
	})
	return err
}

func (q *Redis) closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

type redisDelivery struct {
	q   *Redis
	t   domain.Trigger
	raw string
}

func (d *redisDelivery) Trigger() domain.Trigger { return d.t }

// Ack removes the payload from the processing list.
func (d *redisDelivery) Ack(ctx context.Context) error {
	if err := d.q.client.LRem(ctx, d.q.processing, 1, d.raw).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", d.t.Key(), err)
	}
	return nil
}
