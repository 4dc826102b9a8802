package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jaakkos/duet/internal/app"
	"github.com/jaakkos/duet/internal/domain"
)

func setupRedisQueue(t *testing.T) (*miniredis.Miniredis, *Redis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	q := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr(), ContextTimeoutEnabled: true}),
		RedisOptions{KeyPrefix: "test:", BlockTimeout: time.Second}, zap.NewNop())
	t.Cleanup(func() { _ = q.Close() })
	return mr, q
}

func TestRedis_EnqueueDedupes(t *testing.T) {
	mr, q := setupRedisQueue(t)
	ctx := context.Background()

	added, err := q.Enqueue(ctx, trig(domain.TriggerAdvance, "s1"))
	require.NoError(t, err)
	assert.True(t, added)
	added, err = q.Enqueue(ctx, trig(domain.TriggerAdvance, "s1"))
	require.NoError(t, err)
	assert.False(t, added)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	ok, err := mr.SIsMember("test:pending", "advance:s1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedis_DequeueAckLifecycle(t *testing.T) {
	mr, q := setupRedisQueue(t)
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, trig(domain.TriggerStart, "a"))
	_, _ = q.Enqueue(ctx, trig(domain.TriggerStart, "b"))

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", d.Trigger().SessionID)
	assert.Equal(t, domain.TriggerStart, d.Trigger().Kind)

	processing, err := mr.List("test:processing")
	require.NoError(t, err)
	assert.Len(t, processing, 1)

	// pending key released at dequeue
	added, err := q.Enqueue(ctx, trig(domain.TriggerStart, "a"))
	require.NoError(t, err)
	assert.True(t, added)

	require.NoError(t, d.Ack(ctx))
	assert.False(t, mr.Exists("test:processing"))

	d, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", d.Trigger().SessionID)
}

func TestRedis_RecoverRequeuesUnacked(t *testing.T) {
	_, q := setupRedisQueue(t)
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, trig(domain.TriggerAdvance, "a"))
	_, _ = q.Enqueue(ctx, trig(domain.TriggerAdvance, "b"))

	_, err := q.Dequeue(ctx) // a, never acked
	require.NoError(t, err)
	_, err = q.Dequeue(ctx) // b, never acked
	require.NoError(t, err)
	_, _ = q.Enqueue(ctx, trig(domain.TriggerAdvance, "b")) // b pending again

	n, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var got []string
	for i := 0; i < 2; i++ {
		d, err := q.Dequeue(ctx)
		require.NoError(t, err)
		got = append(got, d.Trigger().SessionID)
		require.NoError(t, d.Ack(ctx))
	}
	assert.ElementsMatch(t, []string{"a", "b"}, got)
	left, _ := q.Len(ctx)
	assert.Zero(t, left)
}

func TestRedis_DropsMalformedPayload(t *testing.T) {
	mr, q := setupRedisQueue(t)
	ctx := context.Background()
	_, err := mr.Lpush("test:queue", "not json")
	require.NoError(t, err)
	_, _ = q.Enqueue(ctx, trig(domain.TriggerStart, "a"))

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", d.Trigger().SessionID)
}

func TestRedis_DequeueHonoursContextAndClose(t *testing.T) {
	_, q := setupRedisQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, q.Close())
	_, err = q.Dequeue(context.Background())
	assert.ErrorIs(t, err, app.ErrQueueClosed)
	_, err = q.Enqueue(context.Background(), trig(domain.TriggerStart, "a"))
	assert.ErrorIs(t, err, app.ErrQueueClosed)
}

func TestOpen_Redis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	q, err := Open(context.Background(), Config{Backend: "redis", Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)
	defer q.Close()
	added, err := q.Enqueue(context.Background(), trig(domain.TriggerStart, "s1"))
	require.NoError(t, err)
	assert.True(t, added)
	assert.True(t, mr.Exists(DefaultKeyPrefix+"queue"))
}
