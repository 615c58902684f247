//go:build e2e

package redisstream_test

import (
	"context"
	"testing"
	"time"

	"github.com/hugolhafner/healthstream/stream"
	redisstream "github.com/hugolhafner/healthstream/stream/redis"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func setupClient(t *testing.T, opts ...redisstream.Option) *redisstream.Client {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(
		func() {
			_ = container.Terminate(context.Background())
		},
	)

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	redisOpts, err := redis.ParseURL(uri)
	require.NoError(t, err)

	c := redisstream.NewFromRedis(redis.NewClient(redisOpts), opts...)
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Ping(ctx))
	return c
}

func TestClient_EnsureGroupIdempotent(t *testing.T) {
	c := setupClient(t)
	ctx := context.Background()

	status, err := c.EnsureGroup(ctx, "metrics", "group", stream.StartNew)
	require.NoError(t, err)
	require.Equal(t, stream.GroupCreated, status)

	status, err = c.EnsureGroup(ctx, "metrics", "group", stream.StartNew)
	require.NoError(t, err)
	require.Equal(t, stream.GroupExists, status)
}

func TestClient_ReadAckPending(t *testing.T) {
	c := setupClient(t, redisstream.WithReclaimAfter(time.Hour))
	ctx := context.Background()

	_, err := c.EnsureGroup(ctx, "metrics", "group", stream.StartNew)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := c.Append(ctx, "metrics", map[string]string{"n": "x"})
		require.NoError(t, err)
	}

	length, err := c.Length(ctx, "metrics")
	require.NoError(t, err)
	require.Equal(t, int64(3), length)

	entries, err := c.ReadGroup(
		ctx, stream.ReadGroupArgs{Stream: "metrics", Group: "group", Consumer: "c1", Count: 10, Block: time.Second},
	)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, 1, entries[0].Deliveries)
	require.Equal(t, "x", entries[0].Fields["n"])

	pending, err := c.PendingCount(ctx, "metrics", "group")
	require.NoError(t, err)
	require.Equal(t, int64(3), pending)

	require.NoError(t, c.Ack(ctx, "metrics", "group", entries[0].ID, entries[1].ID))

	pending, err = c.PendingCount(ctx, "metrics", "group")
	require.NoError(t, err)
	require.Equal(t, int64(1), pending)
}

func TestClient_ReadGroupTimesOutEmpty(t *testing.T) {
	c := setupClient(t)
	ctx := context.Background()

	_, err := c.EnsureGroup(ctx, "metrics", "group", stream.StartNew)
	require.NoError(t, err)

	entries, err := c.ReadGroup(
		ctx,
		stream.ReadGroupArgs{Stream: "metrics", Group: "group", Consumer: "c1", Count: 10, Block: 100 * time.Millisecond},
	)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestClient_ReclaimsIdleEntries(t *testing.T) {
	c := setupClient(t, redisstream.WithReclaimAfter(200*time.Millisecond))
	ctx := context.Background()

	_, err := c.EnsureGroup(ctx, "metrics", "group", stream.StartNew)
	require.NoError(t, err)

	id, err := c.Append(ctx, "metrics", map[string]string{"n": "x"})
	require.NoError(t, err)

	args := stream.ReadGroupArgs{Stream: "metrics", Group: "group", Consumer: "c1", Count: 10, Block: time.Second}
	entries, err := c.ReadGroup(ctx, args)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	time.Sleep(300 * time.Millisecond)

	args.Consumer = "c2"
	entries, err = c.ReadGroup(ctx, args)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, id, entries[0].ID)
	require.Equal(t, 2, entries[0].Deliveries)
}
