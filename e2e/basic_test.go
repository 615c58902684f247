//go:build e2e

package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/hugolhafner/healthstream"
	"github.com/hugolhafner/healthstream/metric"
	"github.com/hugolhafner/healthstream/store"
	"github.com/hugolhafner/healthstream/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisPipeline_PersistsAndAggregates(t *testing.T) {
	uri := ensureRedis(t)
	st := newStore(t)
	log := newRedisLog(t, uri)

	streamName := testStreamName(t, "basic")
	app := startApp(t, log, st, streamName, "basic-group")

	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	samples := []metric.Record{
		metric.New(7, 81, 120, 4.2, base),
		metric.New(7, 95, 300, 10.55, base.Add(time.Minute)),
		metric.New(8, 60, 10, 1, base),
	}
	for _, rec := range samples {
		_, err := app.Producer().EnqueueRecord(ctx, rec)
		require.NoError(t, err)
	}

	user := int64(7)
	eventually(t, func() bool { return countRows(t, st, &user) == 2 }, eventualWait, "user 7 rows persisted")

	rows, err := st.List(ctx, store.Filter{UserID: &user})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(81), rows[0].HeartRate)
	assert.Equal(t, int64(120), rows[0].Steps)
	assert.InDelta(t, 4.2, rows[0].Calories, 1e-9)
	assert.True(t, rows[0].Timestamp.Equal(base))
	assert.NotEmpty(t, rows[0].EntryID)

	agg, err := st.Aggregate(ctx, store.Filter{UserID: &user})
	require.NoError(t, err)
	agg = agg.Rounded()
	assert.Equal(t, int64(2), agg.Count)
	assert.Equal(t, 88.0, agg.AvgHeartRate)
	assert.Equal(t, int64(420), agg.TotalSteps)
	assert.Equal(t, 14.75, agg.TotalCalories)

	eventually(
		t, func() bool {
			status, err := app.Status(ctx)
			return err == nil && status.Pending.Available && status.Pending.Count == 0
		}, eventualWait, "pending drained",
	)

	status, err := app.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Running)
	assert.Equal(t, int64(3), status.StreamLength)
}

func TestRedisPipeline_MalformedEntryStaysPending(t *testing.T) {
	uri := ensureRedis(t)
	st := newStore(t)
	log := newRedisLog(t, uri)

	streamName := testStreamName(t, "malformed")
	app := startApp(t, log, st, streamName, "malformed-group")

	ctx := context.Background()

	_, err := log.Append(ctx, streamName, map[string]string{metric.FieldUserID: "not-a-number"})
	require.NoError(t, err)

	_, err = app.Producer().Enqueue(ctx, 11, 70, 5, 0.5)
	require.NoError(t, err)

	user := int64(11)
	eventually(t, func() bool { return countRows(t, st, &user) == 1 }, eventualWait, "valid entry persisted")

	eventually(
		t, func() bool {
			status, err := app.Status(ctx)
			return err == nil && status.Pending.Count == 1
		}, eventualWait, "malformed entry left pending",
	)

	assert.Equal(t, 1, countRows(t, st, nil))
}

func TestRedisPipeline_StartNewSkipsBacklog(t *testing.T) {
	uri := ensureRedis(t)
	st := newStore(t)
	log := newRedisLog(t, uri)

	ctx := context.Background()
	streamName := testStreamName(t, "backlog")

	_, err := log.Append(ctx, streamName, metric.Encode(metric.New(21, 70, 1, 1, time.Now())))
	require.NoError(t, err)

	app := startApp(t, log, st, streamName, "backlog-group", healthstream.WithStart(stream.StartNew))

	_, err = app.Producer().Enqueue(ctx, 22, 70, 1, 1)
	require.NoError(t, err)

	fresh := int64(22)
	eventually(t, func() bool { return countRows(t, st, &fresh) == 1 }, eventualWait, "new entry persisted")

	old := int64(21)
	assert.Equal(t, 0, countRows(t, st, &old))
}
