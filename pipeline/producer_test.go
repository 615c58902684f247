//go:build unit

package pipeline_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hugolhafner/healthstream/metric"
	"github.com/hugolhafner/healthstream/pipeline"
	mockstream "github.com/hugolhafner/healthstream/stream/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProducer_EnqueueAppendsEncodedRecord(t *testing.T) {
	log := mockstream.NewLog()
	p := pipeline.NewProducer(log, "health_metrics")

	before := time.Now().UTC()
	id, err := p.Enqueue(context.Background(), 7, 81, 120, 4.2)
	require.NoError(t, err)
	assert.Equal(t, "1-0", id)

	entries := log.Entries("health_metrics")
	require.Len(t, entries, 1)

	rec, err := metric.Decode(entries[0].Fields)
	require.NoError(t, err)
	assert.Equal(t, int64(7), rec.UserID)
	assert.Equal(t, int64(81), rec.HeartRate)
	assert.Equal(t, int64(120), rec.Steps)
	assert.InDelta(t, 4.2, rec.Calories, 1e-9)
	assert.False(t, rec.Timestamp.Before(before.Truncate(time.Microsecond)))
	assert.Equal(t, time.UTC, rec.Timestamp.Location())
}

func TestProducer_EnqueueIDsIncrease(t *testing.T) {
	log := mockstream.NewLog()
	p := pipeline.NewProducer(log, "health_metrics")

	first, err := p.Enqueue(context.Background(), 1, 60, 0, 0)
	require.NoError(t, err)
	second, err := p.Enqueue(context.Background(), 1, 61, 0, 0)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	log.AssertLength(t, "health_metrics", 2)
}

func TestProducer_EnqueueReturnsAppendErrorUnchanged(t *testing.T) {
	appendErr := errors.New("connection refused")
	log := mockstream.NewLog(mockstream.WithAppendError(appendErr))
	p := pipeline.NewProducer(log, "health_metrics")

	id, err := p.Enqueue(context.Background(), 7, 81, 120, 4.2)
	require.Error(t, err)
	assert.Equal(t, appendErr, err)
	assert.Equal(t, "connection refused", err.Error())
	assert.Empty(t, id)

	log.AssertLength(t, "health_metrics", 0)
}

func TestProducer_EnqueueRecordKeepsTimestamp(t *testing.T) {
	log := mockstream.NewLog()
	p := pipeline.NewProducer(log, "health_metrics")

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err := p.EnqueueRecord(context.Background(), metric.New(3, 90, 10, 1.5, at))
	require.NoError(t, err)

	entries := log.Entries("health_metrics")
	require.Len(t, entries, 1)
	assert.Equal(t, at.Format(metric.TimestampLayout), entries[0].Fields[metric.FieldTimestamp])
}
