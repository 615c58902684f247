//go:build unit

package mockstream_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hugolhafner/healthstream/stream"
	mockstream "github.com/hugolhafner/healthstream/stream/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testStream = "health_metrics_stream"
	testGroup  = "health_metrics_group"
)

func TestLog_ImplementsInterface(t *testing.T) {
	var _ stream.Log = (*mockstream.Log)(nil)
}

func TestLog_AppendAssignsIncreasingIDs(t *testing.T) {
	l := mockstream.NewLog()
	ctx := context.Background()

	id1, err := l.Append(ctx, testStream, map[string]string{"a": "1"})
	require.NoError(t, err)
	id2, err := l.Append(ctx, testStream, map[string]string{"a": "2"})
	require.NoError(t, err)

	require.Equal(t, "1-0", id1)
	require.Equal(t, "2-0", id2)
	l.AssertLength(t, testStream, 2)

	length, err := l.Length(ctx, testStream)
	require.NoError(t, err)
	require.Equal(t, int64(2), length)
}

func TestLog_AppendCopiesFields(t *testing.T) {
	l := mockstream.NewLog()
	fields := map[string]string{"a": "1"}

	_, err := l.Append(context.Background(), testStream, fields)
	require.NoError(t, err)
	fields["a"] = "changed"

	require.Equal(t, "1", l.Entries(testStream)[0].Fields["a"])
}

func TestLog_EnsureGroupIdempotent(t *testing.T) {
	l := mockstream.NewLog()
	ctx := context.Background()

	status, err := l.EnsureGroup(ctx, testStream, testGroup, stream.StartNew)
	require.NoError(t, err)
	require.Equal(t, stream.GroupCreated, status)

	status, err = l.EnsureGroup(ctx, testStream, testGroup, stream.StartNew)
	require.NoError(t, err)
	require.Equal(t, stream.GroupExists, status)

	l.AssertGroupExists(t, testStream, testGroup)
	require.Len(t, l.Groups(testStream), 1)
}

func TestLog_EnsureGroupStartNewSkipsExisting(t *testing.T) {
	l := mockstream.NewLog()
	ctx := context.Background()

	l.AddEntries(testStream, map[string]string{"old": "1"})

	_, err := l.EnsureGroup(ctx, testStream, testGroup, stream.StartNew)
	require.NoError(t, err)

	entries, err := l.ReadGroup(ctx, stream.ReadGroupArgs{Stream: testStream, Group: testGroup, Consumer: "c", Count: 10})
	require.NoError(t, err)
	require.Empty(t, entries)

	ids := l.AddEntries(testStream, map[string]string{"new": "1"})
	entries, err = l.ReadGroup(ctx, stream.ReadGroupArgs{Stream: testStream, Group: testGroup, Consumer: "c", Count: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, ids[0], entries[0].ID)
}

func TestLog_EnsureGroupStartBeginning(t *testing.T) {
	l := mockstream.NewLog()
	ctx := context.Background()

	l.AddEntries(testStream, map[string]string{"old": "1"}, map[string]string{"old": "2"})

	_, err := l.EnsureGroup(ctx, testStream, testGroup, stream.StartBeginning)
	require.NoError(t, err)

	entries, err := l.ReadGroup(ctx, stream.ReadGroupArgs{Stream: testStream, Group: testGroup, Consumer: "c", Count: 10})
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestLog_ReadGroupRespectsCountAndOrder(t *testing.T) {
	l := mockstream.NewLog(mockstream.WithReclaimAfter(time.Hour))
	ctx := context.Background()

	_, err := l.EnsureGroup(ctx, testStream, testGroup, stream.StartNew)
	require.NoError(t, err)

	ids := l.AddEntries(
		testStream,
		map[string]string{"n": "1"},
		map[string]string{"n": "2"},
		map[string]string{"n": "3"},
	)

	args := stream.ReadGroupArgs{Stream: testStream, Group: testGroup, Consumer: "c", Count: 2}

	first, err := l.ReadGroup(ctx, args)
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.Equal(t, ids[0], first[0].ID)
	require.Equal(t, ids[1], first[1].ID)
	require.Equal(t, 1, first[0].Deliveries)

	second, err := l.ReadGroup(ctx, args)
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.Equal(t, ids[2], second[0].ID)

	l.AssertPendingCount(t, testStream, testGroup, 3)
}

func TestLog_ReadGroupUnknownGroup(t *testing.T) {
	l := mockstream.NewLog()

	_, err := l.ReadGroup(
		context.Background(), stream.ReadGroupArgs{Stream: testStream, Group: "missing", Consumer: "c", Count: 1},
	)
	require.ErrorIs(t, err, mockstream.ErrNoGroup)
}

func TestLog_AckRemovesPending(t *testing.T) {
	l := mockstream.NewLog(mockstream.WithReclaimAfter(time.Hour))
	ctx := context.Background()

	_, err := l.EnsureGroup(ctx, testStream, testGroup, stream.StartNew)
	require.NoError(t, err)
	ids := l.AddEntries(testStream, map[string]string{"n": "1"}, map[string]string{"n": "2"})

	_, err = l.ReadGroup(ctx, stream.ReadGroupArgs{Stream: testStream, Group: testGroup, Consumer: "c", Count: 10})
	require.NoError(t, err)

	require.NoError(t, l.Ack(ctx, testStream, testGroup, ids[0]))

	pending, err := l.PendingCount(ctx, testStream, testGroup)
	require.NoError(t, err)
	require.Equal(t, int64(1), pending)

	l.AssertAcked(t, ids[0])
	l.AssertNotAcked(t, ids[1])
	l.AssertPending(t, testStream, testGroup, ids[1])

	// acknowledging an already acked entry is a no-op
	require.NoError(t, l.Ack(ctx, testStream, testGroup, ids[0]))
	l.AssertAckedCount(t, 1)
}

func TestLog_RedeliversIdlePending(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}

	l := mockstream.NewLog(mockstream.WithReclaimAfter(30*time.Second), mockstream.WithClock(clock))
	ctx := context.Background()

	_, err := l.EnsureGroup(ctx, testStream, testGroup, stream.StartNew)
	require.NoError(t, err)
	ids := l.AddEntries(testStream, map[string]string{"n": "1"})

	args := stream.ReadGroupArgs{Stream: testStream, Group: testGroup, Consumer: "c1", Count: 10}
	entries, err := l.ReadGroup(ctx, args)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	advance(10 * time.Second)
	entries, err = l.ReadGroup(ctx, args)
	require.NoError(t, err)
	require.Empty(t, entries)

	advance(30 * time.Second)
	args.Consumer = "c2"
	entries, err = l.ReadGroup(ctx, args)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, ids[0], entries[0].ID)
	require.Equal(t, 2, entries[0].Deliveries)

	owner, ok := l.PendingOwner(testStream, testGroup, ids[0])
	require.True(t, ok)
	require.Equal(t, "c2", owner)
}

func TestLog_ReadGroupBlocksUntilAppend(t *testing.T) {
	l := mockstream.NewLog()
	ctx := context.Background()

	_, err := l.EnsureGroup(ctx, testStream, testGroup, stream.StartNew)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		l.AddEntries(testStream, map[string]string{"n": "1"})
	}()

	start := time.Now()
	entries, err := l.ReadGroup(
		ctx, stream.ReadGroupArgs{Stream: testStream, Group: testGroup, Consumer: "c", Count: 1, Block: 5 * time.Second},
	)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestLog_ReadGroupBlockTimesOut(t *testing.T) {
	l := mockstream.NewLog()
	ctx := context.Background()

	_, err := l.EnsureGroup(ctx, testStream, testGroup, stream.StartNew)
	require.NoError(t, err)

	start := time.Now()
	entries, err := l.ReadGroup(
		ctx, stream.ReadGroupArgs{Stream: testStream, Group: testGroup, Consumer: "c", Count: 1, Block: 50 * time.Millisecond},
	)
	require.NoError(t, err)
	require.Empty(t, entries)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestLog_ReadGroupHonoursCancellation(t *testing.T) {
	l := mockstream.NewLog()
	ctx, cancel := context.WithCancel(context.Background())

	_, err := l.EnsureGroup(ctx, testStream, testGroup, stream.StartNew)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = l.ReadGroup(
		ctx, stream.ReadGroupArgs{Stream: testStream, Group: testGroup, Consumer: "c", Count: 1, Block: 5 * time.Second},
	)
	require.ErrorIs(t, err, context.Canceled)
}

func TestLog_ErrorInjection(t *testing.T) {
	l := mockstream.NewLog()
	ctx := context.Background()
	boom := errors.New("boom")

	l.SetAppendError(boom)
	_, err := l.Append(ctx, testStream, nil)
	require.ErrorIs(t, err, boom)
	l.SetAppendError(nil)

	_, err = l.EnsureGroup(ctx, testStream, testGroup, stream.StartNew)
	require.NoError(t, err)

	l.SetUnavailable(true)
	_, err = l.ReadGroup(ctx, stream.ReadGroupArgs{Stream: testStream, Group: testGroup, Consumer: "c", Count: 1})
	require.True(t, stream.IsConnectivity(err))
	l.SetUnavailable(false)

	l.SetPendingError(boom)
	_, err = l.PendingCount(ctx, testStream, testGroup)
	require.ErrorIs(t, err, boom)

	l.SetLengthError(boom)
	_, err = l.Length(ctx, testStream)
	require.ErrorIs(t, err, boom)

	l.SetPingError(boom)
	assert.ErrorIs(t, l.Ping(ctx), boom)
}

func TestLog_ConstructorErrorOptions(t *testing.T) {
	boom := errors.New("boom")
	l := mockstream.NewLog(mockstream.WithReadError(boom), mockstream.WithPingError(boom))
	ctx := context.Background()

	_, err := l.ReadGroup(ctx, stream.ReadGroupArgs{Stream: testStream, Group: testGroup, Consumer: "c", Count: 1})
	require.ErrorIs(t, err, boom)
	assert.ErrorIs(t, l.Ping(ctx), boom)

	l.SetReadError(nil)
	l.SetPingError(nil)
	assert.NoError(t, l.Ping(ctx))
}

func TestLog_Close(t *testing.T) {
	l := mockstream.NewLog()

	l.AssertNotClosed(t)
	require.NoError(t, l.Close())
	l.AssertClosed(t)

	_, err := l.Append(context.Background(), testStream, nil)
	require.ErrorIs(t, err, mockstream.ErrClosed)
}
