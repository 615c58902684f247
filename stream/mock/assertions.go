package mockstream

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
)

// AssertLength verifies the number of entries in a stream.
func (l *Log) AssertLength(tb testing.TB, name string, expected int) {
	tb.Helper()

	actual := len(l.Entries(name))
	require.Equal(tb, expected, actual, "expected %d entries in stream %q, got %d", expected, name, actual)
}

// AssertPendingCount verifies the number of delivered but unacknowledged entries of a group.
func (l *Log) AssertPendingCount(tb testing.TB, name, groupName string, expected int) {
	tb.Helper()

	actual := len(l.PendingIDs(name, groupName))
	require.Equal(
		tb, expected, actual, "expected %d pending entries for group %q on %q, got %d", expected, groupName, name,
		actual,
	)
}

// AssertPending verifies that an entry is pending for the group.
func (l *Log) AssertPending(tb testing.TB, name, groupName, id string) {
	tb.Helper()

	if !slices.Contains(l.PendingIDs(name, groupName), id) {
		tb.Errorf("expected entry %s to be pending for group %q on %q", id, groupName, name)
	}
}

// AssertAcked verifies that every given entry was acknowledged.
func (l *Log) AssertAcked(tb testing.TB, ids ...string) {
	tb.Helper()

	acked := l.Acked()
	for _, id := range ids {
		if !slices.Contains(acked, id) {
			tb.Errorf("expected entry %s to be acknowledged, acked=%v", id, acked)
		}
	}
}

// AssertNotAcked verifies that none of the given entries were acknowledged.
func (l *Log) AssertNotAcked(tb testing.TB, ids ...string) {
	tb.Helper()

	acked := l.Acked()
	for _, id := range ids {
		if slices.Contains(acked, id) {
			tb.Errorf("expected entry %s not to be acknowledged", id)
		}
	}
}

// AssertAckedCount verifies the total number of acknowledgements.
func (l *Log) AssertAckedCount(tb testing.TB, expected int) {
	tb.Helper()

	actual := len(l.Acked())
	require.Equal(tb, expected, actual, "expected %d acked entries, got %d", expected, actual)
}

// AssertGroupExists verifies that a consumer group exists on the stream.
func (l *Log) AssertGroupExists(tb testing.TB, name, groupName string) {
	tb.Helper()

	if !slices.Contains(l.Groups(name), groupName) {
		tb.Errorf("expected group %q to exist on stream %q", groupName, name)
	}
}

// AssertClosed verifies that the log was closed.
func (l *Log) AssertClosed(tb testing.TB) {
	tb.Helper()

	require.True(tb, l.IsClosed(), "expected log to be closed")
}

// AssertNotClosed verifies that the log was not closed.
func (l *Log) AssertNotClosed(tb testing.TB) {
	tb.Helper()

	require.False(tb, l.IsClosed(), "expected log not to be closed")
}
