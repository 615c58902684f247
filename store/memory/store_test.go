//go:build unit

package memstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hugolhafner/healthstream/metric"
	"github.com/hugolhafner/healthstream/store"
	memstore "github.com/hugolhafner/healthstream/store/memory"
	"github.com/stretchr/testify/require"
)

func insert(t *testing.T, s *memstore.Store, rec metric.Record, entryID string) {
	t.Helper()

	err := s.WithTx(
		context.Background(), func(tx store.Tx) error {
			_, err := tx.Insert(context.Background(), rec, entryID)
			return err
		},
	)
	require.NoError(t, err)
}

func TestStore_ImplementsInterface(t *testing.T) {
	var _ store.Store = (*memstore.Store)(nil)
}

func TestStore_CommitAndList(t *testing.T) {
	s := memstore.New()
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	insert(t, s, metric.New(7, 81, 120, 4.2, at), "1-0")
	insert(t, s, metric.New(8, 60, 10, 1, at.Add(-time.Minute)), "")

	rows, err := s.List(context.Background(), store.Filter{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, int64(8), rows[0].UserID, "ordered by timestamp")

	user := int64(7)
	rows, err = s.List(context.Background(), store.Filter{UserID: &user})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "1-0", rows[0].EntryID)
	require.Equal(t, 4.2, rows[0].Calories)
	require.Equal(t, 1, s.Commits())
	require.Equal(t, 0, s.Rollbacks())
}

func TestStore_ErrorRollsBack(t *testing.T) {
	s := memstore.New()
	boom := errors.New("boom")

	err := s.WithTx(
		context.Background(), func(tx store.Tx) error {
			_, err := tx.Insert(context.Background(), metric.New(7, 81, 120, 4.2, time.Now()), "1-0")
			require.NoError(t, err)
			return boom
		},
	)
	require.ErrorIs(t, err, boom)
	require.Empty(t, s.Rows())
	require.Equal(t, 1, s.Rollbacks())
}

func TestStore_PanicRollsBack(t *testing.T) {
	s := memstore.New()

	require.Panics(
		t, func() {
			_ = s.WithTx(
				context.Background(), func(tx store.Tx) error {
					_, _ = tx.Insert(context.Background(), metric.New(7, 81, 120, 4.2, time.Now()), "1-0")
					panic("boom")
				},
			)
		},
	)

	require.Empty(t, s.Rows())
	require.Equal(t, 1, s.Rollbacks())
}

func TestStore_InsertErrorInjection(t *testing.T) {
	s := memstore.New()
	boom := errors.New("boom")

	s.SetInsertErrorFunc(
		func(rec metric.Record, entryID string) error {
			if entryID == "2-0" {
				return boom
			}
			return nil
		},
	)

	insert(t, s, metric.New(7, 81, 120, 4.2, time.Now()), "1-0")

	err := s.WithTx(
		context.Background(), func(tx store.Tx) error {
			_, err := tx.Insert(context.Background(), metric.New(7, 81, 120, 4.2, time.Now()), "2-0")
			return err
		},
	)
	require.ErrorIs(t, err, boom)
	require.Len(t, s.Rows(), 1)
}

func TestStore_Dedupe(t *testing.T) {
	s := memstore.New(memstore.WithDedupe())
	rec := metric.New(7, 81, 120, 4.2, time.Now())

	insert(t, s, rec, "1-0")

	err := s.WithTx(
		context.Background(), func(tx store.Tx) error {
			_, err := tx.Insert(context.Background(), rec, "1-0")
			return err
		},
	)
	require.ErrorIs(t, err, store.ErrDuplicate)

	insert(t, s, rec, "")
	insert(t, s, rec, "")
	require.Len(t, s.Rows(), 3, "rows without entry id are never deduplicated")
}

func TestStore_DuplicatesWithoutDedupe(t *testing.T) {
	s := memstore.New()
	rec := metric.New(7, 81, 120, 4.2, time.Now())

	insert(t, s, rec, "1-0")
	insert(t, s, rec, "1-0")

	require.Len(t, s.Rows(), 2)
}

func TestStore_Aggregate(t *testing.T) {
	s := memstore.New()
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	insert(t, s, metric.New(7, 80, 100, 1.5, at), "")
	insert(t, s, metric.New(7, 81, 20, 2.25, at.Add(time.Hour)), "")
	insert(t, s, metric.New(9, 200, 1, 1, at), "")

	user := int64(7)
	agg, err := s.Aggregate(context.Background(), store.Filter{UserID: &user})
	require.NoError(t, err)
	require.Equal(t, int64(2), agg.Count)
	require.Equal(t, 80.5, agg.AvgHeartRate)
	require.Equal(t, int64(120), agg.TotalSteps)
	require.Equal(t, 3.75, agg.TotalCalories)

	end := at
	agg, err = s.Aggregate(context.Background(), store.Filter{UserID: &user, End: &end})
	require.NoError(t, err)
	require.Equal(t, int64(1), agg.Count)

	missing := int64(42)
	_, err = s.Aggregate(context.Background(), store.Filter{UserID: &missing})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_Close(t *testing.T) {
	s := memstore.New()
	s.Close()

	require.ErrorIs(t, s.Ping(context.Background()), memstore.ErrClosed)
	_, err := s.List(context.Background(), store.Filter{})
	require.ErrorIs(t, err, memstore.ErrClosed)
}
