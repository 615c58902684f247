// Package store defines where decoded metric records are persisted and how
// they are read back.
package store

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/hugolhafner/healthstream/metric"
)

var (
	// ErrNotFound is returned when a query matches no rows.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicate is returned by Tx.Insert in dedupe mode when the entry was already stored.
	ErrDuplicate = errors.New("store: entry already stored")
)

// Metric is a persisted record.
type Metric struct {
	metric.Record

	ID int64
	// EntryID is the log entry the row came from, empty for direct inserts.
	EntryID string
}

// Filter narrows List and Aggregate. Nil fields match everything; Start and End are inclusive.
type Filter struct {
	UserID *int64
	Start  *time.Time
	End    *time.Time
}

func (f Filter) Match(r metric.Record) bool {
	if f.UserID != nil && r.UserID != *f.UserID {
		return false
	}
	if f.Start != nil && r.Timestamp.Before(*f.Start) {
		return false
	}
	if f.End != nil && r.Timestamp.After(*f.End) {
		return false
	}
	return true
}

type Aggregate struct {
	Count         int64
	AvgHeartRate  float64
	TotalSteps    int64
	TotalCalories float64
}

// Rounded returns the aggregate with averages and calorie totals rounded to two decimals.
func (a Aggregate) Rounded() Aggregate {
	a.AvgHeartRate = round2(a.AvgHeartRate)
	a.TotalCalories = round2(a.TotalCalories)
	return a
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

type Tx interface {
	// Insert stores rec and returns its row ID. entryID may be empty.
	Insert(ctx context.Context, rec metric.Record, entryID string) (int64, error)
}

type Store interface {
	// WithTx runs fn in a transaction committed only when fn returns nil.
	// The transaction is rolled back on error or panic; the panic is re-raised.
	WithTx(ctx context.Context, fn func(Tx) error) error

	// List returns matching rows ordered by timestamp then ID.
	List(ctx context.Context, f Filter) ([]Metric, error)

	// Aggregate summarises matching rows, or returns ErrNotFound when none match.
	Aggregate(ctx context.Context, f Filter) (Aggregate, error)

	Ping(ctx context.Context) error
	Close()
}
