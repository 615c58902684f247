// Package memstore is an in-process store.Store for tests and local runs.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/hugolhafner/healthstream/metric"
	"github.com/hugolhafner/healthstream/store"
)

var _ store.Store = (*Store)(nil)

var ErrClosed = errors.New("memstore: closed")

type Option func(*Store)

// WithDedupe makes Insert skip entries whose entry ID is already stored.
func WithDedupe() Option {
	return func(s *Store) {
		s.dedupe = true
	}
}

type Store struct {
	mu      sync.Mutex
	rows    []store.Metric
	entries map[string]struct{}
	nextID  int64
	dedupe  bool
	closed  bool

	insertErr func(rec metric.Record, entryID string) error
	pingErr   error

	commits   int
	rollbacks int
}

func New(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]struct{}),
		nextID:  1,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

type tx struct {
	s       *Store
	pending []store.Metric
	// seen holds entry IDs inserted earlier in this transaction.
	seen map[string]struct{}
}

func (t *tx) Insert(ctx context.Context, rec metric.Record, entryID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if t.s.insertErr != nil {
		if err := t.s.insertErr(rec, entryID); err != nil {
			return 0, err
		}
	}

	if t.s.dedupe && entryID != "" {
		_, stored := t.s.entries[entryID]
		_, staged := t.seen[entryID]
		if stored || staged {
			return 0, store.ErrDuplicate
		}
		t.seen[entryID] = struct{}{}
	}

	id := t.s.nextID
	t.s.nextID++

	t.pending = append(t.pending, store.Metric{Record: rec, ID: id, EntryID: entryID})
	return id, nil
}

func (s *Store) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	t := &tx{s: s, seen: make(map[string]struct{})}

	committed := false
	defer func() {
		if !committed {
			s.mu.Lock()
			s.rollbacks++
			s.mu.Unlock()
		}
	}()

	if err := fn(t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range t.pending {
		s.rows = append(s.rows, m)
		if m.EntryID != "" {
			s.entries[m.EntryID] = struct{}{}
		}
	}
	s.commits++
	committed = true

	return nil
}

func (s *Store) List(ctx context.Context, f store.Filter) ([]store.Metric, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	out := make([]store.Metric, 0)
	for _, m := range s.rows {
		if f.Match(m.Record) {
			out = append(out, m)
		}
	}

	sort.SliceStable(
		out, func(i, j int) bool {
			if !out[i].Timestamp.Equal(out[j].Timestamp) {
				return out[i].Timestamp.Before(out[j].Timestamp)
			}
			return out[i].ID < out[j].ID
		},
	)

	return out, nil
}

func (s *Store) Aggregate(ctx context.Context, f store.Filter) (store.Aggregate, error) {
	rows, err := s.List(ctx, f)
	if err != nil {
		return store.Aggregate{}, err
	}
	if len(rows) == 0 {
		return store.Aggregate{}, store.ErrNotFound
	}

	var agg store.Aggregate
	var heartRate int64
	for _, m := range rows {
		agg.Count++
		heartRate += m.HeartRate
		agg.TotalSteps += m.Steps
		agg.TotalCalories += m.Calories
	}
	agg.AvgHeartRate = float64(heartRate) / float64(agg.Count)

	return agg, nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	return s.pingErr
}

func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
}

// SetInsertErrorFunc configures a function deciding Insert errors. Pass nil to clear.
func (s *Store) SetInsertErrorFunc(fn func(rec metric.Record, entryID string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.insertErr = fn
}

// SetPingError configures the error returned by Ping.
func (s *Store) SetPingError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pingErr = err
}

// Rows returns every committed row in insertion order.
func (s *Store) Rows() []store.Metric {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]store.Metric, len(s.rows))
	copy(out, s.rows)
	return out
}

// Commits reports the number of committed transactions.
func (s *Store) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.commits
}

// Rollbacks reports the number of transactions discarded by an error or panic.
func (s *Store) Rollbacks() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.rollbacks
}
