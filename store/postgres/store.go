// Package postgres persists metric records in PostgreSQL through a pgx pool.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/hugolhafner/healthstream/logger"
	"github.com/hugolhafner/healthstream/metric"
	"github.com/hugolhafner/healthstream/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var _ store.Store = (*Store)(nil)

type Config struct {
	MaxConns int32
	// Dedupe skips inserts for log entries already persisted.
	Dedupe    bool
	TxTimeout time.Duration

	Tracer trace.Tracer
	Logger logger.Logger
}

func defaultConfig() Config {
	return Config{
		MaxConns:  10,
		TxTimeout: 10 * time.Second,
		Tracer:    noop.NewTracerProvider().Tracer("healthstream/store/postgres"),
		Logger:    logger.NewNoopLogger(),
	}
}

type Option func(*Config)

func WithMaxConns(n int32) Option {
	return func(cfg *Config) {
		if n > 0 {
			cfg.MaxConns = n
		}
	}
}

func WithDedupe(enabled bool) Option {
	return func(cfg *Config) {
		cfg.Dedupe = enabled
	}
}

func WithTxTimeout(d time.Duration) Option {
	return func(cfg *Config) {
		cfg.TxTimeout = d
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(cfg *Config) {
		cfg.Tracer = t
	}
}

func WithLogger(l logger.Logger) Option {
	return func(cfg *Config) {
		cfg.Logger = l.With("component", "store")
	}
}

type Store struct {
	pool   *pgxpool.Pool
	config Config
	tracer trace.Tracer
	logger logger.Logger
}

// Open creates a traced connection pool for dsn.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	return newStore(pool, cfg), nil
}

// New wraps an existing pool. Close closes the pool.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return newStore(pool, cfg)
}

func newStore(pool *pgxpool.Pool, cfg Config) *Store {
	return &Store{pool: pool, config: cfg, tracer: cfg.Tracer, logger: cfg.Logger}
}

// Pool exposes the underlying pool, for migrations.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) trace(
	ctx context.Context, name string, attrs []attribute.KeyValue, op func(ctx context.Context) error,
) error {
	ctx, span := s.tracer.Start(
		ctx,
		name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	defer span.End()

	if err := op(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

type tx struct {
	tx     pgx.Tx
	dedupe bool
}

const insertMetric = `
INSERT INTO health_metrics (user_id, timestamp, heart_rate, steps, calories, entry_id)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
RETURNING id`

const claimEntry = `
INSERT INTO health_metric_entries (entry_id)
VALUES ($1)
ON CONFLICT (entry_id) DO NOTHING`

const linkEntry = `
UPDATE health_metric_entries SET metric_id = $2 WHERE entry_id = $1`

// Insert claims entryID before inserting in dedupe mode, so a duplicate
// leaves nothing behind when the transaction commits.
func (t *tx) Insert(ctx context.Context, rec metric.Record, entryID string) (int64, error) {
	dedupe := t.dedupe && entryID != ""

	if dedupe {
		tag, err := t.tx.Exec(ctx, claimEntry, entryID)
		if err != nil {
			return 0, fmt.Errorf("claim entry %s: %w", entryID, err)
		}
		if tag.RowsAffected() == 0 {
			return 0, store.ErrDuplicate
		}
	}

	var id int64
	err := t.tx.QueryRow(
		ctx, insertMetric,
		rec.UserID, rec.Timestamp, rec.HeartRate, rec.Steps, rec.Calories, entryID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert health metric: %w", err)
	}

	if dedupe {
		if _, err := t.tx.Exec(ctx, linkEntry, entryID, id); err != nil {
			return 0, fmt.Errorf("link entry %s: %w", entryID, err)
		}
	}

	return id, nil
}

// WithTx runs fn in a transaction bounded by the configured timeout.
// pgx.BeginTxFunc rolls back on error or panic and always releases the connection.
func (s *Store) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	return s.trace(
		ctx, "postgres.with_tx", []attribute.KeyValue{attribute.Bool("dedupe", s.config.Dedupe)},
		func(ctx context.Context) error {
			if s.config.TxTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, s.config.TxTimeout)
				defer cancel()
			}

			return pgx.BeginTxFunc(
				ctx, s.pool, pgx.TxOptions{}, func(ptx pgx.Tx) error {
					return fn(&tx{tx: ptx, dedupe: s.config.Dedupe})
				},
			)
		},
	)
}

const filterClause = `
WHERE ($1::bigint IS NULL OR user_id = $1)
  AND ($2::timestamptz IS NULL OR timestamp >= $2)
  AND ($3::timestamptz IS NULL OR timestamp <= $3)`

const listMetrics = `
SELECT id, user_id, timestamp, heart_rate, steps, calories, COALESCE(entry_id, '')
FROM health_metrics` + filterClause + `
ORDER BY timestamp, id`

const aggregateMetrics = `
SELECT COUNT(*),
       COALESCE(AVG(heart_rate), 0)::double precision,
       COALESCE(SUM(steps), 0)::bigint,
       COALESCE(SUM(calories), 0)::double precision
FROM health_metrics` + filterClause

func (s *Store) List(ctx context.Context, f store.Filter) ([]store.Metric, error) {
	var out []store.Metric

	err := s.trace(
		ctx, "postgres.list_metrics", filterAttributes(f), func(ctx context.Context) error {
			rows, err := s.pool.Query(ctx, listMetrics, f.UserID, f.Start, f.End)
			if err != nil {
				return fmt.Errorf("query health metrics: %w", err)
			}

			out, err = pgx.CollectRows(
				rows, func(row pgx.CollectableRow) (store.Metric, error) {
					var m store.Metric
					err := row.Scan(
						&m.ID, &m.UserID, &m.Timestamp, &m.HeartRate, &m.Steps, &m.Calories, &m.EntryID,
					)
					m.Timestamp = m.Timestamp.UTC()
					return m, err
				},
			)
			if err != nil {
				return fmt.Errorf("scan health metrics: %w", err)
			}
			return nil
		},
	)
	if err != nil {
		return nil, err
	}

	if out == nil {
		out = []store.Metric{}
	}
	return out, nil
}

func (s *Store) Aggregate(ctx context.Context, f store.Filter) (store.Aggregate, error) {
	var agg store.Aggregate

	err := s.trace(
		ctx, "postgres.aggregate_metrics", filterAttributes(f), func(ctx context.Context) error {
			err := s.pool.QueryRow(ctx, aggregateMetrics, f.UserID, f.Start, f.End).
				Scan(&agg.Count, &agg.AvgHeartRate, &agg.TotalSteps, &agg.TotalCalories)
			if err != nil {
				return fmt.Errorf("aggregate health metrics: %w", err)
			}
			return nil
		},
	)
	if err != nil {
		return store.Aggregate{}, err
	}

	if agg.Count == 0 {
		return store.Aggregate{}, store.ErrNotFound
	}
	return agg, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func filterAttributes(f store.Filter) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	if f.UserID != nil {
		attrs = append(attrs, attribute.Int64("user_id", *f.UserID))
	}
	if f.Start != nil {
		attrs = append(attrs, attribute.String("start", f.Start.Format(time.RFC3339)))
	}
	if f.End != nil {
		attrs = append(attrs, attribute.String("end", f.End.Format(time.RFC3339)))
	}
	return attrs
}
