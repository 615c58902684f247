// Package redisstream implements stream.Log on Redis Streams.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hugolhafner/healthstream/logger"
	"github.com/hugolhafner/healthstream/stream"
	"github.com/redis/go-redis/v9"
)

var _ stream.Log = (*Client)(nil)

type Config struct {
	Addr     string
	DB       int
	Password string
	// ReclaimAfter is how long an entry stays pending before another poll may claim it.
	ReclaimAfter time.Duration

	Logger logger.Logger
}

func defaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		ReclaimAfter: 30 * time.Second,
		Logger:       logger.NewNoopLogger(),
	}
}

type Option func(*Config)

func WithAddr(addr string) Option {
	return func(cfg *Config) {
		cfg.Addr = addr
	}
}

func WithDB(db int) Option {
	return func(cfg *Config) {
		cfg.DB = db
	}
}

func WithPassword(password string) Option {
	return func(cfg *Config) {
		cfg.Password = password
	}
}

func WithReclaimAfter(d time.Duration) Option {
	return func(cfg *Config) {
		if d >= 0 {
			cfg.ReclaimAfter = d
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(cfg *Config) {
		cfg.Logger = l.With("client", "redis")
	}
}

type Client struct {
	rdb    *redis.Client
	config Config
	logger logger.Logger
}

func NewClient(opts ...Option) *Client {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	rdb := redis.NewClient(
		&redis.Options{
			Addr:     cfg.Addr,
			DB:       cfg.DB,
			Password: cfg.Password,
		},
	)

	return &Client{rdb: rdb, config: cfg, logger: cfg.Logger}
}

// NewFromRedis wraps an existing go-redis client. Close closes rdb.
func NewFromRedis(rdb *redis.Client, opts ...Option) *Client {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Client{rdb: rdb, config: cfg, logger: cfg.Logger}
}

func (c *Client) Append(ctx context.Context, name string, fields map[string]string) (string, error) {
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}

	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{Stream: name, Values: values}).Result()
	if err != nil {
		return "", classify("xadd", err)
	}

	return id, nil
}

func (c *Client) EnsureGroup(ctx context.Context, name, group, start string) (stream.GroupStatus, error) {
	err := c.rdb.XGroupCreateMkStream(ctx, name, group, start).Err()
	switch {
	case err == nil:
		c.logger.Info("Created consumer group", "stream", name, "group", group, "start", start)
		return stream.GroupCreated, nil
	case redis.HasErrorPrefix(err, "BUSYGROUP"):
		return stream.GroupExists, nil
	default:
		return 0, classify("xgroup_create", err)
	}
}

// ReadGroup first claims entries idle for at least ReclaimAfter, then fills the
// rest of the batch with never-delivered entries. It only blocks when nothing
// was claimed.
func (c *Client) ReadGroup(ctx context.Context, args stream.ReadGroupArgs) ([]stream.Entry, error) {
	count := args.Count
	if count <= 0 {
		count = 1
	}

	claimed, err := c.claim(ctx, args, count)
	if err != nil {
		return nil, err
	}

	remaining := count - len(claimed)
	if remaining == 0 {
		return claimed, nil
	}

	block := args.Block
	if len(claimed) > 0 || block <= 0 {
		// go-redis omits BLOCK for negative durations; zero would block forever
		block = -1
	}

	res, err := c.rdb.XReadGroup(
		ctx, &redis.XReadGroupArgs{
			Group:    args.Group,
			Consumer: args.Consumer,
			Streams:  []string{args.Stream, ">"},
			Count:    int64(remaining),
			Block:    block,
		},
	).Result()
	if errors.Is(err, redis.Nil) {
		return claimed, nil
	}
	if err != nil {
		if len(claimed) > 0 {
			c.logger.Warn("Read of new entries failed after claim", "stream", args.Stream, "error", err)
			return claimed, nil
		}
		return nil, classify("xreadgroup", err)
	}

	out := claimed
	for _, s := range res {
		for _, msg := range s.Messages {
			out = append(out, toEntry(msg, 1))
		}
	}

	return out, nil
}

func (c *Client) claim(ctx context.Context, args stream.ReadGroupArgs, count int) ([]stream.Entry, error) {
	msgs, _, err := c.rdb.XAutoClaim(
		ctx, &redis.XAutoClaimArgs{
			Stream:   args.Stream,
			Group:    args.Group,
			Consumer: args.Consumer,
			MinIdle:  c.config.ReclaimAfter,
			Start:    "0-0",
			Count:    int64(count),
		},
	).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, classify("xautoclaim", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	deliveries, err := c.deliveryCounts(ctx, args.Stream, args.Group, msgs)
	if err != nil {
		c.logger.Debug("Could not read delivery counts", "stream", args.Stream, "error", err)
	}

	out := make([]stream.Entry, 0, len(msgs))
	for _, msg := range msgs {
		// entries trimmed from the stream come back without values
		if msg.Values == nil {
			continue
		}

		n := deliveries[msg.ID]
		if n == 0 {
			n = 2
		}
		out = append(out, toEntry(msg, n))
	}

	return out, nil
}

func (c *Client) deliveryCounts(ctx context.Context, name, group string, msgs []redis.XMessage) (
	map[string]int, error,
) {
	pending, err := c.rdb.XPendingExt(
		ctx, &redis.XPendingExtArgs{
			Stream: name,
			Group:  group,
			Start:  msgs[0].ID,
			End:    msgs[len(msgs)-1].ID,
			Count:  int64(len(msgs)),
		},
	).Result()
	if err != nil {
		return nil, err
	}

	out := make(map[string]int, len(pending))
	for _, p := range pending {
		out[p.ID] = int(p.RetryCount)
	}
	return out, nil
}

func (c *Client) Ack(ctx context.Context, name, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	if err := c.rdb.XAck(ctx, name, group, ids...).Err(); err != nil {
		return classify("xack", err)
	}
	return nil
}

func (c *Client) PendingCount(ctx context.Context, name, group string) (int64, error) {
	res, err := c.rdb.XPending(ctx, name, group).Result()
	if err != nil {
		return 0, classify("xpending", err)
	}
	return res.Count, nil
}

func (c *Client) Length(ctx context.Context, name string) (int64, error) {
	n, err := c.rdb.XLen(ctx, name).Result()
	if err != nil {
		return 0, classify("xlen", err)
	}
	return n, nil
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return classify("ping", err)
	}
	return nil
}

func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

func toEntry(msg redis.XMessage, deliveries int) stream.Entry {
	fields := make(map[string]string, len(msg.Values))
	for k, v := range msg.Values {
		switch val := v.(type) {
		case string:
			fields[k] = val
		default:
			fields[k] = fmt.Sprint(val)
		}
	}

	return stream.Entry{ID: msg.ID, Fields: fields, Deliveries: deliveries}
}

// classify wraps transport failures in stream.ConnectivityError.
func classify(op string, err error) error {
	if stream.IsNetworkError(err) {
		return stream.NewConnectivityError(op, err)
	}
	return fmt.Errorf("redis %s: %w", op, err)
}
