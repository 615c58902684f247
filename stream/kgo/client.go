// Package kgostream implements stream.Log on Kafka with franz-go.
//
// Kafka commits progress cumulatively per partition, so the client keeps the
// consumer group's per-entry pending set in memory and commits only the
// contiguous acknowledged prefix of each partition. Entry IDs have the form
// "<partition>-<offset>".
package kgostream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hugolhafner/healthstream/committer"
	"github.com/hugolhafner/healthstream/logger"
	"github.com/hugolhafner/healthstream/stream"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

var _ stream.Log = (*Client)(nil)

var ErrClosed = errors.New("kgostream: client closed")

type Config struct {
	BootstrapServers  []string
	GroupID           string
	Partitions        int32
	ReplicationFactor int16
	// KeyField names the entry field used as the record key.
	KeyField          string
	ReclaimAfter      time.Duration
	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	CommitInterval    time.Duration
	CommitCount       int

	Logger logger.Logger
}

func defaultConfig() Config {
	return Config{
		BootstrapServers:  []string{"localhost:9092"},
		GroupID:           "health-data-group",
		Partitions:        1,
		ReplicationFactor: -1,
		KeyField:          "user_id",
		ReclaimAfter:      30 * time.Second,
		SessionTimeout:    45 * time.Second,
		HeartbeatInterval: 3 * time.Second,
		CommitInterval:    time.Second,
		CommitCount:       100,
		Logger:            logger.NewNoopLogger(),
	}
}

type Option func(*Config)

func WithBootstrapServers(servers []string) Option {
	return func(cfg *Config) {
		cfg.BootstrapServers = servers
	}
}

func WithGroupID(id string) Option {
	return func(cfg *Config) {
		cfg.GroupID = id
	}
}

// WithPartitions sets the partition count used when EnsureGroup creates the topic.
func WithPartitions(n int32) Option {
	return func(cfg *Config) {
		if n > 0 {
			cfg.Partitions = n
		}
	}
}

func WithReplicationFactor(n int16) Option {
	return func(cfg *Config) {
		cfg.ReplicationFactor = n
	}
}

func WithKeyField(field string) Option {
	return func(cfg *Config) {
		cfg.KeyField = field
	}
}

func WithReclaimAfter(d time.Duration) Option {
	return func(cfg *Config) {
		if d >= 0 {
			cfg.ReclaimAfter = d
		}
	}
}

// WithCommitCadence controls how eagerly acknowledged offsets are committed.
func WithCommitCadence(interval time.Duration, count int) Option {
	return func(cfg *Config) {
		cfg.CommitInterval = interval
		cfg.CommitCount = count
	}
}

func WithLogger(l logger.Logger) Option {
	return func(cfg *Config) {
		cfg.Logger = l.With("client", "kgo")
	}
}

type Client struct {
	client    *kgo.Client
	admin     *kadm.Client
	config    Config
	tracker   *tracker
	committer committer.Committer

	mu     sync.Mutex
	topics map[string]struct{}
	// existing caches topics known to exist on the cluster.
	existing map[string]struct{}

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	logger logger.Logger
}

func NewClient(opts ...Option) (*Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	c := &Client{
		config:  cfg,
		tracker: newTracker(),
		committer: committer.NewPeriodicCommitter(
			committer.WithMaxInterval(cfg.CommitInterval),
			committer.WithMaxCount(cfg.CommitCount),
		),
		topics:   make(map[string]struct{}),
		existing: make(map[string]struct{}),
		done:     make(chan struct{}),
		logger:   cfg.Logger,
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.BootstrapServers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.OnPartitionsRevoked(c.onRevoked),
		kgo.OnPartitionsLost(c.onRevoked),
		kgo.WithLogger(newKgoLogger(c.logger)),
		kgo.SessionTimeout(cfg.SessionTimeout),
		kgo.HeartbeatInterval(cfg.HeartbeatInterval),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(5*time.Second),
	)
	if err != nil {
		c.committer.Close()
		return nil, fmt.Errorf("create kgo client: %w", err)
	}

	c.client = client
	c.admin = kadm.NewClient(client)

	c.wg.Add(1)
	go c.commitLoop()

	return c, nil
}

func (c *Client) onRevoked(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
	for topic, partitions := range revoked {
		c.logger.Info("Partitions revoked, dropping in-flight entries", "topic", topic, "partitions", partitions)
		c.tracker.drop(partitions)
	}
}

func (c *Client) commitLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case <-c.committer.C():
			c.commitMarked()
		}
	}
}

func (c *Client) commitMarked() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Error("Failed to commit acknowledged offsets", "error", err)
	}
}

// Append produces fields as record headers. A topic this client has not seen
// yet is created first, so dead-letter topics need no provisioning.
func (c *Client) Append(ctx context.Context, topic string, fields map[string]string) (string, error) {
	if err := c.ensureTopic(ctx, topic); err != nil {
		return "", err
	}

	rec := &kgo.Record{Topic: topic, Headers: make([]kgo.RecordHeader, 0, len(fields))}
	for k, v := range fields {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	if key, ok := fields[c.config.KeyField]; ok {
		rec.Key = []byte(key)
	}

	produced, err := c.client.ProduceSync(ctx, rec).First()
	if err != nil {
		return "", classify("produce", err)
	}

	return formatID(produced.Partition, produced.Offset), nil
}

// EnsureGroup creates the topic when missing and seeds the group's committed
// offsets at start unless the group already has offsets for the topic.
func (c *Client) EnsureGroup(ctx context.Context, topic, group, start string) (stream.GroupStatus, error) {
	if group != c.config.GroupID {
		return 0, stream.ErrGroupMismatch
	}

	if err := c.ensureTopic(ctx, topic); err != nil {
		return 0, err
	}

	status, err := c.seedGroup(ctx, topic, group, start)
	if err != nil {
		return 0, err
	}

	c.subscribe(topic)
	return status, nil
}

// ensureTopic creates topic unless it is already known to exist.
func (c *Client) ensureTopic(ctx context.Context, topic string) error {
	c.mu.Lock()
	_, ok := c.existing[topic]
	c.mu.Unlock()
	if ok {
		return nil
	}

	created, err := c.admin.CreateTopics(ctx, c.config.Partitions, c.config.ReplicationFactor, nil, topic)
	if err != nil {
		return classify("create_topics", err)
	}
	resp, ok := created[topic]
	switch {
	case ok && resp.Err == nil:
		c.logger.Info("Created topic", "topic", topic, "partitions", c.config.Partitions)
	case ok && !errors.Is(resp.Err, kerr.TopicAlreadyExists):
		return fmt.Errorf("create topic %s: %w", topic, resp.Err)
	}

	c.mu.Lock()
	c.existing[topic] = struct{}{}
	c.mu.Unlock()
	return nil
}

func (c *Client) seedGroup(ctx context.Context, topic, group, start string) (stream.GroupStatus, error) {
	committed, err := c.admin.FetchOffsets(ctx, group)
	if err != nil && !errors.Is(err, kerr.GroupIDNotFound) {
		return 0, classify("fetch_offsets", err)
	}
	if len(committed[topic]) > 0 {
		return stream.GroupExists, nil
	}

	var listed kadm.ListedOffsets
	switch start {
	case stream.StartBeginning:
		listed, err = c.admin.ListStartOffsets(ctx, topic)
	default:
		listed, err = c.admin.ListEndOffsets(ctx, topic)
	}
	if err != nil {
		return 0, classify("list_offsets", err)
	}
	if err := listed.Error(); err != nil {
		return 0, fmt.Errorf("list offsets for %s: %w", topic, err)
	}

	if err := c.admin.CommitAllOffsets(ctx, group, listed.Offsets()); err != nil {
		return 0, classify("commit_offsets", err)
	}

	c.logger.Info("Created consumer group", "topic", topic, "group", group, "start", start)
	return stream.GroupCreated, nil
}

func (c *Client) subscribe(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.topics[topic]; ok {
		return
	}
	c.topics[topic] = struct{}{}
	c.client.AddConsumeTopics(topic)
}

func (c *Client) ReadGroup(ctx context.Context, args stream.ReadGroupArgs) ([]stream.Entry, error) {
	if args.Group != c.config.GroupID {
		return nil, stream.ErrGroupMismatch
	}

	count := args.Count
	if count <= 0 {
		count = 1
	}

	out := c.tracker.reclaim(c.config.ReclaimAfter, count, time.Now())
	if len(out) >= count {
		return out, nil
	}

	block := args.Block
	if len(out) > 0 || block <= 0 {
		block = time.Millisecond
	}

	pollCtx, cancel := context.WithTimeout(ctx, block)
	defer cancel()

	fetches := c.client.PollRecords(pollCtx, count-len(out))
	if fetches.IsClientClosed() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
			continue
		}
		if len(out) > 0 {
			c.logger.Warn("Fetch failed after reclaim", "topic", fe.Topic, "partition", fe.Partition, "error", fe.Err)
			return out, nil
		}
		return nil, classify("poll", fe.Err)
	}

	now := time.Now()
	fetches.EachRecord(
		func(r *kgo.Record) {
			if r.Topic != args.Stream {
				return
			}

			entry, ok := c.tracker.deliver(
				r.Partition, r.LeaderEpoch, r.Offset, headerFields(r), formatID(r.Partition, r.Offset), now,
			)
			if ok {
				out = append(out, entry)
			}
		},
	)

	return out, nil
}

func (c *Client) Ack(ctx context.Context, topic, group string, ids ...string) error {
	if group != c.config.GroupID {
		return stream.ErrGroupMismatch
	}

	acked := 0
	for _, id := range ids {
		partition, offset, err := parseID(id)
		if err != nil {
			return err
		}

		next, epoch, advanced := c.tracker.ack(partition, offset)
		if !advanced {
			continue
		}

		c.client.MarkCommitOffsets(
			map[string]map[int32]kgo.EpochOffset{
				topic: {partition: {Epoch: epoch, Offset: next}},
			},
		)
		acked++
	}

	if acked > 0 {
		c.committer.RecordAcked(acked)
	}
	return nil
}

// PendingCount reports the group's lag: entries appended after the committed
// offsets. Entries never delivered are included.
func (c *Client) PendingCount(ctx context.Context, topic, group string) (int64, error) {
	if group != c.config.GroupID {
		return 0, stream.ErrGroupMismatch
	}

	ends, err := c.admin.ListEndOffsets(ctx, topic)
	if err != nil {
		return 0, classify("list_end_offsets", err)
	}
	committed, err := c.admin.FetchOffsets(ctx, group)
	if err != nil {
		return 0, classify("fetch_offsets", err)
	}

	var pending int64
	ends.Each(
		func(o kadm.ListedOffset) {
			if o.Err != nil {
				return
			}

			at := int64(0)
			if resp, ok := committed.Lookup(topic, o.Partition); ok && resp.Err == nil && resp.At >= 0 {
				at = resp.At
			}
			if o.Offset > at {
				pending += o.Offset - at
			}
		},
	)

	return pending, nil
}

func (c *Client) Length(ctx context.Context, topic string) (int64, error) {
	starts, err := c.admin.ListStartOffsets(ctx, topic)
	if err != nil {
		return 0, classify("list_start_offsets", err)
	}
	ends, err := c.admin.ListEndOffsets(ctx, topic)
	if err != nil {
		return 0, classify("list_end_offsets", err)
	}

	var length int64
	ends.Each(
		func(o kadm.ListedOffset) {
			if o.Err != nil {
				return
			}
			if s, ok := starts.Lookup(topic, o.Partition); ok && s.Err == nil {
				length += o.Offset - s.Offset
			}
		},
	)

	return length, nil
}

// InFlight reports entries delivered by this client that are not yet acknowledged.
func (c *Client) InFlight() int {
	return c.tracker.inflight()
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

// Close flushes acknowledged offsets and leaves the group.
func (c *Client) Close() error {
	c.closeOnce.Do(
		func() {
			close(c.done)
			c.committer.Close()
			c.wg.Wait()

			c.commitMarked()
			c.client.Close()
		},
	)
	return nil
}

func headerFields(r *kgo.Record) map[string]string {
	fields := make(map[string]string, len(r.Headers))
	for _, h := range r.Headers {
		fields[h.Key] = string(h.Value)
	}
	return fields
}

func formatID(partition int32, offset int64) string {
	return strconv.FormatInt(int64(partition), 10) + "-" + strconv.FormatInt(offset, 10)
}

func parseID(id string) (int32, int64, error) {
	p, o, ok := strings.Cut(id, "-")
	if !ok {
		return 0, 0, fmt.Errorf("kgostream: malformed entry id %q", id)
	}

	partition, err := strconv.ParseInt(p, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("kgostream: malformed entry id %q: %w", id, err)
	}
	offset, err := strconv.ParseInt(o, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("kgostream: malformed entry id %q: %w", id, err)
	}

	return int32(partition), offset, nil
}

// classify wraps transport and retriable broker failures in stream.ConnectivityError.
func classify(op string, err error) error {
	var kErr *kerr.Error
	if stream.IsNetworkError(err) || (errors.As(err, &kErr) && kErr.Retriable) {
		return stream.NewConnectivityError(op, err)
	}
	return fmt.Errorf("kafka %s: %w", op, err)
}
