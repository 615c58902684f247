package mockstream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/hugolhafner/healthstream/stream"
)

var _ stream.Log = (*Log)(nil)

var (
	ErrClosed  = errors.New("mockstream: log closed")
	ErrNoGroup = errors.New("mockstream: NOGROUP no such stream or consumer group")
)

type pendingEntry struct {
	consumer    string
	deliveredAt time.Time
	deliveries  int
}

type group struct {
	// cursor is the index of the next never-delivered entry.
	cursor  int
	pending map[string]*pendingEntry
}

type memStream struct {
	seq     int64
	entries []stream.Entry
	index   map[string]int
	groups  map[string]*group
}

// Log is an in-memory stream.Log with Redis Streams semantics: per-entry
// pending tracking, explicit acks and redelivery of idle pending entries.
type Log struct {
	mu sync.Mutex

	streams map[string]*memStream
	// appended is closed and replaced on every append to wake blocked readers.
	appended chan struct{}

	acked     []string
	readCalls int

	reclaimAfter time.Duration
	now          func() time.Time

	appendErr  func(stream string, fields map[string]string) error
	readErr    func() error
	ackErr     func(id string) error
	pendingErr func() error
	lengthErr  func() error
	groupErr   func() error
	pingErr    error

	closed bool
}

func NewLog(opts ...Option) *Log {
	l := &Log{
		streams:  make(map[string]*memStream),
		appended: make(chan struct{}),
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

func (l *Log) streamLocked(name string, create bool) *memStream {
	s, ok := l.streams[name]
	if !ok && create {
		s = &memStream{
			index:  make(map[string]int),
			groups: make(map[string]*group),
		}
		l.streams[name] = s
	}
	return s
}

// Append adds a new entry with an ID of the form "<seq>-0".
func (l *Log) Append(ctx context.Context, name string, fields map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return "", ErrClosed
	}

	if l.appendErr != nil {
		if err := l.appendErr(name, fields); err != nil {
			return "", err
		}
	}

	s := l.streamLocked(name, true)
	s.seq++
	id := strconv.FormatInt(s.seq, 10) + "-0"

	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}

	s.index[id] = len(s.entries)
	s.entries = append(s.entries, stream.Entry{ID: id, Fields: copied})

	close(l.appended)
	l.appended = make(chan struct{})

	return id, nil
}

func (l *Log) EnsureGroup(ctx context.Context, name, groupName, start string) (stream.GroupStatus, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrClosed
	}

	if l.groupErr != nil {
		if err := l.groupErr(); err != nil {
			return 0, err
		}
	}

	s := l.streamLocked(name, true)
	if _, ok := s.groups[groupName]; ok {
		return stream.GroupExists, nil
	}

	cursor, err := s.position(start)
	if err != nil {
		return 0, err
	}

	s.groups[groupName] = &group{
		cursor:  cursor,
		pending: make(map[string]*pendingEntry),
	}

	return stream.GroupCreated, nil
}

func (s *memStream) position(start string) (int, error) {
	switch start {
	case stream.StartNew:
		return len(s.entries), nil
	case stream.StartBeginning, "":
		return 0, nil
	}

	idx, ok := s.index[start]
	if !ok {
		return 0, fmt.Errorf("mockstream: unknown start id %q", start)
	}
	return idx + 1, nil
}

func (l *Log) ReadGroup(ctx context.Context, args stream.ReadGroupArgs) ([]stream.Entry, error) {
	var deadline <-chan time.Time
	if args.Block > 0 {
		timer := time.NewTimer(args.Block)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		entries, wake, err := l.tryRead(ctx, args)
		if err != nil || len(entries) > 0 || deadline == nil {
			return entries, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, nil
		case <-wake:
		}
	}
}

func (l *Log) tryRead(ctx context.Context, args stream.ReadGroupArgs) ([]stream.Entry, <-chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.readCalls++

	if l.closed {
		return nil, nil, ErrClosed
	}

	if l.readErr != nil {
		if err := l.readErr(); err != nil {
			return nil, nil, err
		}
	}

	s := l.streamLocked(args.Stream, false)
	if s == nil {
		return nil, nil, ErrNoGroup
	}
	g, ok := s.groups[args.Group]
	if !ok {
		return nil, nil, ErrNoGroup
	}

	count := args.Count
	if count <= 0 {
		count = 1
	}

	now := l.now()
	out := make([]stream.Entry, 0, count)

	for _, id := range s.pendingIDs(g) {
		if len(out) >= count {
			break
		}

		p := g.pending[id]
		if now.Sub(p.deliveredAt) < l.reclaimAfter {
			continue
		}

		p.consumer = args.Consumer
		p.deliveredAt = now
		p.deliveries++

		e := s.entries[s.index[id]].Copy()
		e.Deliveries = p.deliveries
		out = append(out, e)
	}

	for len(out) < count && g.cursor < len(s.entries) {
		e := s.entries[g.cursor].Copy()
		g.cursor++

		g.pending[e.ID] = &pendingEntry{
			consumer:    args.Consumer,
			deliveredAt: now,
			deliveries:  1,
		}

		e.Deliveries = 1
		out = append(out, e)
	}

	return out, l.appended, nil
}

// pendingIDs returns the group's pending IDs in log order.
func (s *memStream) pendingIDs(g *group) []string {
	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}

	sort.Slice(
		ids, func(i, j int) bool {
			return s.index[ids[i]] < s.index[ids[j]]
		},
	)
	return ids
}

func (l *Log) Ack(ctx context.Context, name, groupName string, ids ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}

	s := l.streamLocked(name, false)
	if s == nil {
		return ErrNoGroup
	}
	g, ok := s.groups[groupName]
	if !ok {
		return ErrNoGroup
	}

	for _, id := range ids {
		if l.ackErr != nil {
			if err := l.ackErr(id); err != nil {
				return err
			}
		}

		if _, ok := g.pending[id]; !ok {
			continue
		}

		delete(g.pending, id)
		l.acked = append(l.acked, id)
	}

	return nil
}

func (l *Log) PendingCount(ctx context.Context, name, groupName string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrClosed
	}

	if l.pendingErr != nil {
		if err := l.pendingErr(); err != nil {
			return 0, err
		}
	}

	s := l.streamLocked(name, false)
	if s == nil {
		return 0, ErrNoGroup
	}
	g, ok := s.groups[groupName]
	if !ok {
		return 0, ErrNoGroup
	}

	return int64(len(g.pending)), nil
}

func (l *Log) Length(ctx context.Context, name string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrClosed
	}

	if l.lengthErr != nil {
		if err := l.lengthErr(); err != nil {
			return 0, err
		}
	}

	s := l.streamLocked(name, false)
	if s == nil {
		return 0, nil
	}
	return int64(len(s.entries)), nil
}

func (l *Log) Ping(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	return l.pingErr
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	return nil
}

// AddEntries appends entries directly, bypassing error injection.
func (l *Log) AddEntries(name string, fields ...map[string]string) []string {
	appendErr := l.swapAppendErr(nil)
	defer l.swapAppendErr(appendErr)

	ids := make([]string, 0, len(fields))
	for _, f := range fields {
		id, err := l.Append(context.Background(), name, f)
		if err != nil {
			panic(fmt.Sprintf("mockstream: AddEntries: %v", err))
		}
		ids = append(ids, id)
	}
	return ids
}

func (l *Log) swapAppendErr(fn func(string, map[string]string) error) func(string, map[string]string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	old := l.appendErr
	l.appendErr = fn
	return old
}

// SetAppendError configures an error returned by every Append. Pass nil to clear.
func (l *Log) SetAppendError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err == nil {
		l.appendErr = nil
	} else {
		l.appendErr = func(string, map[string]string) error { return err }
	}
}

// SetReadError configures an error returned by every ReadGroup. Pass nil to clear.
func (l *Log) SetReadError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err == nil {
		l.readErr = nil
	} else {
		l.readErr = func() error { return err }
	}
}

// SetReadErrorFunc configures a function deciding ReadGroup errors.
func (l *Log) SetReadErrorFunc(fn func() error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.readErr = fn
}

// SetUnavailable makes ReadGroup fail with a connectivity error while down is true.
func (l *Log) SetUnavailable(down bool) {
	if !down {
		l.SetReadError(nil)
		return
	}
	l.SetReadError(stream.NewConnectivityError("read_group", errors.New("connection refused")))
}

// SetAckErrorFunc configures a function deciding Ack errors per entry ID.
func (l *Log) SetAckErrorFunc(fn func(id string) error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.ackErr = fn
}

// SetPendingError configures an error returned by PendingCount. Pass nil to clear.
func (l *Log) SetPendingError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err == nil {
		l.pendingErr = nil
	} else {
		l.pendingErr = func() error { return err }
	}
}

// SetLengthError configures an error returned by Length. Pass nil to clear.
func (l *Log) SetLengthError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err == nil {
		l.lengthErr = nil
	} else {
		l.lengthErr = func() error { return err }
	}
}

// SetEnsureGroupError configures an error returned by EnsureGroup. Pass nil to clear.
func (l *Log) SetEnsureGroupError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err == nil {
		l.groupErr = nil
	} else {
		l.groupErr = func() error { return err }
	}
}

// SetPingError configures the error returned by Ping.
func (l *Log) SetPingError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pingErr = err
}

// Entries returns a copy of every entry in the stream.
func (l *Log) Entries(name string) []stream.Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.streamLocked(name, false)
	if s == nil {
		return nil
	}

	out := make([]stream.Entry, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Copy()
	}
	return out
}

// PendingIDs returns the pending entry IDs of a group in log order.
func (l *Log) PendingIDs(name, groupName string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.streamLocked(name, false)
	if s == nil {
		return nil
	}
	g, ok := s.groups[groupName]
	if !ok {
		return nil
	}
	return s.pendingIDs(g)
}

// PendingOwner returns the consumer an entry is currently pending on.
func (l *Log) PendingOwner(name, groupName, id string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.streamLocked(name, false)
	if s == nil {
		return "", false
	}
	g, ok := s.groups[groupName]
	if !ok {
		return "", false
	}
	p, ok := g.pending[id]
	if !ok {
		return "", false
	}
	return p.consumer, true
}

// Acked returns every acknowledged entry ID in ack order.
func (l *Log) Acked() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, len(l.acked))
	copy(out, l.acked)
	return out
}

// ReadCalls reports how many times ReadGroup reached the log.
func (l *Log) ReadCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.readCalls
}

// Groups lists the group names of a stream.
func (l *Log) Groups(name string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.streamLocked(name, false)
	if s == nil {
		return nil
	}

	out := make([]string, 0, len(s.groups))
	for g := range s.groups {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// IsClosed returns whether Close has been called.
func (l *Log) IsClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.closed
}

// Cursor returns the index of the next never-delivered entry for a group.
func (l *Log) Cursor(name, groupName string) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.streamLocked(name, false)
	if s == nil {
		return 0, false
	}
	g, ok := s.groups[groupName]
	if !ok {
		return 0, false
	}
	return g.cursor, true
}
