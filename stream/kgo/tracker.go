package kgostream

import (
	"sort"
	"sync"
	"time"

	"github.com/hugolhafner/healthstream/stream"
)

type delivery struct {
	entry       stream.Entry
	deliveredAt time.Time
}

// partitionState tracks delivered entries of one partition. Everything below
// next has been acknowledged or was never fetched; acked holds acknowledgements
// above next. Offsets are not assumed to be consecutive: compaction and
// transaction markers leave gaps that are never delivered.
type partitionState struct {
	epoch    int32
	next     int64
	fetched  int64
	inflight map[int64]*delivery
	acked    map[int64]struct{}
}

type position struct {
	partition int32
	offset    int64
}

// tracker keeps Kafka's cumulative commits consistent with per-entry acks.
// Only the contiguous acknowledged prefix of a partition is ever committed.
type tracker struct {
	mu         sync.Mutex
	partitions map[int32]*partitionState
}

func newTracker() *tracker {
	return &tracker{partitions: make(map[int32]*partitionState)}
}

// deliver registers a fetched record and reports whether it should be handed out.
// A record already in flight is a redelivery; one already acknowledged is dropped.
func (t *tracker) deliver(partition, epoch int32, offset int64, fields map[string]string, id string, now time.Time) (
	stream.Entry, bool,
) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ps, ok := t.partitions[partition]
	if !ok {
		ps = &partitionState{
			next:     offset,
			fetched:  offset - 1,
			inflight: make(map[int64]*delivery),
			acked:    make(map[int64]struct{}),
		}
		t.partitions[partition] = ps
	}
	ps.epoch = epoch
	if offset > ps.fetched {
		ps.fetched = offset
	}

	if offset < ps.next {
		return stream.Entry{}, false
	}
	if _, done := ps.acked[offset]; done {
		return stream.Entry{}, false
	}

	if d, ok := ps.inflight[offset]; ok {
		d.entry.Deliveries++
		d.deliveredAt = now
		return d.entry.Copy(), true
	}

	d := &delivery{
		entry:       stream.Entry{ID: id, Fields: fields, Deliveries: 1},
		deliveredAt: now,
	}
	ps.inflight[offset] = d
	return d.entry.Copy(), true
}

// reclaim hands out up to limit in-flight entries idle for at least after.
func (t *tracker) reclaim(after time.Duration, limit int, now time.Time) []stream.Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var idle []position
	for p, ps := range t.partitions {
		for o, d := range ps.inflight {
			if now.Sub(d.deliveredAt) >= after {
				idle = append(idle, position{partition: p, offset: o})
			}
		}
	}

	sort.Slice(
		idle, func(i, j int) bool {
			if idle[i].partition != idle[j].partition {
				return idle[i].partition < idle[j].partition
			}
			return idle[i].offset < idle[j].offset
		},
	)

	if len(idle) > limit {
		idle = idle[:limit]
	}

	out := make([]stream.Entry, 0, len(idle))
	for _, pos := range idle {
		d := t.partitions[pos.partition].inflight[pos.offset]
		d.entry.Deliveries++
		d.deliveredAt = now
		out = append(out, d.entry.Copy())
	}
	return out
}

// ack acknowledges an in-flight entry. The commit offset is the lowest offset
// still in flight, or one past the highest fetched offset when nothing is. When
// it advances, ack returns it.
func (t *tracker) ack(partition int32, offset int64) (next int64, epoch int32, advanced bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ps, ok := t.partitions[partition]
	if !ok {
		return 0, 0, false
	}
	if _, ok := ps.inflight[offset]; !ok {
		return 0, 0, false
	}

	delete(ps.inflight, offset)
	ps.acked[offset] = struct{}{}

	start := ps.next
	next = ps.fetched + 1
	for o := range ps.inflight {
		if o < next {
			next = o
		}
	}
	if next <= start {
		return ps.next, ps.epoch, false
	}

	ps.next = next
	for o := range ps.acked {
		if o < next {
			delete(ps.acked, o)
		}
	}

	return ps.next, ps.epoch, true
}

// inflight reports delivered but unacknowledged entries across all partitions.
func (t *tracker) inflight() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, ps := range t.partitions {
		n += len(ps.inflight)
	}
	return n
}

// drop forgets partitions this client no longer owns.
func (t *tracker) drop(partitions []int32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, p := range partitions {
		delete(t.partitions, p)
	}
}
