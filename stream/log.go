// Package stream defines the append-only log the pipeline produces to and
// drains from, along with the consumer-group vocabulary shared by its backends.
package stream

import (
	"context"
	"time"
)

// Start positions accepted by EnsureGroup.
const (
	// StartNew positions a new group after the last existing entry.
	StartNew = "$"
	// StartBeginning positions a new group before the first entry.
	StartBeginning = "0"
)

// GroupStatus is the outcome of a successful EnsureGroup call.
type GroupStatus int

const (
	GroupCreated GroupStatus = iota
	GroupExists
)

func (s GroupStatus) String() string {
	switch s {
	case GroupCreated:
		return "created"
	case GroupExists:
		return "exists"
	default:
		return "unknown"
	}
}

// Entry is a single record read from the log.
type Entry struct {
	// ID is assigned by the log and increases monotonically per stream (or partition).
	ID string
	// Fields is the serialized payload.
	Fields map[string]string
	// Deliveries counts how often the entry has been handed to a consumer, 1 indexed.
	Deliveries int
}

// Copy returns a deep copy of the entry.
func (e Entry) Copy() Entry {
	fields := make(map[string]string, len(e.Fields))
	for k, v := range e.Fields {
		fields[k] = v
	}

	return Entry{
		ID:         e.ID,
		Fields:     fields,
		Deliveries: e.Deliveries,
	}
}

// ReadGroupArgs selects the entries handed to one consumer of a group.
type ReadGroupArgs struct {
	Stream   string
	Group    string
	Consumer string
	// Count caps the number of returned entries.
	Count int
	// Block is the longest ReadGroup waits for at least one entry.
	Block time.Duration
}

type Producer interface {
	// Append adds fields as a new entry and returns its ID.
	Append(ctx context.Context, stream string, fields map[string]string) (string, error)
}

type Consumer interface {
	// EnsureGroup creates the group positioned at start unless it already exists.
	// An existing group is reported through GroupExists and is never repositioned.
	EnsureGroup(ctx context.Context, stream, group, start string) (GroupStatus, error)

	// ReadGroup returns up to args.Count entries for args.Consumer, in delivery order.
	// Entries left unacknowledged by any consumer of the group are handed out again
	// once the backend's reclaim interval has elapsed. An empty result is not an error.
	ReadGroup(ctx context.Context, args ReadGroupArgs) ([]Entry, error)

	// Ack removes the entries from the group's pending set.
	Ack(ctx context.Context, stream, group string, ids ...string) error
}

type Inspector interface {
	// PendingCount reports entries delivered to the group but not yet acknowledged.
	PendingCount(ctx context.Context, stream, group string) (int64, error)
	// Length reports the number of entries in the stream.
	Length(ctx context.Context, stream string) (int64, error)
}

// Log is the full contract implemented by every backend.
type Log interface {
	Producer
	Consumer
	Inspector

	Ping(ctx context.Context) error
	Close() error
}
