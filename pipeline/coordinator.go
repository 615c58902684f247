package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/hugolhafner/healthstream/stream"
)

// Coordinator makes sure the consumer group exists and owns this process's
// consumer identity within it.
type Coordinator struct {
	stream   string
	group    string
	consumer string
	status   stream.GroupStatus
}

// NewCoordinator ensures the group exists on the stream. An error is fatal to startup.
func NewCoordinator(
	ctx context.Context, log stream.Consumer, streamName, group string, opts ...CoordinatorOption,
) (*Coordinator, error) {
	config := defaultCoordinatorConfig()
	for _, opt := range opts {
		opt.applyCoordinator(&config)
	}

	l := config.Logger.With("component", "coordinator", "stream", streamName, "group", group)

	status, err := log.EnsureGroup(ctx, streamName, group, config.Start)
	if err != nil {
		l.Error("Failed to ensure consumer group", "error", err)
		return nil, fmt.Errorf("ensure consumer group %s on %s: %w", group, streamName, err)
	}

	name := config.ConsumerName
	if name == "" {
		name = NewConsumerName()
	}

	switch status {
	case stream.GroupCreated:
		l.Info("Consumer group created", "consumer", name)
	default:
		l.Info("Consumer group already exists", "consumer", name)
	}

	return &Coordinator{
		stream:   streamName,
		group:    group,
		consumer: name,
		status:   status,
	}, nil
}

// NewConsumerName returns consumer-<uuidv7>; the UUID embeds the current time.
func NewConsumerName() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return "consumer-" + id.String()
}

func (c *Coordinator) Stream() string {
	return c.stream
}

func (c *Coordinator) Group() string {
	return c.group
}

func (c *Coordinator) ConsumerName() string {
	return c.consumer
}

// Status reports whether the group was created or already existed at startup.
func (c *Coordinator) Status() stream.GroupStatus {
	return c.status
}
