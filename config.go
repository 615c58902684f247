package healthstream

import (
	"time"

	"github.com/hugolhafner/healthstream/logger"
	streamsotel "github.com/hugolhafner/healthstream/otel"
	"github.com/hugolhafner/healthstream/pipeline"
	"github.com/hugolhafner/healthstream/stream"
)

const (
	DefaultStream          = "health-data-stream"
	DefaultGroup           = "health-data-group"
	DefaultShutdownTimeout = 10 * time.Second
)

type Config struct {
	Logger    logger.Logger
	Telemetry *streamsotel.Telemetry

	Stream string
	Group  string
	// ConsumerName overrides the generated consumer-<uuidv7> identity.
	ConsumerName string
	// Start positions the group when Start has to create it.
	Start string

	ShutdownTimeout time.Duration

	// ConsumerOptions are passed through to the pipeline consumer.
	ConsumerOptions []pipeline.ConsumerOption
}

type ConfigOption func(*Config)

func WithLogger(logger logger.Logger) ConfigOption {
	return func(c *Config) {
		c.Logger = logger
	}
}

func WithTelemetry(t *streamsotel.Telemetry) ConfigOption {
	return func(c *Config) {
		if t != nil {
			c.Telemetry = t
		}
	}
}

func WithStream(name string) ConfigOption {
	return func(c *Config) {
		c.Stream = name
	}
}

func WithGroup(name string) ConfigOption {
	return func(c *Config) {
		c.Group = name
	}
}

func WithConsumerName(name string) ConfigOption {
	return func(c *Config) {
		c.ConsumerName = name
	}
}

func WithStart(start string) ConfigOption {
	return func(c *Config) {
		c.Start = start
	}
}

func WithShutdownTimeout(d time.Duration) ConfigOption {
	return func(c *Config) {
		if d > 0 {
			c.ShutdownTimeout = d
		}
	}
}

func WithConsumerOptions(opts ...pipeline.ConsumerOption) ConfigOption {
	return func(c *Config) {
		c.ConsumerOptions = append(c.ConsumerOptions, opts...)
	}
}

func defaultConfig() Config {
	return Config{
		Logger:          logger.NewNoopLogger(),
		Telemetry:       streamsotel.Noop(),
		Stream:          DefaultStream,
		Group:           DefaultGroup,
		Start:           stream.StartNew,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}
