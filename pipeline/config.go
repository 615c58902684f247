package pipeline

import (
	"time"

	"github.com/hugolhafner/dskit/backoff"
	"github.com/hugolhafner/healthstream/errorhandler"
	"github.com/hugolhafner/healthstream/logger"
	streamsotel "github.com/hugolhafner/healthstream/otel"
	"github.com/hugolhafner/healthstream/stream"
)

// BaseConfig is shared by the producer, the coordinator and the consumer
type BaseConfig struct {
	Logger    logger.Logger
	Telemetry *streamsotel.Telemetry
}

func defaultBaseConfig() BaseConfig {
	return BaseConfig{
		Logger:    logger.NewNoopLogger(),
		Telemetry: streamsotel.Noop(),
	}
}

type ProducerConfig struct {
	BaseConfig
}

func defaultProducerConfig() ProducerConfig {
	return ProducerConfig{BaseConfig: defaultBaseConfig()}
}

type CoordinatorConfig struct {
	BaseConfig
	// ConsumerName overrides the generated consumer identity.
	ConsumerName string
	// Start positions a newly created group.
	Start string
}

func defaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		BaseConfig: defaultBaseConfig(),
		Start:      stream.StartNew,
	}
}

type ConsumerConfig struct {
	BaseConfig

	BatchSize int
	Block     time.Duration
	IdlePause time.Duration

	// ConnectivityBackoff delays polls after broker connectivity errors.
	ConnectivityBackoff Backoff
	// ErrorBackoff delays polls after any other failed iteration.
	ErrorBackoff Backoff

	ErrorHandler        errorhandler.Handler
	SerdeErrorHandler   errorhandler.Handler
	PersistErrorHandler errorhandler.Handler
	AckErrorHandler     errorhandler.Handler
}

func defaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		BaseConfig:          defaultBaseConfig(),
		BatchSize:           10,
		Block:               5 * time.Second,
		IdlePause:           100 * time.Millisecond,
		ConnectivityBackoff: NewJitteredBackoff(DefaultBackoffCap),
		ErrorBackoff:        backoff.NewFixed(time.Second),
	}
}
