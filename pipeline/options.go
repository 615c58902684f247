package pipeline

import (
	"time"

	"github.com/hugolhafner/healthstream/errorhandler"
	"github.com/hugolhafner/healthstream/logger"
	streamsotel "github.com/hugolhafner/healthstream/otel"
)

type ProducerOption interface {
	applyProducer(*ProducerConfig)
}

type CoordinatorOption interface {
	applyCoordinator(*CoordinatorConfig)
}

type ConsumerOption interface {
	applyConsumer(*ConsumerConfig)
}

type loggerOption struct {
	logger logger.Logger
}

func (o loggerOption) applyProducer(c *ProducerConfig) {
	c.Logger = o.logger
}

func (o loggerOption) applyCoordinator(c *CoordinatorConfig) {
	c.Logger = o.logger
}

func (o loggerOption) applyConsumer(c *ConsumerConfig) {
	c.Logger = o.logger
}

func WithLogger(l logger.Logger) loggerOption {
	return loggerOption{logger: l}
}

type telemetryOption struct {
	telemetry *streamsotel.Telemetry
}

func (o telemetryOption) applyProducer(c *ProducerConfig) {
	if o.telemetry != nil {
		c.Telemetry = o.telemetry
	}
}

func (o telemetryOption) applyCoordinator(c *CoordinatorConfig) {
	if o.telemetry != nil {
		c.Telemetry = o.telemetry
	}
}

func (o telemetryOption) applyConsumer(c *ConsumerConfig) {
	if o.telemetry != nil {
		c.Telemetry = o.telemetry
	}
}

func WithTelemetry(t *streamsotel.Telemetry) telemetryOption {
	return telemetryOption{telemetry: t}
}

type consumerNameOption string

func (o consumerNameOption) applyCoordinator(c *CoordinatorConfig) {
	if o != "" {
		c.ConsumerName = string(o)
	}
}

// WithConsumerName replaces the generated consumer-<uuidv7> identity
func WithConsumerName(name string) consumerNameOption {
	return consumerNameOption(name)
}

type startOption string

func (o startOption) applyCoordinator(c *CoordinatorConfig) {
	if o != "" {
		c.Start = string(o)
	}
}

// WithStart positions a newly created group, stream.StartNew by default
func WithStart(start string) startOption {
	return startOption(start)
}

type batchSizeOption int

func (o batchSizeOption) applyConsumer(c *ConsumerConfig) {
	if o > 0 {
		c.BatchSize = int(o)
	}
}

// WithBatchSize caps the entries read per poll
func WithBatchSize(n int) batchSizeOption {
	return batchSizeOption(n)
}

type blockOption time.Duration

func (o blockOption) applyConsumer(c *ConsumerConfig) {
	if o > 0 {
		c.Block = time.Duration(o)
	}
}

// WithBlock sets how long a poll waits for new entries
func WithBlock(d time.Duration) blockOption {
	return blockOption(d)
}

type idlePauseOption time.Duration

func (o idlePauseOption) applyConsumer(c *ConsumerConfig) {
	if o >= 0 {
		c.IdlePause = time.Duration(o)
	}
}

// WithIdlePause sets the pause after a poll that returned nothing
func WithIdlePause(d time.Duration) idlePauseOption {
	return idlePauseOption(d)
}

type connectivityBackoffOption struct {
	b Backoff
}

func (o connectivityBackoffOption) applyConsumer(c *ConsumerConfig) {
	if o.b != nil {
		c.ConnectivityBackoff = o.b
	}
}

func WithConnectivityBackoff(b Backoff) connectivityBackoffOption {
	return connectivityBackoffOption{b: b}
}

type errorBackoffOption struct {
	b Backoff
}

func (o errorBackoffOption) applyConsumer(c *ConsumerConfig) {
	if o.b != nil {
		c.ErrorBackoff = o.b
	}
}

func WithErrorBackoff(b Backoff) errorBackoffOption {
	return errorBackoffOption{b: b}
}

type errorHandlerOption struct {
	handler errorhandler.Handler
	phase   errorhandler.ErrorPhase
}

func (o errorHandlerOption) applyConsumer(c *ConsumerConfig) {
	switch o.phase {
	case errorhandler.PhaseSerde:
		c.SerdeErrorHandler = o.handler
	case errorhandler.PhasePersist:
		c.PersistErrorHandler = o.handler
	case errorhandler.PhaseAck:
		c.AckErrorHandler = o.handler
	default:
		c.ErrorHandler = o.handler
	}
}

// WithErrorHandler sets the handler for phases without a dedicated one
func WithErrorHandler(h errorhandler.Handler) errorHandlerOption {
	return errorHandlerOption{handler: h}
}

func WithSerdeErrorHandler(h errorhandler.Handler) errorHandlerOption {
	return errorHandlerOption{handler: h, phase: errorhandler.PhaseSerde}
}

func WithPersistErrorHandler(h errorhandler.Handler) errorHandlerOption {
	return errorHandlerOption{handler: h, phase: errorhandler.PhasePersist}
}

func WithAckErrorHandler(h errorhandler.Handler) errorHandlerOption {
	return errorHandlerOption{handler: h, phase: errorhandler.PhaseAck}
}
