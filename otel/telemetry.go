package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	traceNoop "go.opentelemetry.io/otel/trace/noop"
)

const scopeName = "github.com/hugolhafner/healthstream"

// Telemetry holds the OpenTelemetry instruments of the ingestion pipeline.
// When no providers are configured, all instruments are noops with zero overhead
type Telemetry struct {
	Tracer     trace.Tracer
	Propagator propagation.TextMapPropagator

	// Producer metrics
	EntriesProduced metric.Int64Counter
	ProduceDuration metric.Float64Histogram

	// Consumer metrics
	EntriesConsumed metric.Int64Counter
	PollDuration    metric.Float64Histogram
	PersistDuration metric.Float64Histogram
	EntriesAcked    metric.Int64Counter

	// Error metrics
	Errors              metric.Int64Counter
	ErrorHandlerActions metric.Int64Counter
	PollBackoffs        metric.Int64Counter

	ConsumersRunning metric.Int64UpDownCounter
}

// NewTelemetry creates a Telemetry instance from the given providers.
// all providers are optional and defaulted to noops if nil
func NewTelemetry(tp trace.TracerProvider, mp metric.MeterProvider, prop propagation.TextMapPropagator) (
	*Telemetry, error,
) {
	if tp == nil {
		tp = traceNoop.NewTracerProvider()
	}
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	if prop == nil {
		prop = propagation.TraceContext{}
	}

	tracer := tp.Tracer(scopeName)
	meter := mp.Meter(scopeName)

	entriesProduced, err := meter.Int64Counter(
		"messaging.producer.messages",
		metric.WithDescription("Entries appended to the log"),
	)
	if err != nil {
		return nil, err
	}

	produceDuration, err := meter.Float64Histogram(
		"healthstream.produce.duration",
		metric.WithDescription("Time per Append call"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	entriesConsumed, err := meter.Int64Counter(
		"messaging.consumer.messages",
		metric.WithDescription("Entries read from the log"),
	)
	if err != nil {
		return nil, err
	}

	pollDuration, err := meter.Float64Histogram(
		"healthstream.poll.duration",
		metric.WithDescription("Time per ReadGroup call"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	persistDuration, err := meter.Float64Histogram(
		"healthstream.persist.duration",
		metric.WithDescription("Time per store transaction"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	entriesAcked, err := meter.Int64Counter(
		"healthstream.acks",
		metric.WithDescription("Entries acknowledged after commit"),
	)
	if err != nil {
		return nil, err
	}

	errors, err := meter.Int64Counter(
		"healthstream.errors",
		metric.WithDescription("Entry processing errors encountered"),
	)
	if err != nil {
		return nil, err
	}

	errorHandlerActions, err := meter.Int64Counter(
		"healthstream.error_handler.actions",
		metric.WithDescription("Error handler decisions"),
	)
	if err != nil {
		return nil, err
	}

	pollBackoffs, err := meter.Int64Counter(
		"healthstream.poll.backoffs",
		metric.WithDescription("Polls delayed after a broker connectivity error"),
	)
	if err != nil {
		return nil, err
	}

	consumersRunning, err := meter.Int64UpDownCounter(
		"healthstream.consumers.running",
		metric.WithDescription("Consumer loops currently running"),
	)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Tracer:              tracer,
		Propagator:          prop,
		EntriesProduced:     entriesProduced,
		ProduceDuration:     produceDuration,
		EntriesConsumed:     entriesConsumed,
		PollDuration:        pollDuration,
		PersistDuration:     persistDuration,
		EntriesAcked:        entriesAcked,
		Errors:              errors,
		ErrorHandlerActions: errorHandlerActions,
		PollBackoffs:        pollBackoffs,
		ConsumersRunning:    consumersRunning,
	}, nil
}

// Noop returns a Telemetry instance with all noop instruments
func Noop() *Telemetry {
	t, _ := NewTelemetry(nil, nil, nil)
	return t
}
