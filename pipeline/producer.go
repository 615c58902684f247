package pipeline

import (
	"context"
	"time"

	"github.com/hugolhafner/healthstream/logger"
	"github.com/hugolhafner/healthstream/metric"
	streamsotel "github.com/hugolhafner/healthstream/otel"
	"github.com/hugolhafner/healthstream/stream"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// Producer appends metric records to the log. It holds no mutable state and is
// safe for concurrent use.
type Producer struct {
	log    stream.Producer
	stream string

	logger    logger.Logger
	telemetry *streamsotel.Telemetry
}

func NewProducer(log stream.Producer, streamName string, opts ...ProducerOption) *Producer {
	config := defaultProducerConfig()
	for _, opt := range opts {
		opt.applyProducer(&config)
	}

	return &Producer{
		log:       log,
		stream:    streamName,
		logger:    config.Logger.With("component", "producer", "stream", streamName),
		telemetry: config.Telemetry,
	}
}

// Enqueue stamps the record with the current UTC time and appends it.
// Log errors are returned unmodified and never retried.
func (p *Producer) Enqueue(ctx context.Context, userID, heartRate, steps int64, calories float64) (string, error) {
	rec := metric.New(userID, heartRate, steps, calories, time.Now())
	return p.EnqueueRecord(ctx, rec)
}

// EnqueueRecord appends rec as given.
func (p *Producer) EnqueueRecord(ctx context.Context, rec metric.Record) (string, error) {
	tel := p.telemetry

	ctx, span := tel.Tracer.Start(
		ctx, p.stream+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingOperationTypeSend,
			semconv.MessagingDestinationName(p.stream),
		),
	)
	defer span.End()

	fields := metric.Encode(rec)
	tel.Propagator.Inject(ctx, streamsotel.FieldsCarrier(fields))

	start := time.Now()
	id, err := p.log.Append(ctx, p.stream, fields)

	status := streamsotel.StatusSuccess
	if err != nil {
		status = streamsotel.StatusError
	}
	tel.ProduceDuration.Record(
		ctx, time.Since(start).Seconds(), otelmetric.WithAttributes(
			semconv.MessagingDestinationName(p.stream),
			streamsotel.AttrProduceStatus.String(status),
		),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	tel.EntriesProduced.Add(ctx, 1, otelmetric.WithAttributes(semconv.MessagingDestinationName(p.stream)))
	span.SetAttributes(streamsotel.AttrEntryID.String(id))

	p.logger.Debug("Enqueued metric", "user_id", rec.UserID, "entry_id", id)
	return id, nil
}
