package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/hugolhafner/healthstream/errorhandler"
	"github.com/hugolhafner/healthstream/logger"
	"github.com/hugolhafner/healthstream/metric"
	streamsotel "github.com/hugolhafner/healthstream/otel"
	"github.com/hugolhafner/healthstream/store"
	"github.com/hugolhafner/healthstream/stream"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// Consumer drains the log into the store: poll a batch, then decode, persist
// and acknowledge each entry in delivery order. Entries that fail stay pending
// in the log and are redelivered later.
type Consumer struct {
	log   stream.Log
	store store.Store
	coord *Coordinator

	config       ConsumerConfig
	errorHandler errorhandler.Handler

	logger    logger.Logger
	telemetry *streamsotel.Telemetry
}

func NewConsumer(log stream.Log, st store.Store, coord *Coordinator, opts ...ConsumerOption) *Consumer {
	config := defaultConsumerConfig()
	for _, opt := range opts {
		opt.applyConsumer(&config)
	}

	l := config.Logger.With(
		"component", "consumer",
		"stream", coord.Stream(),
		"group", coord.Group(),
		"consumer", coord.ConsumerName(),
	)

	fallback := config.ErrorHandler
	if fallback == nil {
		fallback = errorhandler.LogAndLeavePending(l)
	}

	return &Consumer{
		log:   log,
		store: st,
		coord: coord,
		errorHandler: errorhandler.NewPhaseRouter(
			fallback, config.SerdeErrorHandler, config.PersistErrorHandler, config.AckErrorHandler,
		),
		config:    config,
		logger:    l,
		telemetry: config.Telemetry,
	}
}

// Run polls until ctx is done. Failed iterations are logged and delayed, never
// returned; Run only returns nil once the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.telemetry.ConsumersRunning.Add(ctx, 1)
	defer c.telemetry.ConsumersRunning.Add(context.WithoutCancel(ctx), -1)

	c.logger.Info("Consumer started", "batch_size", c.config.BatchSize, "block", c.config.Block)

	var connAttempts, errAttempts uint
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Consumer stopped")
			return nil
		default:
		}

		n, err := c.iterate(ctx)
		switch {
		case err == nil:
			connAttempts = 0
			errAttempts = 0
			if n == 0 {
				sleep(ctx, c.config.IdlePause)
			}

		case ctx.Err() != nil:
			// cancelled mid poll; the loop head returns

		case stream.IsConnectivity(err):
			connAttempts++
			delay := c.config.ConnectivityBackoff.Next(connAttempts)
			c.logger.Error(
				"Broker unreachable, backing off",
				"attempt", connAttempts, "delay", delay, "error", err,
			)
			c.telemetry.PollBackoffs.Add(
				ctx, 1, otelmetric.WithAttributes(semconv.MessagingDestinationName(c.coord.Stream())),
			)
			sleep(ctx, delay)

		default:
			delay := c.config.ErrorBackoff.Next(errAttempts)
			c.logger.Error("Unexpected error in consumer loop", "error", err, "delay", delay)
			sleep(ctx, delay)
			errAttempts++
		}
	}
}

// iterate runs one poll and processes the batch. Panics are returned as errors.
func (c *Consumer) iterate(ctx context.Context) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Recovered panic in consumer loop", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic in consumer iteration: %v", r)
		}
	}()

	entries, err := c.poll(ctx)
	if err != nil {
		return 0, err
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			// remaining entries stay pending
			break
		}
		c.process(ctx, entry)
	}

	return len(entries), nil
}

func (c *Consumer) poll(ctx context.Context) ([]stream.Entry, error) {
	tel := c.telemetry
	pollStart := time.Now()

	ctx, receiveSpan := tel.Tracer.Start(
		ctx, "receive",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingOperationTypeReceive,
			semconv.MessagingDestinationName(c.coord.Stream()),
			semconv.MessagingConsumerGroupName(c.coord.Group()),
		),
	)
	defer receiveSpan.End()

	entries, err := c.log.ReadGroup(
		ctx, stream.ReadGroupArgs{
			Stream:   c.coord.Stream(),
			Group:    c.coord.Group(),
			Consumer: c.coord.ConsumerName(),
			Count:    c.config.BatchSize,
			Block:    c.config.Block,
		},
	)

	status := streamsotel.StatusSuccess
	switch {
	case err != nil && stream.IsConnectivity(err):
		status = streamsotel.StatusUnavailable
	case err != nil:
		status = streamsotel.StatusError
	case len(entries) == 0:
		status = streamsotel.StatusEmpty
	}
	tel.PollDuration.Record(
		ctx, time.Since(pollStart).Seconds(), otelmetric.WithAttributes(
			streamsotel.AttrPollStatus.String(status),
		),
	)

	if err != nil {
		receiveSpan.RecordError(err)
		return nil, fmt.Errorf("read group: %w", err)
	}

	receiveSpan.SetAttributes(semconv.MessagingBatchMessageCount(len(entries)))
	if len(entries) > 0 {
		c.logger.Debug("Polled entries", "count", len(entries))
	}

	return entries, nil
}

// entryState remembers completed phases so a retry resumes at the failed one.
type entryState struct {
	record    *metric.Record
	committed bool
}

// process handles one entry including error handler decisions. It never returns
// an error: whatever is not acknowledged stays pending in the log.
func (c *Consumer) process(ctx context.Context, entry stream.Entry) {
	tel := c.telemetry

	ctx = tel.Propagator.Extract(ctx, streamsotel.FieldsCarrier(entry.Fields))
	ctx, span := tel.Tracer.Start(
		ctx, c.coord.Stream()+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingOperationTypeProcess,
			semconv.MessagingDestinationName(c.coord.Stream()),
			semconv.MessagingConsumerGroupName(c.coord.Group()),
			streamsotel.AttrEntryID.String(entry.ID),
			attribute.Int("healthstream.entry.deliveries", entry.Deliveries),
		),
	)
	defer span.End()

	tel.EntriesConsumed.Add(ctx, 1, otelmetric.WithAttributes(semconv.MessagingDestinationName(c.coord.Stream())))

	ec := errorhandler.NewErrorContext(entry, nil).WithSource(c.coord.Stream(), c.coord.Group())
	state := &entryState{}

	for {
		select {
		case <-ctx.Done():
			c.logger.Warn("Context cancelled while processing entry", "entry_id", entry.ID, "error", ctx.Err())
			span.SetStatus(codes.Error, ctx.Err().Error())
			return
		default:
		}

		err := c.handle(ctx, entry, state)
		if err == nil {
			return
		}

		ec = ec.WithError(err).WithPhase(PhaseOf(err))

		span.RecordError(err)
		tel.Errors.Add(
			ctx, 1, otelmetric.WithAttributes(
				semconv.MessagingDestinationName(c.coord.Stream()),
				streamsotel.AttrErrorPhase.String(ec.Phase.String()),
			),
		)

		action := c.errorHandler.Handle(ctx, ec)

		tel.ErrorHandlerActions.Add(
			ctx, 1, otelmetric.WithAttributes(
				streamsotel.AttrErrorAction.String(action.Type().String()),
				streamsotel.AttrErrorPhase.String(ec.Phase.String()),
			),
		)

		switch action.Type() {
		case errorhandler.ActionTypeRetry:
			c.logger.Debug("Retrying entry", "entry_id", entry.ID, "phase", ec.Phase.String(), "attempt", ec.Attempt)
			ec = ec.IncrementAttempt()

			if ec.Attempt%10 == 0 {
				c.logger.Warn(
					"Entry seen high number of retry attempts, "+
						"consider bounding retries or dead-lettering.",
					"entry_id", entry.ID, "attempt", ec.Attempt, "phase", ec.Phase.String(),
				)
			}
			continue

		case errorhandler.ActionTypeDeadLetter:
			a, ok := action.(errorhandler.ActionDeadLetter)
			if !ok {
				c.logger.Error("Invalid action type, expected ActionDeadLetter", "action", action.Type().String())
				span.SetStatus(codes.Error, "invalid action type")
				return
			}

			if err := c.deadLetter(ctx, entry, ec, a.Stream()); err != nil {
				c.logger.Error(
					"Failed to dead-letter entry, leaving pending",
					"error", err, "entry_id", entry.ID, "dead_letter_stream", a.Stream(),
				)
				span.SetStatus(codes.Error, err.Error())
				return
			}

			c.logger.Warn("Entry dead-lettered", "entry_id", entry.ID, "dead_letter_stream", a.Stream())
			span.SetAttributes(streamsotel.AttrPersistStatus.String(streamsotel.StatusDeadLettered))
			return

		case errorhandler.ActionTypeLeavePending:
			c.logger.Debug("Leaving entry pending", "entry_id", entry.ID, "phase", ec.Phase.String())
			span.SetStatus(codes.Error, err.Error())
			return

		default:
			c.logger.Error(
				"Unknown error handler action, leaving entry pending",
				"action", action.Type().String(), "entry_id", entry.ID, "error", err,
			)
			span.SetStatus(codes.Error, err.Error())
			return
		}
	}
}

// handle decodes, persists and acknowledges entry, skipping phases recorded in state.
func (c *Consumer) handle(ctx context.Context, entry stream.Entry, state *entryState) error {
	if state.record == nil {
		rec, err := metric.Decode(entry.Fields)
		if err != nil {
			return NewSerdeError(entry.ID, err)
		}
		state.record = &rec
	}

	if !state.committed {
		if err := c.persist(ctx, entry.ID, *state.record); err != nil {
			return NewPersistError(entry.ID, err)
		}
		state.committed = true
	}

	// acknowledge only after the transaction committed
	if err := c.log.Ack(ctx, c.coord.Stream(), c.coord.Group(), entry.ID); err != nil {
		return NewAckError(entry.ID, err)
	}

	c.telemetry.EntriesAcked.Add(ctx, 1, otelmetric.WithAttributes(semconv.MessagingDestinationName(c.coord.Stream())))
	return nil
}

func (c *Consumer) persist(ctx context.Context, entryID string, rec metric.Record) error {
	start := time.Now()
	duplicate := false

	err := c.store.WithTx(
		ctx, func(tx store.Tx) error {
			_, err := tx.Insert(ctx, rec, entryID)
			if errors.Is(err, store.ErrDuplicate) {
				duplicate = true
				return nil
			}
			return err
		},
	)

	status := streamsotel.StatusSuccess
	switch {
	case err != nil:
		status = streamsotel.StatusError
	case duplicate:
		status = streamsotel.StatusDuplicate
	}
	c.telemetry.PersistDuration.Record(
		ctx, time.Since(start).Seconds(), otelmetric.WithAttributes(
			streamsotel.AttrPersistStatus.String(status),
		),
	)

	if err != nil {
		return err
	}

	if duplicate {
		c.logger.Info("Entry already persisted, skipping insert", "entry_id", entryID, "user_id", rec.UserID)
		return nil
	}

	c.logger.Info("Persisted metric", "entry_id", entryID, "user_id", rec.UserID)
	return nil
}

// deadLetter appends the raw entry with error metadata to streamName, then
// acknowledges the original.
func (c *Consumer) deadLetter(ctx context.Context, entry stream.Entry, ec errorhandler.ErrorContext, streamName string) error {
	fields := make(map[string]string, len(entry.Fields)+7)
	for k, v := range entry.Fields {
		fields[k] = v
	}

	fields["x-original-stream"] = c.coord.Stream()
	fields["x-original-id"] = entry.ID
	fields["x-error-timestamp"] = time.Now().UTC().Format(time.RFC3339)
	fields["x-error-attempt"] = strconv.Itoa(ec.Attempt)
	fields["x-error-deliveries"] = strconv.Itoa(entry.Deliveries)
	fields["x-error-phase"] = ec.Phase.String()
	if ec.Error != nil {
		fields["x-error-message"] = ec.Error.Error()
	}

	if _, err := c.log.Append(ctx, streamName, fields); err != nil {
		return fmt.Errorf("append to dead-letter stream: %w", err)
	}

	if err := c.log.Ack(ctx, c.coord.Stream(), c.coord.Group(), entry.ID); err != nil {
		return fmt.Errorf("ack dead-lettered entry: %w", err)
	}

	return nil
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
