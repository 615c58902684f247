package errorhandler

import (
	"context"
	"time"

	"github.com/hugolhafner/dskit/backoff"
	"github.com/hugolhafner/healthstream/logger"
)

// SilentLeavePending leaves every failed entry pending without logging.
func SilentLeavePending() Handler {
	return HandlerFunc(
		func(context.Context, ErrorContext) Action {
			return ActionLeavePending{}
		},
	)
}

// LogAndLeavePending logs the failure and leaves the entry pending for redelivery.
func LogAndLeavePending(l logger.Logger) Handler {
	return HandlerFunc(
		func(ctx context.Context, ec ErrorContext) Action {
			l.Error("Failed to process entry, leaving pending", ec.logFields()...)
			return ActionLeavePending{}
		},
	)
}

// WithMaxAttempts retries the failed phase in-process after waiting b.Next(attempt).
// Once maxAttempts is reached the fallback decides.
func WithMaxAttempts(maxAttempts int, b backoff.Backoff, fallback Handler) Handler {
	return HandlerFunc(
		func(ctx context.Context, ec ErrorContext) Action {
			if ec.Attempt >= maxAttempts {
				return fallback.Handle(ctx, ec)
			}

			select {
			case <-ctx.Done():
				return ActionLeavePending{}
			case <-time.After(b.Next(uint(ec.Attempt))):
			}

			return ActionRetry{}
		},
	)
}

// WithMaxDeliveries hands entries delivered at least maxDeliveries times to
// exceeded and everything else to next.
func WithMaxDeliveries(maxDeliveries int, exceeded, next Handler) Handler {
	return HandlerFunc(
		func(ctx context.Context, ec ErrorContext) Action {
			if maxDeliveries > 0 && ec.Entry.Deliveries >= maxDeliveries {
				return exceeded.Handle(ctx, ec)
			}
			return next.Handle(ctx, ec)
		},
	)
}

// WithDeadLetter turns LeavePending decisions of inner into DeadLetter to streamName.
// Useful for: WithMaxDeliveries(5, WithDeadLetter("dlq", nil), LogAndLeavePending(l))
func WithDeadLetter(streamName string, inner Handler) Handler {
	return HandlerFunc(
		func(ctx context.Context, ec ErrorContext) Action {
			var action Action = ActionLeavePending{}
			if inner != nil {
				action = inner.Handle(ctx, ec)
			}

			if action.Type() == ActionTypeLeavePending {
				return ActionDeadLetter{stream: streamName}
			}

			return action
		},
	)
}

// ActionLogger logs the action decided by the next handler.
func ActionLogger(l logger.Logger, level logger.LogLevel, next Handler) Handler {
	return HandlerFunc(
		func(ctx context.Context, ec ErrorContext) Action {
			action := next.Handle(ctx, ec)

			l.Log(level, "Error handler decision", append([]any{"action", action.Type().String()}, ec.logFields()...)...)
			return action
		},
	)
}
