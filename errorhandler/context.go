package errorhandler

import (
	"github.com/hugolhafner/healthstream/stream"
)

// ErrorContext carries what a handler needs to decide on a failed entry.
type ErrorContext struct {
	// Stream and Group identify where the entry was read from.
	Stream string
	Group  string

	Entry stream.Entry

	Error error

	// Attempt is the in-process attempt number for the current phase, 1 indexed.
	// Entry.Deliveries counts deliveries across polls instead.
	Attempt int

	Phase ErrorPhase
}

func NewErrorContext(entry stream.Entry, err error) ErrorContext {
	return ErrorContext{
		Entry:   entry.Copy(),
		Error:   err,
		Attempt: 1,
	}
}

func (ec ErrorContext) WithSource(streamName, group string) ErrorContext {
	ec.Stream = streamName
	ec.Group = group
	return ec
}

func (ec ErrorContext) WithError(err error) ErrorContext {
	ec.Error = err
	return ec
}

func (ec ErrorContext) WithAttempt(attempt int) ErrorContext {
	ec.Attempt = attempt
	return ec
}

func (ec ErrorContext) WithPhase(phase ErrorPhase) ErrorContext {
	ec.Phase = phase
	return ec
}

func (ec ErrorContext) IncrementAttempt() ErrorContext {
	ec.Attempt++
	return ec
}

func (ec ErrorContext) logFields() []any {
	return []any{
		"error", ec.Error,
		"entry_id", ec.Entry.ID,
		"stream", ec.Stream,
		"group", ec.Group,
		"phase", ec.Phase.String(),
		"attempt", ec.Attempt,
		"deliveries", ec.Entry.Deliveries,
	}
}
