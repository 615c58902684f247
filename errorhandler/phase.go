package errorhandler

import (
	"context"
)

// ErrorPhase indicates which step of entry processing failed.
type ErrorPhase int

const (
	PhaseUnknown ErrorPhase = iota
	PhaseSerde              // decoding the entry fields
	PhasePersist            // the store transaction
	PhaseAck                // acknowledging the entry after commit
)

func (p ErrorPhase) String() string {
	switch p {
	case PhaseSerde:
		return "serde"
	case PhasePersist:
		return "persist"
	case PhaseAck:
		return "ack"
	default:
		return "unknown"
	}
}

var _ Handler = (*PhaseRouter)(nil)

type PhaseRouter struct {
	handler        Handler
	serdeHandler   Handler
	persistHandler Handler
	ackHandler     Handler
}

// NewPhaseRouter dispatches on ErrorContext.Phase. Phases without a handler use
// handler, which defaults to SilentLeavePending.
func NewPhaseRouter(handler, serdeHandler, persistHandler, ackHandler Handler) *PhaseRouter {
	if handler == nil {
		handler = SilentLeavePending()
	}

	return &PhaseRouter{
		handler:        handler,
		serdeHandler:   serdeHandler,
		persistHandler: persistHandler,
		ackHandler:     ackHandler,
	}
}

func (r *PhaseRouter) Handle(ctx context.Context, ec ErrorContext) Action {
	var h Handler
	switch ec.Phase {
	case PhaseSerde:
		h = r.serdeHandler
	case PhasePersist:
		h = r.persistHandler
	case PhaseAck:
		h = r.ackHandler
	}

	if h == nil {
		h = r.handler
	}
	return h.Handle(ctx, ec)
}
