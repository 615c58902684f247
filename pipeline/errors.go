package pipeline

import (
	"errors"

	"github.com/hugolhafner/healthstream/errorhandler"
)

// PhaseError records which processing phase of an entry failed.
type PhaseError struct {
	Phase   errorhandler.ErrorPhase
	EntryID string
	Cause   error
}

func (e *PhaseError) Error() string {
	return e.Phase.String() + " entry " + e.EntryID + ": " + e.Cause.Error()
}

func (e *PhaseError) Unwrap() error {
	return e.Cause
}

func NewSerdeError(entryID string, cause error) error {
	return &PhaseError{Phase: errorhandler.PhaseSerde, EntryID: entryID, Cause: cause}
}

func NewPersistError(entryID string, cause error) error {
	return &PhaseError{Phase: errorhandler.PhasePersist, EntryID: entryID, Cause: cause}
}

func NewAckError(entryID string, cause error) error {
	return &PhaseError{Phase: errorhandler.PhaseAck, EntryID: entryID, Cause: cause}
}

func AsPhaseError(err error) (*PhaseError, bool) {
	var pe *PhaseError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// PhaseOf returns the phase recorded in err, or PhaseUnknown.
func PhaseOf(err error) errorhandler.ErrorPhase {
	if pe, ok := AsPhaseError(err); ok {
		return pe.Phase
	}
	return errorhandler.PhaseUnknown
}
