// Package errorhandler decides what happens to a log entry whose processing failed.
package errorhandler

import (
	"context"
)

type ActionType int

const (
	ActionTypeLeavePending ActionType = iota // Leave unacknowledged for redelivery, move on
	ActionTypeRetry                          // Run the failed phase again now
	ActionTypeDeadLetter                     // Copy to a dead-letter stream, then acknowledge
)

func (a ActionType) String() string {
	switch a {
	case ActionTypeLeavePending:
		return "LeavePending"
	case ActionTypeRetry:
		return "Retry"
	case ActionTypeDeadLetter:
		return "DeadLetter"
	default:
		return "Unknown"
	}
}

var _ Action = ActionLeavePending{}
var _ Action = ActionRetry{}
var _ Action = ActionDeadLetter{}

type Action interface {
	Type() ActionType
}

type ActionLeavePending struct{}

func (a ActionLeavePending) Type() ActionType {
	return ActionTypeLeavePending
}

type ActionRetry struct{}

func (a ActionRetry) Type() ActionType {
	return ActionTypeRetry
}

type ActionDeadLetter struct {
	stream string
}

func (a ActionDeadLetter) Type() ActionType {
	return ActionTypeDeadLetter
}

func (a ActionDeadLetter) Stream() string {
	return a.stream
}

type Handler interface {
	Handle(ctx context.Context, ec ErrorContext) Action
}

type HandlerFunc func(ctx context.Context, ec ErrorContext) Action

func (f HandlerFunc) Handle(ctx context.Context, ec ErrorContext) Action {
	return f(ctx, ec)
}
