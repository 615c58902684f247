package stream

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

// ErrGroupMismatch is returned by backends bound to a single consumer group
// when asked to operate on another.
var ErrGroupMismatch = errors.New("stream: consumer group does not match client configuration")

// ConnectivityError marks a failure to reach the broker. The consumer loop backs
// off on these and treats everything else as unexpected.
type ConnectivityError struct {
	Op    string
	Cause error
}

func (e *ConnectivityError) Error() string {
	return "stream: " + e.Op + ": broker unreachable: " + e.Cause.Error()
}

func (e *ConnectivityError) Unwrap() error {
	return e.Cause
}

// NewConnectivityError wraps cause for operation op.
func NewConnectivityError(op string, cause error) error {
	return &ConnectivityError{Op: op, Cause: cause}
}

// IsConnectivity reports whether err is, or wraps, a ConnectivityError.
func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

// IsNetworkError reports whether err looks like a transport level failure.
// Backends use it to decide whether to wrap a client error in ConnectivityError.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	switch {
	case errors.As(err, &netErr):
		return true
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return true
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return true
	case errors.Is(err, net.ErrClosed):
		return true
	}

	return false
}
