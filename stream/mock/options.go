package mockstream

import (
	"time"
)

// Option is a functional option for configuring a mock Log.
type Option func(*Log)

// WithReclaimAfter sets how long an entry must stay pending before ReadGroup
// redelivers it. Default is 0, so unacknowledged entries are redelivered on
// the next read.
func WithReclaimAfter(d time.Duration) Option {
	return func(l *Log) {
		if d >= 0 {
			l.reclaimAfter = d
		}
	}
}

// WithClock replaces the clock used for pending idle times.
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

// WithAppendError configures an error to be returned by all Append calls.
func WithAppendError(err error) Option {
	return func(l *Log) {
		l.appendErr = func(string, map[string]string) error { return err }
	}
}

// WithReadError configures an error to be returned by all ReadGroup calls.
func WithReadError(err error) Option {
	return func(l *Log) {
		l.readErr = func() error { return err }
	}
}

// WithPingError configures an error to be returned by Ping.
func WithPingError(err error) Option {
	return func(l *Log) {
		l.pingErr = err
	}
}
