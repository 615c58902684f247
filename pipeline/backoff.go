package pipeline

import (
	"math/rand/v2"
	"time"
)

// Backoff maps a 1 indexed attempt number to a delay.
// dskit's backoff implementations satisfy it.
type Backoff interface {
	Next(attempt uint) time.Duration
}

const (
	DefaultBackoffFloor = 2 * time.Second
	DefaultBackoffCap   = 10 * time.Second
)

var _ Backoff = (*JitteredBackoff)(nil)

// JitteredBackoff draws a uniform delay in [floor, 2^attempt s], clamped to cap.
// When 2^attempt s is below floor the floor is used.
type JitteredBackoff struct {
	floor time.Duration
	cap   time.Duration
	// draw returns a value in [0, n).
	draw func(n int64) int64
}

func NewJitteredBackoff(ceiling time.Duration) *JitteredBackoff {
	if ceiling <= 0 {
		ceiling = DefaultBackoffCap
	}

	return &JitteredBackoff{
		floor: DefaultBackoffFloor,
		cap:   ceiling,
		draw:  rand.Int64N,
	}
}

// Bounds returns the closed interval Next draws from for attempt.
func (b *JitteredBackoff) Bounds(attempt uint) (time.Duration, time.Duration) {
	lower := min(b.floor, b.cap)

	upper := b.cap
	// beyond 2^33 s every duration is capped anyway
	if attempt < 33 {
		exp := time.Duration(1<<attempt) * time.Second
		upper = min(b.cap, max(b.floor, exp))
	}

	return lower, upper
}

func (b *JitteredBackoff) Next(attempt uint) time.Duration {
	lower, upper := b.Bounds(attempt)
	if upper <= lower {
		return lower
	}

	return lower + time.Duration(b.draw(int64(upper-lower)+1))
}
