package committer

import (
	"sync"
	"time"
)

var _ Committer = (*PeriodicCommitter)(nil)

type PeriodicCommitterConfig struct {
	MaxInterval time.Duration
	MaxCount    int
}

type PeriodicCommitterOption func(*PeriodicCommitterConfig)

func WithMaxInterval(d time.Duration) PeriodicCommitterOption {
	return func(cfg *PeriodicCommitterConfig) {
		cfg.MaxInterval = d
	}
}

func WithMaxCount(c int) PeriodicCommitterOption {
	return func(cfg *PeriodicCommitterConfig) {
		cfg.MaxCount = c
	}
}

// PeriodicCommitter signals once MaxCount acks are outstanding, or once acks
// have been outstanding for MaxInterval even if no further ones arrive.
type PeriodicCommitter struct {
	c PeriodicCommitterConfig

	mu         sync.Mutex
	count      int
	lastCommit time.Time

	channel   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewPeriodicCommitter(opts ...PeriodicCommitterOption) *PeriodicCommitter {
	cfg := PeriodicCommitterConfig{
		MaxInterval: time.Second,
		MaxCount:    100,
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	p := &PeriodicCommitter{
		c:          cfg,
		lastCommit: time.Now(),
		channel:    make(chan struct{}, 1),
		done:       make(chan struct{}),
	}

	if cfg.MaxInterval > 0 {
		go p.tick()
	}

	return p
}

func (p *PeriodicCommitter) tick() {
	ticker := time.NewTicker(p.c.MaxInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.RecordAcked(0)
		}
	}
}

func (p *PeriodicCommitter) RecordAcked(count int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.count += count
	if p.count == 0 {
		return
	}

	dueByCount := p.c.MaxCount > 0 && p.count >= p.c.MaxCount
	dueByTime := p.c.MaxInterval > 0 && time.Since(p.lastCommit) >= p.c.MaxInterval
	if !dueByCount && !dueByTime {
		return
	}

	select {
	case <-p.done:
		return
	default:
	}

	select {
	case p.channel <- struct{}{}:
	default:
	}

	p.count = 0
	p.lastCommit = time.Now()
}

func (p *PeriodicCommitter) C() <-chan struct{} {
	return p.channel
}

// Close stops the interval ticker. Pending signals are dropped.
func (p *PeriodicCommitter) Close() {
	p.closeOnce.Do(
		func() {
			close(p.done)
		},
	)
}
