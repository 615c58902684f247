// Package healthstream wires the ingestion pipeline together: it owns the
// consumer goroutine and reports on the state of the stream.
package healthstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hugolhafner/healthstream/logger"
	"github.com/hugolhafner/healthstream/pipeline"
	"github.com/hugolhafner/healthstream/store"
	"github.com/hugolhafner/healthstream/stream"
)

const Version = "v0.1.0" // x-release-please-version

var (
	ErrAlreadyRunning  = errors.New("application is already running")
	ErrClosed          = errors.New("application is closed")
	ErrShutdownTimeout = errors.New("consumer did not stop before the shutdown timeout")
)

// PendingCount is the number of delivered but unacknowledged entries, or
// unavailable when the log could not report it.
type PendingCount struct {
	Available bool
	Count     int64
}

func (p PendingCount) MarshalJSON() ([]byte, error) {
	if !p.Available {
		return json.Marshal("unavailable")
	}
	return json.Marshal(p.Count)
}

type Status struct {
	Running      bool         `json:"stream_running"`
	StreamLength int64        `json:"messages_in_stream"`
	Pending      PendingCount `json:"pending_messages"`
}

type Application struct {
	config Config

	log    stream.Log
	store  store.Store
	logger logger.Logger

	producer *pipeline.Producer

	mu        sync.Mutex
	running   bool
	started   bool
	cancel    context.CancelFunc
	done      chan struct{}
	coord     *pipeline.Coordinator
	closeOnce sync.Once
	closedCh  chan struct{}
}

func NewApplication(log stream.Log, st store.Store, opts ...ConfigOption) *Application {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}

	return NewApplicationWithConfig(log, st, config)
}

func NewApplicationWithConfig(log stream.Log, st store.Store, config Config) *Application {
	l := config.Logger.With("component", "application", "stream", config.Stream, "group", config.Group)

	return &Application{
		config: config,
		log:    log,
		store:  st,
		logger: l,
		producer: pipeline.NewProducer(
			log, config.Stream,
			pipeline.WithLogger(config.Logger),
			pipeline.WithTelemetry(config.Telemetry),
		),
		done:     make(chan struct{}),
		closedCh: make(chan struct{}),
	}
}

// Producer appends to the application's stream.
func (a *Application) Producer() *pipeline.Producer {
	return a.producer
}

// Start ensures the consumer group exists and launches the consumer goroutine.
// Group errors are returned and leave the application startable again.
func (a *Application) Start(ctx context.Context) error {
	if err := a.startRunning(); err != nil {
		return err
	}

	coord, err := pipeline.NewCoordinator(
		ctx, a.log, a.config.Stream, a.config.Group,
		pipeline.WithLogger(a.config.Logger),
		pipeline.WithTelemetry(a.config.Telemetry),
		pipeline.WithConsumerName(a.config.ConsumerName),
		pipeline.WithStart(a.config.Start),
	)
	if err != nil {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
		return fmt.Errorf("failed to start consumer: %w", err)
	}

	opts := append(
		[]pipeline.ConsumerOption{
			pipeline.WithLogger(a.config.Logger),
			pipeline.WithTelemetry(a.config.Telemetry),
		}, a.config.ConsumerOptions...,
	)
	consumer := pipeline.NewConsumer(a.log, a.store, coord, opts...)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	a.mu.Lock()
	select {
	case <-a.closedCh:
		// Shutdown ran while the group was being ensured
		a.running = false
		a.mu.Unlock()
		cancel()
		return ErrClosed
	default:
	}
	a.coord = coord
	a.cancel = cancel
	a.started = true
	a.mu.Unlock()

	go func() {
		defer close(a.done)
		defer func() {
			a.mu.Lock()
			a.running = false
			a.mu.Unlock()
		}()

		if err := consumer.Run(runCtx); err != nil {
			a.logger.Error("Consumer exited with error", "error", err)
		}
	}()

	a.logger.Info("Application started", "consumer", coord.ConsumerName())
	return nil
}

// Shutdown stops the consumer and waits up to timeout for it to exit. A
// non-positive timeout uses the configured default. Calling it again is safe.
func (a *Application) Shutdown(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = a.config.ShutdownTimeout
	}

	a.closeOnce.Do(
		func() {
			a.mu.Lock()
			defer a.mu.Unlock()

			if a.cancel != nil {
				a.cancel()
			}
			close(a.closedCh)
		},
	)

	a.mu.Lock()
	started := a.started
	a.mu.Unlock()
	if !started {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-a.done:
		a.logger.Info("Application stopped")
		return nil
	case <-timer.C:
		a.logger.Warn("Consumer did not stop in time", "timeout", timeout)
		return ErrShutdownTimeout
	}
}

// IsRunning reports whether the consumer goroutine is active.
func (a *Application) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// ConsumerName is empty until Start succeeded.
func (a *Application) ConsumerName() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.coord == nil {
		return ""
	}
	return a.coord.ConsumerName()
}

// Status reports the stream length and pending count. A pending count failure is
// reported as unavailable; a length failure is returned alongside Running.
func (a *Application) Status(ctx context.Context) (Status, error) {
	status := Status{Running: a.IsRunning()}

	length, err := a.log.Length(ctx, a.config.Stream)
	if err != nil {
		return status, fmt.Errorf("read stream length: %w", err)
	}
	status.StreamLength = length

	pending, err := a.log.PendingCount(ctx, a.config.Stream, a.config.Group)
	if err != nil {
		a.logger.Warn("Failed to read pending count", "error", err)
		return status, nil
	}
	status.Pending = PendingCount{Available: true, Count: pending}

	return status, nil
}

func (a *Application) startRunning() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	select {
	case <-a.closedCh:
		return ErrClosed
	default:
	}

	if a.running || a.started {
		return ErrAlreadyRunning
	}

	a.running = true
	return nil
}
