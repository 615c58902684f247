package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	dsbackoff "github.com/hugolhafner/dskit/backoff"
	"github.com/hugolhafner/healthstream"
	"github.com/hugolhafner/healthstream/api"
	"github.com/hugolhafner/healthstream/config"
	"github.com/hugolhafner/healthstream/errorhandler"
	"github.com/hugolhafner/healthstream/logger"
	streamsotel "github.com/hugolhafner/healthstream/otel"
	"github.com/hugolhafner/healthstream/pipeline"
	"github.com/hugolhafner/healthstream/plugins/zaplogger"
	"github.com/hugolhafner/healthstream/store"
	memstore "github.com/hugolhafner/healthstream/store/memory"
	"github.com/hugolhafner/healthstream/store/postgres"
	"github.com/hugolhafner/healthstream/stream"
	kgostream "github.com/hugolhafner/healthstream/stream/kgo"
	mockstream "github.com/hugolhafner/healthstream/stream/mock"
	redisstream "github.com/hugolhafner/healthstream/stream/redis"
	"github.com/spf13/pflag"
	"go.uber.org/automaxprocs/maxprocs"
)

var build = "develop"

func main() {
	_, _ = maxprocs.Set()

	fs := pflag.NewFlagSet("healthstream", pflag.ExitOnError)
	config.RegisterFlags(fs)
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	zl, l, err := zaplogger.Build(level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "building logger: %v\n", err)
		os.Exit(1)
	}
	l = l.With("service", cfg.Telemetry.ServiceName, "build", build)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err = run(ctx, cfg, l)
	stop()

	if err != nil {
		l.Error("Service exited with error", "error", err)
		_ = zl.Sync()
		os.Exit(1)
	}
	_ = zl.Sync()
}

func run(ctx context.Context, cfg *config.Config, l logger.Logger) error {
	l.Info("Starting", "GOMAXPROCS", runtime.GOMAXPROCS(0), "stream_driver", cfg.Stream.Driver, "store_driver", cfg.Store.Driver)

	// -------------------------------------------------------------------------
	// Telemetry

	tel, teardown, err := initTelemetry(ctx, cfg.Telemetry, l)
	if err != nil {
		return fmt.Errorf("starting telemetry: %w", err)
	}
	defer teardown(context.WithoutCancel(ctx))

	// -------------------------------------------------------------------------
	// Store

	st, err := openStore(ctx, cfg, l, tel)
	if err != nil {
		return err
	}
	defer st.Close()

	// -------------------------------------------------------------------------
	// Append log

	log, err := openLog(ctx, cfg, l)
	if err != nil {
		return err
	}
	defer func() {
		if err := log.Close(); err != nil {
			l.Warn("Failed to close log", "error", err)
		}
	}()

	// -------------------------------------------------------------------------
	// Pipeline

	app := healthstream.NewApplication(
		log, st,
		healthstream.WithLogger(l),
		healthstream.WithTelemetry(tel),
		healthstream.WithStream(cfg.Stream.Name),
		healthstream.WithGroup(cfg.Stream.Group),
		healthstream.WithConsumerName(cfg.Stream.Consumer),
		healthstream.WithStart(cfg.Stream.Start),
		healthstream.WithShutdownTimeout(cfg.ShutdownTimeout),
		healthstream.WithConsumerOptions(consumerOptions(cfg.Stream, l)...),
	)

	if err := app.Start(ctx); err != nil {
		return err
	}

	// -------------------------------------------------------------------------
	// HTTP

	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: api.NewServer(
			app.Producer(), app, st,
			api.WithLogger(l),
			api.WithBuild(build),
			api.WithReadinessCheck("stream", log),
		),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		l.Info("HTTP server started", "addr", srv.Addr)
		serverErrors <- srv.ListenAndServe()
	}()

	// -------------------------------------------------------------------------
	// Shutdown

	var runErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		l.Info("Shutdown started")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Error("Failed to stop HTTP server gracefully", "error", err)
	}

	if err := app.Shutdown(cfg.ShutdownTimeout); err != nil {
		l.Warn("Pipeline shutdown incomplete", "error", err)
	}

	l.Info("Shutdown complete")
	return runErr
}

func consumerOptions(cfg config.Stream, l logger.Logger) []pipeline.ConsumerOption {
	opts := []pipeline.ConsumerOption{
		pipeline.WithBatchSize(cfg.BatchSize),
		pipeline.WithBlock(cfg.Block),
		pipeline.WithIdlePause(cfg.IdlePause),
		pipeline.WithErrorBackoff(dsbackoff.NewFixed(cfg.ErrorPause)),
		pipeline.WithConnectivityBackoff(pipeline.NewJitteredBackoff(cfg.BackoffCap)),
	}

	if cfg.DeadLetter == "" {
		return opts
	}

	leave := errorhandler.LogAndLeavePending(l)
	deadLetter := errorhandler.ActionLogger(
		l, logger.WarnLevel, errorhandler.WithDeadLetter(cfg.DeadLetter, leave),
	)

	// malformed entries never decode on a later delivery
	opts = append(opts, pipeline.WithSerdeErrorHandler(deadLetter))

	if cfg.MaxDeliveries > 0 {
		opts = append(
			opts, pipeline.WithErrorHandler(errorhandler.WithMaxDeliveries(cfg.MaxDeliveries, deadLetter, leave)),
		)
	}

	return opts
}

func openStore(ctx context.Context, cfg *config.Config, l logger.Logger, tel *streamsotel.Telemetry) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.StoreMemory:
		var opts []memstore.Option
		if cfg.Postgres.Dedupe {
			opts = append(opts, memstore.WithDedupe())
		}
		return memstore.New(opts...), nil

	default:
		st, err := postgres.Open(
			ctx, cfg.Postgres.DSN,
			postgres.WithMaxConns(cfg.Postgres.MaxConns),
			postgres.WithDedupe(cfg.Postgres.Dedupe),
			postgres.WithTracer(tel.Tracer),
			postgres.WithLogger(l),
		)
		if err != nil {
			return nil, err
		}

		if err := connectWithRetry(ctx, l, "postgres", st.Ping); err != nil {
			st.Close()
			return nil, err
		}

		if cfg.Postgres.Migrate {
			if err := postgres.Migrate(st.Pool()); err != nil {
				st.Close()
				return nil, fmt.Errorf("migrating postgres: %w", err)
			}
			l.Info("Postgres migrations applied")
		}

		return st, nil
	}
}

func openLog(ctx context.Context, cfg *config.Config, l logger.Logger) (stream.Log, error) {
	var log stream.Log

	switch cfg.Stream.Driver {
	case config.DriverMemory:
		return mockstream.NewLog(mockstream.WithReclaimAfter(cfg.Stream.ReclaimAfter)), nil

	case config.DriverKafka:
		client, err := kgostream.NewClient(
			kgostream.WithBootstrapServers(cfg.Kafka.Brokers),
			kgostream.WithGroupID(cfg.Stream.Group),
			kgostream.WithPartitions(cfg.Kafka.Partitions),
			kgostream.WithReclaimAfter(cfg.Stream.ReclaimAfter),
			kgostream.WithLogger(l),
		)
		if err != nil {
			return nil, fmt.Errorf("creating kafka client: %w", err)
		}
		log = client

	default:
		redisstream.InstallLogger(l)
		log = redisstream.NewClient(
			redisstream.WithAddr(cfg.Redis.Addr),
			redisstream.WithDB(cfg.Redis.DB),
			redisstream.WithPassword(cfg.Redis.Password),
			redisstream.WithReclaimAfter(cfg.Stream.ReclaimAfter),
			redisstream.WithLogger(l),
		)
	}

	if err := connectWithRetry(ctx, l, cfg.Stream.Driver, log.Ping); err != nil {
		_ = log.Close()
		return nil, err
	}

	return log, nil
}

// connectWithRetry pings a dependency with exponential backoff for up to two minutes.
func connectWithRetry(ctx context.Context, l logger.Logger, name string, ping func(context.Context) error) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = time.Second
	expBackoff.MaxElapsedTime = 2 * time.Minute

	operation := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return ping(pingCtx)
	}

	notify := func(err error, d time.Duration) {
		l.Warn("Dependency not reachable, retrying", "dependency", name, "error", err, "delay", d)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(expBackoff, ctx), notify); err != nil {
		return fmt.Errorf("failed to connect to %s after retries: %w", name, err)
	}

	l.Info("Connected", "dependency", name)
	return nil
}
