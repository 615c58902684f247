package main

import (
	"context"
	"fmt"
	"time"

	"github.com/hugolhafner/healthstream/config"
	"github.com/hugolhafner/healthstream/logger"
	streamsotel "github.com/hugolhafner/healthstream/otel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// initTelemetry exports traces and metrics over OTLP gRPC when an endpoint is
// configured, and falls back to noop instruments otherwise.
func initTelemetry(ctx context.Context, cfg config.Telemetry, l logger.Logger) (
	*streamsotel.Telemetry, func(context.Context), error,
) {
	if cfg.OTLPEndpoint == "" {
		return streamsotel.Noop(), func(context.Context) {}, nil
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(cfg.ServiceName),
	)

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	traceExporter, err := otlptracegrpc.New(
		dialCtx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("creating trace exporter: %w", err)
	}

	metricExporter, err := otlpmetricgrpc.New(
		dialCtx,
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("creating metric exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(
			traceExporter,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxExportBatchSize(512),
		),
		sdktrace.WithResource(res),
	)

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(res),
	)

	prop := propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(prop)

	tel, err := streamsotel.NewTelemetry(tp, mp, prop)
	if err != nil {
		return nil, nil, fmt.Errorf("creating instruments: %w", err)
	}

	teardown := func(ctx context.Context) {
		if err := tp.Shutdown(ctx); err != nil {
			l.Error("Failed to shut down tracer provider", "error", err)
		}
		if err := mp.Shutdown(ctx); err != nil {
			l.Error("Failed to shut down meter provider", "error", err)
		}
	}

	return tel, teardown, nil
}
