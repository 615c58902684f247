//go:build unit

package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestFieldsCarrier_GetSet(t *testing.T) {
	fields := map[string]string{"user_id": "7"}
	carrier := FieldsCarrier(fields)

	carrier.Set("traceparent", "00-abc-def-01")

	assert.Equal(t, "00-abc-def-01", fields["traceparent"])
	assert.Equal(t, "7", carrier.Get("user_id"))
	assert.Equal(t, "", carrier.Get("missing"))
	assert.ElementsMatch(t, []string{"user_id", "traceparent"}, carrier.Keys())
}

func TestFieldsCarrier_RoundTripsTraceContext(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "produce")
	defer span.End()

	prop := propagation.TraceContext{}
	fields := map[string]string{}
	prop.Inject(ctx, FieldsCarrier(fields))
	require.Contains(t, fields, "traceparent")

	extracted := trace.SpanContextFromContext(prop.Extract(context.Background(), FieldsCarrier(fields)))
	require.Equal(t, span.SpanContext().TraceID(), extracted.TraceID())
	require.True(t, extracted.IsRemote())
}
