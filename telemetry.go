package mqrpc

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/qvcloud/mqrpc"

type telemetry struct {
	system        string
	tracer        trace.Tracer
	faults        metric.Int64Counter
	reconnects    metric.Int64Counter
	fetchDuration metric.Float64Histogram
}

func newTelemetry(system string, opts *Options) *telemetry {
	t := &telemetry{system: system, tracer: opts.Tracer}
	if t.tracer == nil {
		t.tracer = otel.Tracer(instrumentationName)
	}

	meter := opts.Meter
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	fallback := noop.NewMeterProvider().Meter(instrumentationName)

	var err error
	if t.faults, err = meter.Int64Counter("mqrpc.faults",
		metric.WithDescription("Transport faults caught by the fault guard")); err != nil {
		t.faults, _ = fallback.Int64Counter("mqrpc.faults")
	}
	if t.reconnects, err = meter.Int64Counter("mqrpc.reconnects",
		metric.WithDescription("Sessions replaced after a fault")); err != nil {
		t.reconnects, _ = fallback.Int64Counter("mqrpc.reconnects")
	}
	if t.fetchDuration, err = meter.Float64Histogram("mqrpc.fetch.duration",
		metric.WithDescription("Round trip time of Fetch calls"),
		metric.WithUnit("s")); err != nil {
		t.fetchDuration, _ = fallback.Float64Histogram("mqrpc.fetch.duration")
	}
	return t
}

func (t *telemetry) start(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("messaging.system", t.system))
	return t.tracer.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

func (t *telemetry) fault(ctx context.Context, op string) {
	t.faults.Add(ctx, 1, metric.WithAttributes(
		attribute.String("messaging.system", t.system),
		attribute.String("messaging.operation", op),
	))
}

func (t *telemetry) reconnected(ctx context.Context) {
	t.reconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("messaging.system", t.system)))
}

func (t *telemetry) fetched(ctx context.Context, start time.Time, err error) {
	t.fetchDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("messaging.system", t.system),
		attribute.Bool("error", err != nil),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
