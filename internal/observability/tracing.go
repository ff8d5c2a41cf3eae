package observability

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// InitTracing initializes OpenTelemetry tracing with Jaeger exporter.
// Tracing is enabled only when OTEL_EXPORTER_JAEGER_ENDPOINT is set
// (e.g. http://localhost:14268/api/traces); otherwise a no-op shutdown is
// returned. The service name is the serviceName argument.
func InitTracing(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	endpoint := os.Getenv("OTEL_EXPORTER_JAEGER_ENDPOINT")
	if endpoint == "" {
		// no-op
		return func(ctx context.Context) error { return nil }, nil
	}
	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, err
	}
	tp := trace.NewTracerProvider(
		trace.WithBatcher(exp, trace.WithMaxExportBatchSize(512), trace.WithBatchTimeout(5*time.Second)),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Observer bundles logging, metrics, and tracing for a core crypto
// component, wired the way the teacher wires otel around transfer/session
// operations (InitTracing above). All fields are nil-safe: a nil *Observer,
// or an Observer with nil fields, degrades every Observed wrapper to plain
// passthrough behavior.
type Observer struct {
	Logger  *Logger
	Metrics *Metrics
	Tracer  oteltrace.Tracer
}

// NewObserver builds an Observer with a tracer registered under name,
// using otel's current global TracerProvider (the no-op provider until
// InitTracing is called).
func NewObserver(name string, logger *Logger, metrics *Metrics) *Observer {
	return &Observer{
		Logger:  logger,
		Metrics: metrics,
		Tracer:  otel.Tracer(name),
	}
}

// StartSpan starts a span named spanName if o and its Tracer are non-nil,
// returning the unmodified context and a no-op span otherwise.
func (o *Observer) StartSpan(ctx context.Context, spanName string) (context.Context, oteltrace.Span) {
	if o == nil || o.Tracer == nil {
		return ctx, oteltrace.SpanFromContext(ctx)
	}
	return o.Tracer.Start(ctx, spanName)
}
