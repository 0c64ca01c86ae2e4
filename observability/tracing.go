package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// InitTracer initializes OpenTelemetry tracing with an OTLP exporter
// shipping spans to collectorEndpoint over gRPC.
//
// gRPC appears here only as the OTLP span-export transport, not as
// mKTL's application wire protocol — see DESIGN.md for why the daemon/
// registry/client request-response and publish protocols are raw
// multipart frames (§4.1) rather than RPC. serviceName should be one
// of "markd", "markguided", or a client process name so spans are
// attributable to a role.
func InitTracer(serviceName, collectorEndpoint string) (func(context.Context) error, error) {
	ctx := context.Background()

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(collectorEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceNamespace("mktl"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating trace resource: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

// StartSpan starts a span named spanName under the named tracer (e.g.
// "markd", "markguided"), returning the derived context and a function
// that ends the span. Callers defer the returned function.
func StartSpan(ctx context.Context, tracerName, spanName string) (context.Context, func()) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName)
	return ctx, func() { span.End() }
}
