// Package tracing installs an OpenTelemetry tracer provider and gives the
// session code a small span helper.
package tracing

import (
	"context"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/examgate/proctor-control-plane"

// Setup exports spans as JSON lines. output is "" (tracing off), "stdout"
// or a file path. The returned shutdown flushes pending spans.
func Setup(ctx context.Context, serviceName, output string) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if output == "" {
		return noop, nil
	}

	var (
		w        io.Writer = os.Stdout
		closeOut           = noop
	)
	if output != "stdout" {
		f, err := os.Create(output)
		if err != nil {
			return noop, err
		}
		w = f
		closeOut = func(context.Context) error { return f.Close() }
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return noop, err
	}
	tp, err := NewProvider(ctx, serviceName, sdktrace.NewBatchSpanProcessor(exporter))
	if err != nil {
		return noop, err
	}
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		err := tp.Shutdown(ctx)
		if cerr := closeOut(ctx); err == nil {
			err = cerr
		}
		return err
	}, nil
}

// NewProvider builds a provider tagged with the service name.
func NewProvider(ctx context.Context, serviceName string, sp sdktrace.SpanProcessor) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", serviceName),
	))
	if err != nil {
		return nil, err
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	), nil
}

// Start opens a span on the global provider. Without Setup it is a no-op.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records err on the span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
