// Package telemetry wires OpenTelemetry trace and metric providers.
package telemetry

import (
	"context"
	"errors"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Options configures Setup.
type Options struct {
	ServiceName string
	Version     string
	// Writer receives exported spans and metrics as JSON.
	Writer io.Writer
	// MetricInterval is the metric export period (default 30s).
	MetricInterval time.Duration
}

// Setup installs global trace and meter providers exporting to Writer.
// The returned shutdown function flushes pending telemetry and should be
// deferred by the caller.
func Setup(ctx context.Context, opts Options) (shutdown func(context.Context) error, err error) {
	if opts.ServiceName == "" {
		opts.ServiceName = "policyledger"
	}
	if opts.MetricInterval <= 0 {
		opts.MetricInterval = 30 * time.Second
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(opts.ServiceName),
		semconv.ServiceVersion(opts.Version),
	))
	if err != nil {
		// Schema URL conflicts with the default resource are not fatal.
		res = resource.Default()
	}

	traceOpts := []stdouttrace.Option{}
	metricOpts := []stdoutmetric.Option{}
	if opts.Writer != nil {
		traceOpts = append(traceOpts, stdouttrace.WithWriter(opts.Writer))
		metricOpts = append(metricOpts, stdoutmetric.WithWriter(opts.Writer))
	}

	traceExporter, err := stdouttrace.New(traceOpts...)
	if err != nil {
		return nil, err
	}
	metricExporter, err := stdoutmetric.New(metricOpts...)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(opts.MetricInterval))),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

// Noop returns a shutdown function for when telemetry is disabled.
func Noop() func(context.Context) error {
	return func(context.Context) error { return nil }
}
