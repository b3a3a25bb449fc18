// Package observability provides OpenTelemetry tracing and metrics for
// the ingestion pipeline.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the telemetry provider.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	SampleRate     float64
}

// TelemetryProvider provides observability features
type TelemetryProvider struct {
	config        Config
	tracer        trace.Tracer
	meter         metric.Meter
	traceProvider *sdktrace.TracerProvider

	// Metrics
	notificationsIngested metric.Int64Counter
	notificationsRejected metric.Int64Counter
	pipelineDuration      metric.Float64Histogram
	activeConnections     metric.Int64UpDownCounter
}

// NewTelemetryProvider creates a new telemetry provider. With Enabled
// false it returns a working provider backed by no-op instruments.
func NewTelemetryProvider(cfg Config) (*TelemetryProvider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "ingesthub"
	}

	tp := &TelemetryProvider{config: cfg}

	if !cfg.Enabled {
		tp.tracer = otel.Tracer("ingesthub")
		tp.meter = otel.Meter("ingesthub")
		return tp, nil
	}

	if err := tp.initTracing(); err != nil {
		return nil, fmt.Errorf("init tracing: %v", err)
	}
	if err := tp.initMetrics(); err != nil {
		return nil, fmt.Errorf("init metrics: %v", err)
	}
	return tp, nil
}

// initTracing initializes OpenTelemetry tracing
func (tp *TelemetryProvider) initTracing() error {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(tp.config.ServiceName),
			semconv.ServiceVersion(tp.config.ServiceVersion),
			semconv.DeploymentEnvironment(tp.config.Environment),
		),
	)
	if err != nil {
		return fmt.Errorf("create resource: %v", err)
	}

	exporter, err := otlptrace.New(context.Background(),
		otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(tp.config.OTLPEndpoint),
		),
	)
	if err != nil {
		return fmt.Errorf("create exporter: %v", err)
	}

	tp.traceProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(tp.config.SampleRate)),
	)

	otel.SetTracerProvider(tp.traceProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	tp.tracer = otel.Tracer("ingesthub",
		trace.WithSchemaURL(semconv.SchemaURL),
	)
	return nil
}

// initMetrics initializes OpenTelemetry metrics
func (tp *TelemetryProvider) initMetrics() error {
	tp.meter = otel.Meter("ingesthub",
		metric.WithSchemaURL(semconv.SchemaURL),
	)

	var err error

	tp.notificationsIngested, err = tp.meter.Int64Counter(
		"ingesthub_notifications_ingested_total",
		metric.WithDescription("Total number of notifications accepted"),
	)
	if err != nil {
		return fmt.Errorf("create ingested counter: %v", err)
	}

	tp.notificationsRejected, err = tp.meter.Int64Counter(
		"ingesthub_notifications_rejected_total",
		metric.WithDescription("Total number of notifications rejected"),
	)
	if err != nil {
		return fmt.Errorf("create rejected counter: %v", err)
	}

	tp.pipelineDuration, err = tp.meter.Float64Histogram(
		"ingesthub_pipeline_duration_seconds",
		metric.WithDescription("Duration of the ingestion pipeline"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("create pipeline_duration histogram: %v", err)
	}

	tp.activeConnections, err = tp.meter.Int64UpDownCounter(
		"ingesthub_active_connections",
		metric.WithDescription("Currently open WebSocket connections"),
	)
	if err != nil {
		return fmt.Errorf("create active_connections counter: %v", err)
	}

	return nil
}

// TraceOperation creates a new span for an operation
func (tp *TelemetryProvider) TraceOperation(ctx context.Context, operationName string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	if tp.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return tp.tracer.Start(ctx, operationName,
		trace.WithAttributes(attributes...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// TraceIngestion creates a span covering one pipeline run.
func (tp *TelemetryProvider) TraceIngestion(ctx context.Context, source string) (context.Context, trace.Span) {
	return tp.TraceOperation(ctx, "ingesthub.ingest",
		attribute.String("ingesthub.source", source),
	)
}

// RecordIngested records an accepted notification and its pipeline time.
func (tp *TelemetryProvider) RecordIngested(ctx context.Context, source string, duration time.Duration) {
	if tp.notificationsIngested != nil {
		tp.notificationsIngested.Add(ctx, 1, metric.WithAttributes(
			attribute.String("source", source),
		))
	}
	if tp.pipelineDuration != nil && duration > 0 {
		tp.pipelineDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("status", "success"),
		))
	}
}

// RecordRejected records a rejected notification with its error code.
func (tp *TelemetryProvider) RecordRejected(ctx context.Context, source, errorCode string, duration time.Duration) {
	if tp.notificationsRejected != nil {
		tp.notificationsRejected.Add(ctx, 1, metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("error_code", errorCode),
		))
	}
	if tp.pipelineDuration != nil && duration > 0 {
		tp.pipelineDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("status", "error"),
		))
	}
}

// ConnectionOpened increments the active connection gauge.
func (tp *TelemetryProvider) ConnectionOpened(ctx context.Context) {
	if tp.activeConnections != nil {
		tp.activeConnections.Add(ctx, 1)
	}
}

// ConnectionClosed decrements the active connection gauge.
func (tp *TelemetryProvider) ConnectionClosed(ctx context.Context) {
	if tp.activeConnections != nil {
		tp.activeConnections.Add(ctx, -1)
	}
}

// SetSpanError sets an error on the current span
func (tp *TelemetryProvider) SetSpanError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks the span as successful
func (tp *TelemetryProvider) SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// Shutdown gracefully shuts down the telemetry provider
func (tp *TelemetryProvider) Shutdown(ctx context.Context) error {
	if tp.traceProvider != nil {
		return tp.traceProvider.Shutdown(ctx)
	}
	return nil
}

// GetTracer returns the tracer instance
func (tp *TelemetryProvider) GetTracer() trace.Tracer {
	return tp.tracer
}

// GetMeter returns the meter instance
func (tp *TelemetryProvider) GetMeter() metric.Meter {
	return tp.meter
}
