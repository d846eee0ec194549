// Package observability provides the Prometheus metrics and OpenTelemetry
// tracing used by the session store, router and transports.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation name of spans emitted by the engine
const TracerName = "github.com/ajitpratap0/mcp-engine-go"

// Span attribute keys
const (
	AttrMethod    = attribute.Key("mcp.method")
	AttrSessionID = attribute.Key("mcp.session_id")
	AttrRequestID = attribute.Key("mcp.request_id")
	AttrTransport = attribute.Key("mcp.transport")
)

// ExporterType defines the type of trace exporter
type ExporterType string

const (
	ExporterTypeOTLPGRPC ExporterType = "otlp-grpc"
	ExporterTypeOTLPHTTP ExporterType = "otlp-http"
	// ExporterTypeNoop keeps spans in process and drops them
	ExporterTypeNoop ExporterType = "noop"
)

// TracingConfig configures OpenTelemetry tracing
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	ExporterType ExporterType
	Endpoint     string
	Headers      map[string]string
	Insecure     bool

	// SampleRate is the ratio of traces kept, 0.0 to 1.0
	SampleRate  float64
	NeverSample []string // methods that are never traced, e.g. ping

	BatchTimeout time.Duration

	// SetGlobal installs the provider as the otel global tracer provider
	SetGlobal bool

	// Exporter overrides ExporterType, mainly for tests
	Exporter sdktrace.SpanExporter
}

// TracingProvider manages OpenTelemetry tracing
type TracingProvider struct {
	config         TracingConfig
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	propagator     propagation.TextMapPropagator
}

// NewTracingProvider creates a new tracing provider
func NewTracingProvider(config TracingConfig) (*TracingProvider, error) {
	if config.ServiceName == "" {
		config.ServiceName = "mcp-engine"
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = "unknown"
	}
	if config.Environment == "" {
		config.Environment = "development"
	}
	if config.SampleRate == 0 {
		config.SampleRate = 1.0
	}
	if config.BatchTimeout == 0 {
		config.BatchTimeout = 5 * time.Second
	}

	exporter := config.Exporter
	if exporter == nil {
		var err error
		if exporter, err = createExporter(config); err != nil {
			return nil, fmt.Errorf("failed to create exporter: %w", err)
		}
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(config.BatchTimeout)),
		sdktrace.WithResource(createResource(config)),
		sdktrace.WithSampler(createSampler(config)),
	)

	propagator := propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
	if config.SetGlobal {
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagator)
	}

	return &TracingProvider{
		config:         config,
		tracerProvider: tp,
		tracer:         tp.Tracer(TracerName),
		propagator:     propagator,
	}, nil
}

func createResource(config TracingConfig) *resource.Resource {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
		semconv.DeploymentEnvironment(config.Environment),
	)
}

func createExporter(config TracingConfig) (sdktrace.SpanExporter, error) {
	switch config.ExporterType {
	case ExporterTypeOTLPGRPC:
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(config.Endpoint),
			otlptracegrpc.WithHeaders(config.Headers),
		}
		if config.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
	case ExporterTypeOTLPHTTP:
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(config.Endpoint),
			otlptracehttp.WithHeaders(config.Headers),
		}
		if config.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptrace.New(context.Background(), otlptracehttp.NewClient(opts...))
	case ExporterTypeNoop, "":
		return noopExporter{}, nil
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", config.ExporterType)
	}
}

func createSampler(config TracingConfig) sdktrace.Sampler {
	var base sdktrace.Sampler
	switch {
	case config.SampleRate >= 1.0:
		base = sdktrace.AlwaysSample()
	case config.SampleRate <= 0.0:
		base = sdktrace.NeverSample()
	default:
		base = sdktrace.TraceIDRatioBased(config.SampleRate)
	}
	if len(config.NeverSample) == 0 {
		return sdktrace.ParentBased(base)
	}

	never := make(map[string]struct{}, len(config.NeverSample))
	for _, m := range config.NeverSample {
		never[m] = struct{}{}
	}
	return &methodSampler{base: base, never: never}
}

// Tracer returns the tracer used for engine spans
func (tp *TracingProvider) Tracer() trace.Tracer {
	return tp.tracer
}

// Propagator returns the propagator for W3C trace context headers
func (tp *TracingProvider) Propagator() propagation.TextMapPropagator {
	return tp.propagator
}

// ForceFlush exports all spans that have ended but are still batched
func (tp *TracingProvider) ForceFlush(ctx context.Context) error {
	return tp.tracerProvider.ForceFlush(ctx)
}

// Shutdown flushes pending spans and stops the exporter
func (tp *TracingProvider) Shutdown(ctx context.Context) error {
	return tp.tracerProvider.Shutdown(ctx)
}

// StartMethodSpan starts a server span named after a protocol method
func StartMethodSpan(ctx context.Context, tracer trace.Tracer, method, sessionID string) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = otel.Tracer(TracerName)
	}
	return tracer.Start(ctx, "mcp."+method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(AttrMethod.String(method), AttrSessionID.String(sessionID)),
	)
}

// RecordSpanError marks the span in ctx as failed
func RecordSpanError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err == nil || !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// methodSampler drops spans for configured methods and defers to base
// for everything else
type methodSampler struct {
	base  sdktrace.Sampler
	never map[string]struct{}
}

func (s *methodSampler) ShouldSample(params sdktrace.SamplingParameters) sdktrace.SamplingResult {
	for _, attr := range params.Attributes {
		if attr.Key == AttrMethod {
			if _, ok := s.never[attr.Value.AsString()]; ok {
				return sdktrace.SamplingResult{Decision: sdktrace.Drop}
			}
			break
		}
	}
	return s.base.ShouldSample(params)
}

func (s *methodSampler) Description() string {
	return fmt.Sprintf("MethodSampler{base=%s,never=%d}", s.base.Description(), len(s.never))
}

type noopExporter struct{}

func (noopExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (noopExporter) Shutdown(context.Context) error                             { return nil }
