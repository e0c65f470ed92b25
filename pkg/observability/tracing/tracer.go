package tracing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/nimburion/docorm/pkg/config"
)

// shutdownTimeout bounds how long Shutdown waits for pending spans.
const shutdownTimeout = 10 * time.Second

// TracerProvider owns the SDK provider that repository spans are exported through.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	enabled  bool
}

// ProviderOptions describes the program being traced and where its spans go.
type ProviderOptions struct {
	Service  config.ServiceConfig
	Tracing  config.TracingConfig
	Version  string
	// Exporter replaces the OTLP gRPC exporter. Spans are then exported synchronously.
	Exporter sdktrace.SpanExporter
}

// NewTracerProvider builds a provider from configuration and installs it as the global
// provider, so that spans started by StartDatabaseSpan are exported. A disabled
// configuration yields a provider that records nothing and leaves the globals untouched.
func NewTracerProvider(ctx context.Context, opts ProviderOptions) (*TracerProvider, error) {
	if !opts.Tracing.Enabled {
		return &TracerProvider{provider: sdktrace.NewTracerProvider()}, nil
	}
	if err := validate(opts); err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(opts.Service.Name),
		semconv.ServiceVersion(opts.Version),
		semconv.DeploymentEnvironment(opts.Service.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var export sdktrace.TracerProviderOption
	if opts.Exporter != nil {
		export = sdktrace.WithSyncer(opts.Exporter)
	} else {
		exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(opts.Tracing.Endpoint),
			otlptracegrpc.WithInsecure(),
		))
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		export = sdktrace.WithBatcher(exporter)
	}

	provider := sdktrace.NewTracerProvider(
		export,
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(opts.Tracing.SampleRate))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{provider: provider, enabled: true}, nil
}

func validate(opts ProviderOptions) error {
	var errs []error
	if opts.Service.Name == "" {
		errs = append(errs, errors.New("service name is required"))
	}
	if opts.Exporter == nil && opts.Tracing.Endpoint == "" {
		errs = append(errs, errors.New("OTLP endpoint is required"))
	}
	if opts.Tracing.SampleRate < 0 || opts.Tracing.SampleRate > 1 {
		errs = append(errs, errors.New("sample rate must be between 0 and 1"))
	}
	return errors.Join(errs...)
}

// Enabled reports whether spans are exported.
func (tp *TracerProvider) Enabled() bool { return tp.enabled }

// Tracer returns a tracer for the given instrumentation scope.
func (tp *TracerProvider) Tracer(name string) trace.Tracer {
	return tp.provider.Tracer(name)
}

// Shutdown flushes pending spans and stops the exporter. Call it before the program exits.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp == nil || tp.provider == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := tp.provider.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}
	return nil
}

// ForceFlush exports every span that has ended so far.
func (tp *TracerProvider) ForceFlush(ctx context.Context) error {
	if tp == nil || tp.provider == nil {
		return nil
	}
	if err := tp.provider.ForceFlush(ctx); err != nil {
		return fmt.Errorf("failed to flush tracer provider: %w", err)
	}
	return nil
}
