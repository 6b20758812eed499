package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
)

// Sampler names accepted in Config.Sampler.
const (
	SampleAlways      = "always"
	SampleNever       = "never"
	SampleRatio       = "ratio"
	SampleParentRatio = "parentbased_ratio"
)

type Config struct {
	Enabled      bool
	ServiceName  string
	Version      string
	OTLPEndpoint string
	// Insecure disables TLS towards the collector.
	Insecure bool
	// Sampler is one of the Sample* names; empty means SampleParentRatio.
	Sampler     string
	SampleRatio float64
}

type Closer func(context.Context) error

// NewSampler maps a sampler name to its otel sampler. The ratio must be
// within [0, 1] for the ratio based samplers.
func NewSampler(name string, ratio float64) (sdktrace.Sampler, error) {
	switch name {
	case SampleAlways:
		return sdktrace.AlwaysSample(), nil
	case SampleNever:
		return sdktrace.NeverSample(), nil
	}
	if ratio < 0 || ratio > 1 {
		return nil, fmt.Errorf("sample ratio %v outside [0,1]", ratio)
	}
	switch name {
	case SampleRatio:
		return sdktrace.TraceIDRatioBased(ratio), nil
	case "", SampleParentRatio:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio)), nil
	}
	return nil, fmt.Errorf("unknown sampler %q", name)
}

// Init installs a global tracer provider exporting over OTLP/gRPC. When
// disabled the otel no-op provider stays in place and spans cost nothing.
// The sampler is checked even when disabled so a bad config fails early.
func Init(ctx context.Context, cfg Config) (Closer, error) {
	sampler, err := NewSampler(cfg.Sampler, cfg.SampleRatio)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithDialOption(grpc.WithUserAgent(cfg.ServiceName + "/" + cfg.Version)),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter %s: %w", cfg.OTLPEndpoint, err)
	}

	res := resource.NewSchemaless(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.Version),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sampler),
		sdktrace.WithBatcher(exp, sdktrace.WithMaxExportBatchSize(512), sdktrace.WithBatchTimeout(time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
