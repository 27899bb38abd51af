// Package observability wires OpenTelemetry for mcphost: OTLP gRPC export of
// traces and metrics, request counters for the HTTP surfaces, and the
// pipeline counters in Metrics.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/mcphost/pkg/config"
)

const instrumentationName = "github.com/Mindburn-Labs/mcphost"

// Config configures export.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string // OTLP gRPC, host:port
	Insecure       bool
	Enabled        bool
	SampleRate     float64 // 0 samples nothing, 1 samples everything
	ExportInterval time.Duration

	// reader replaces the OTLP metric exporter. Tests only.
	reader sdkmetric.Reader
}

// FromConfig maps host configuration onto export settings.
func FromConfig(c config.ObservabilityConfig, version string) Config {
	return Config{
		ServiceName:    "mcphost",
		ServiceVersion: version,
		Endpoint:       c.OTLPEndpoint,
		Insecure:       c.Insecure,
		Enabled:        c.Enabled,
		SampleRate:     1.0,
		ExportInterval: 15 * time.Second,
	}
}

// Provider owns the SDK providers while export is enabled. A disabled
// Provider hands out the global no-op tracer and meter.
type Provider struct {
	cfg    Config
	tp     *sdktrace.TracerProvider
	mp     *sdkmetric.MeterProvider
	tracer trace.Tracer
	meter  metric.Meter
	logger *slog.Logger

	requests metric.Int64Counter
	failures metric.Int64Counter
	latency  metric.Float64Histogram
	inflight metric.Int64UpDownCounter
}

// New starts export according to cfg.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	p := &Provider{
		cfg:    cfg,
		logger: slog.Default().With("component", "observability"),
	}
	if !cfg.Enabled {
		p.tracer = otel.Tracer(instrumentationName)
		p.meter = otel.Meter(instrumentationName)
		p.logger.InfoContext(ctx, "observability disabled")
		return p, p.initInstruments()
	}

	// Service attributes carry no schema URL so they merge with whatever
	// schema the SDK's own detectors report.
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if cfg.reader == nil {
		spans, err := otlptracegrpc.New(ctx, traceOptions(cfg)...)
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		p.tp = sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(spans),
			sdktrace.WithSampler(sdktrace.ParentBased(sampler(cfg.SampleRate))),
		)
		metrics, err := otlpmetricgrpc.New(ctx, metricOptions(cfg)...)
		if err != nil {
			_ = p.tp.Shutdown(ctx)
			return nil, fmt.Errorf("failed to create metric exporter: %w", err)
		}
		interval := cfg.ExportInterval
		if interval <= 0 {
			interval = 15 * time.Second
		}
		cfg.reader = sdkmetric.NewPeriodicReader(metrics, sdkmetric.WithInterval(interval))
	} else {
		p.tp = sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	}
	p.mp = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(cfg.reader))

	otel.SetTracerProvider(p.tp)
	otel.SetMeterProvider(p.mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	p.tracer = p.tp.Tracer(instrumentationName, trace.WithInstrumentationVersion(cfg.ServiceVersion))
	p.meter = p.mp.Meter(instrumentationName, metric.WithInstrumentationVersion(cfg.ServiceVersion))
	if err := p.initInstruments(); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", cfg.ServiceName,
		"endpoint", cfg.Endpoint,
		"sample_rate", cfg.SampleRate,
		"insecure", cfg.Insecure,
	)
	return p, nil
}

func traceOptions(cfg Config) []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return opts
}

func metricOptions(cfg Config) []otlpmetricgrpc.Option {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	return opts
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

func (p *Provider) initInstruments() error {
	var err error
	if p.requests, err = p.meter.Int64Counter("mcphost.http.requests",
		metric.WithDescription("Requests served by the host surfaces"),
		metric.WithUnit("{request}"),
	); err != nil {
		return err
	}
	if p.failures, err = p.meter.Int64Counter("mcphost.http.failures",
		metric.WithDescription("Requests that ended in a server error"),
		metric.WithUnit("{request}"),
	); err != nil {
		return err
	}
	if p.latency, err = p.meter.Float64Histogram("mcphost.http.duration",
		metric.WithDescription("Request duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 300),
	); err != nil {
		return err
	}
	p.inflight, err = p.meter.Int64UpDownCounter("mcphost.http.inflight",
		metric.WithDescription("Requests in progress, long-polling elicitations included"),
		metric.WithUnit("{request}"),
	)
	return err
}

// Shutdown flushes and stops export.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tp != nil {
		errs = append(errs, p.tp.Shutdown(ctx))
	}
	if p.mp != nil {
		errs = append(errs, p.mp.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func (p *Provider) Tracer() trace.Tracer { return p.tracer }

func (p *Provider) Meter() metric.Meter { return p.meter }

// TrackOperation starts a span and counts the operation. The returned
// function ends both; pass it the operation's error, if any.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	set := metric.WithAttributes(attrs...)
	p.requests.Add(ctx, 1, set)
	p.inflight.Add(ctx, 1, set)

	return ctx, func(err error) {
		p.inflight.Add(ctx, -1, set)
		p.latency.Record(ctx, time.Since(start).Seconds(), set)
		if err != nil {
			span.RecordError(err)
			p.failures.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("error.type", fmt.Sprintf("%T", err)))...))
		}
		span.End()
	}
}
