// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Exporter names accepted by Config.
const (
	ExporterNone       = "none"
	ExporterStdout     = "stdout"
	ExporterOTLP       = "otlp"
	ExporterPrometheus = "prometheus"
)

// Attribute keys shared by converge spans and resources.
const (
	AttrProgram = attribute.Key("converge.program")
	AttrRunID   = attribute.Key("converge.run_id")
	AttrJobID   = attribute.Key("converge.job_id")
)

var (
	// ErrNilContext is returned when Init receives a nil context.
	ErrNilContext = errors.New("telemetry: nil context")

	// ErrUnknownExporter is returned for an unrecognised exporter name.
	ErrUnknownExporter = errors.New("telemetry: unknown exporter")
)

// Config selects the trace and metric backends.
type Config struct {
	ServiceName    string `yaml:"service_name" json:"service_name"`
	ServiceVersion string `yaml:"service_version" json:"service_version"`
	Environment    string `yaml:"environment" json:"environment"`

	// TraceExporter is "otlp", "stdout", or "none".
	TraceExporter string `yaml:"trace_exporter" json:"trace_exporter" validate:"omitempty,oneof=otlp stdout none"`

	// MetricExporter is "prometheus", "stdout", or "none". The prometheus
	// reader registers with the default registry behind /metrics.
	MetricExporter string `yaml:"metric_exporter" json:"metric_exporter" validate:"omitempty,oneof=prometheus stdout none"`

	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure" json:"otlp_insecure"`

	// SampleRate is the fraction of root spans sampled, in [0, 1].
	SampleRate float64 `yaml:"sample_rate" json:"sample_rate" validate:"gte=0,lte=1"`
}

// DefaultConfig returns the serve defaults, overridden by the environment
// variables listed in the package documentation.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "converge",
		ServiceVersion: "dev",
		Environment:    getEnvOr("CONVERGE_ENV", "development"),
		TraceExporter:  getEnvOr("OTEL_TRACES_EXPORTER", ExporterNone),
		MetricExporter: getEnvOr("OTEL_METRICS_EXPORTER", ExporterPrometheus),
		OTLPEndpoint:   getEnvOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPInsecure:   true,
		SampleRate:     getEnvFloatOr("OTEL_TRACES_SAMPLER_ARG", 1.0),
	}
}

// RunConfig returns the configuration for a single CLI run: traces and
// metrics go to the stdout exporters, or nowhere when exporter is "none".
// "otlp" sends traces to the collector named by the environment.
func RunConfig(exporter string) Config {
	cfg := DefaultConfig()
	cfg.TraceExporter = exporter
	cfg.MetricExporter = ExporterNone
	if exporter == ExporterStdout {
		cfg.MetricExporter = ExporterStdout
	}
	return cfg
}

// Option customizes Init.
type Option func(*options)

type options struct {
	attrs []attribute.KeyValue
	out   io.Writer
}

// WithAttributes adds resource attributes, such as AttrProgram and
// AttrRunID for a CLI run.
func WithAttributes(attrs ...attribute.KeyValue) Option {
	return func(o *options) { o.attrs = append(o.attrs, attrs...) }
}

// WithWriter directs the stdout exporters to w. Default: os.Stdout.
func WithWriter(w io.Writer) Option {
	return func(o *options) { o.out = w }
}

// Provider owns the SDK providers installed by Init.
type Provider struct {
	tracer *sdktrace.TracerProvider
	meter  *sdkmetric.MeterProvider
}

// Init installs the global TracerProvider and MeterProvider selected by cfg.
//
// Description:
//
//	Backends set to "none" (or empty) are left alone, so the global no-op
//	providers stay in place and instrumented code costs nothing. Engine,
//	journal and job spans resolve through otel.Tracer, and the engine's
//	OTel counters through otel.Meter, so nothing else needs wiring.
//
// Outputs:
//   - *Provider: Call Shutdown to flush. Never nil on success.
//   - error: ErrNilContext, ErrUnknownExporter, or an exporter error.
//
// Thread Safety: Call once per process, before the first run.
func Init(ctx context.Context, cfg Config, opts ...Option) (*Provider, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	o := options{out: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	res := resource.NewSchemaless(append([]attribute.KeyValue{
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	}, o.attrs...)...)

	p := &Provider{}

	spans, err := newSpanExporter(ctx, cfg, o.out)
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	if spans != nil {
		p.tracer = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(spans),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(getSampler(cfg.SampleRate)),
		)
		otel.SetTracerProvider(p.tracer)
	}

	reader, err := newMetricReader(cfg, o.out)
	if err != nil {
		_ = p.Shutdown(ctx)
		return nil, fmt.Errorf("init meter: %w", err)
	}
	if reader != nil {
		p.meter = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(reader),
		)
		otel.SetMeterProvider(p.meter)
	}
	return p, nil
}

// Tracing reports whether Init installed a tracer provider.
func (p *Provider) Tracing() bool { return p != nil && p.tracer != nil }

// Metering reports whether Init installed a meter provider.
func (p *Provider) Metering() bool { return p != nil && p.meter != nil }

// Shutdown flushes pending spans and a final metric collection, then stops
// both providers. Safe on a nil Provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.tracer != nil {
		errs = append(errs, p.tracer.Shutdown(ctx))
	}
	if p.meter != nil {
		errs = append(errs, p.meter.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func newSpanExporter(ctx context.Context, cfg Config, out io.Writer) (sdktrace.SpanExporter, error) {
	switch cfg.TraceExporter {
	case "", ExporterNone:
		return nil, nil
	case ExporterOTLP:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithWriter(out))
	default:
		return nil, fmt.Errorf("%w: trace exporter %q", ErrUnknownExporter, cfg.TraceExporter)
	}
}

func newMetricReader(cfg Config, out io.Writer) (sdkmetric.Reader, error) {
	switch cfg.MetricExporter {
	case "", ExporterNone:
		return nil, nil
	case ExporterPrometheus:
		return promexporter.New()
	case ExporterStdout:
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(out))
		if err != nil {
			return nil, err
		}
		// Shutdown performs the final collection, so a short run still
		// reports its counters.
		return sdkmetric.NewPeriodicReader(exporter), nil
	default:
		return nil, fmt.Errorf("%w: metric exporter %q", ErrUnknownExporter, cfg.MetricExporter)
	}
}

// getSampler maps a sample rate to a parent-based sampler.
func getSampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case rate <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvFloatOr(key string, fallback float64) float64 {
	f, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return fallback
	}
	return f
}
