// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tracing configures the OpenTelemetry tracer provider. Spans
// are emitted around tool dispatch and workflow steps; with no exporter
// configured the global provider stays a no-op and span calls cost
// nothing.
package tracing

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/tombee/gantry"

// Exporter selects where spans go.
type Exporter string

const (
	// ExporterNone disables tracing.
	ExporterNone Exporter = ""
	// ExporterOTLP ships spans over OTLP/HTTP.
	ExporterOTLP Exporter = "otlp"
	// ExporterStdout prints spans to stderr, for local debugging.
	ExporterStdout Exporter = "stdout"
)

// Config controls the tracer provider.
type Config struct {
	// Exporter selects the span destination; empty disables tracing.
	Exporter Exporter

	// Endpoint is the OTLP collector host:port; empty uses the
	// exporter's default (localhost:4318).
	Endpoint string

	// SampleRate is the fraction of root traces to record, in (0, 1].
	// Zero means sample everything.
	SampleRate float64

	// ServiceName and ServiceVersion label every span.
	ServiceName    string
	ServiceVersion string
}

// FromEnv reads tracing configuration:
//   - GANTRY_TRACE_EXPORTER: otlp, stdout (default: disabled)
//   - GANTRY_OTLP_ENDPOINT: collector host:port for otlp
//   - GANTRY_TRACE_SAMPLE_RATE: fraction of traces to record
func FromEnv() Config {
	cfg := Config{
		Exporter:    Exporter(os.Getenv("GANTRY_TRACE_EXPORTER")),
		Endpoint:    os.Getenv("GANTRY_OTLP_ENDPOINT"),
		ServiceName: "gantryd",
	}
	if rate := os.Getenv("GANTRY_TRACE_SAMPLE_RATE"); rate != "" {
		if f, err := strconv.ParseFloat(rate, 64); err == nil && f > 0 && f <= 1 {
			cfg.SampleRate = f
		}
	}
	return cfg
}

// Provider owns the tracer provider lifecycle.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// Setup builds the exporter and installs the global tracer provider.
// Returns nil when tracing is disabled.
func Setup(ctx context.Context, cfg Config) (*Provider, error) {
	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case ExporterNone:
		return nil, nil
	case ExporterOTLP:
		opts := []otlptracehttp.Option{otlptracehttp.WithInsecure()}
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	case ExporterStdout:
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	name := cfg.ServiceName
	if name == "" {
		name = "gantryd"
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(name),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to build trace resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRate > 0 && cfg.SampleRate < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp}, nil
}

// Shutdown flushes buffered spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// Start opens a span via the global provider.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// End closes a span, recording err when non-nil.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
