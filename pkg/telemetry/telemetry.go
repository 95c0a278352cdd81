// Package telemetry wires spans and counters around the proxy's tool-call
// dispatch and upstream round-trips (SPEC_FULL.md "Admin/introspection
// surface" domain-stack wiring for go.opentelemetry.io/otel).
//
// Grounded in the teacher's pkg/observability.Provider (config struct,
// tracer/meter construction, RED counters, TrackOperation helper) and the
// air-blackbox-gateway teacher's pkg/proxy package-level tracer pattern;
// generalized from the teacher's OTLP-over-gRPC exporters to the
// stdout/noop exporter, since nothing in this spec calls for wiring an
// external collector.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config controls whether telemetry is wired at all, and where the
// stdout/noop exporters write. A nil Writer discards output entirely,
// keeping a disabled-by-default deployment's stdout clean.
type Config struct {
	ServiceName string
	Enabled     bool
	Writer      io.Writer // default io.Discard
}

func (c Config) normalize() Config {
	if c.ServiceName == "" {
		c.ServiceName = "overwatch"
	}
	if c.Writer == nil {
		c.Writer = io.Discard
	}
	return c
}

// Provider holds the tracer/meter pair and the RED (Rate, Errors, Duration)
// counters the proxy core and orchestrator record against.
type Provider struct {
	cfg Config

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter

	requestsTotal    metric.Int64Counter
	requestsFailed   metric.Int64Counter
	requestsTimedOut metric.Int64Counter
}

// New builds a Provider. When cfg.Enabled is false, the returned Provider's
// StartSpan/RecordX methods are no-ops (no SDK providers are constructed at
// all), matching spec §7's stance that observability is ambient, never load
// bearing for request flow.
func New(cfg Config) (*Provider, error) {
	cfg = cfg.normalize()
	p := &Provider{cfg: cfg}
	if !cfg.Enabled {
		p.tracer = otel.Tracer(cfg.ServiceName)
		p.meter = otel.Meter(cfg.ServiceName)
		return p, nil
	}

	traceExporter, err := stdouttrace.New(stdouttrace.WithWriter(cfg.Writer), stdouttrace.WithoutTimestamps())
	if err != nil {
		return nil, err
	}
	p.tracerProvider = sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExporter))

	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(cfg.Writer))
	if err != nil {
		return nil, err
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(30*time.Second))),
	)

	p.tracer = p.tracerProvider.Tracer(cfg.ServiceName)
	p.meter = p.meterProvider.Meter(cfg.ServiceName)

	if err := p.initCounters(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) initCounters() error {
	var err error
	p.requestsTotal, err = p.meter.Int64Counter("overwatch.requests_total",
		metric.WithDescription("Tool calls dispatched through a proxy core"))
	if err != nil {
		return err
	}
	p.requestsFailed, err = p.meter.Int64Counter("overwatch.requests_failed",
		metric.WithDescription("Tool calls denied or failed upstream"))
	if err != nil {
		return err
	}
	p.requestsTimedOut, err = p.meter.Int64Counter("overwatch.requests_timed_out",
		metric.WithDescription("Tool calls that hit the per-request timeout"))
	if err != nil {
		return err
	}
	return nil
}

// Shutdown flushes and stops the SDK providers. A no-op when telemetry is
// disabled.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			slog.Default().Warn("telemetry tracer shutdown error", "err", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			slog.Default().Warn("telemetry meter shutdown error", "err", err)
		}
	}
	return nil
}

// StartSpan starts a span for a tool-call dispatch or upstream round-trip.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordRequest increments requests_total, tagging it server/tool/decision.
func (p *Provider) RecordRequest(ctx context.Context, server, tool, decision string) {
	if p.requestsTotal == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("server", server),
		attribute.String("tool", tool),
		attribute.String("decision", decision),
	)
	p.requestsTotal.Add(ctx, 1, attrs)
	if decision == "denied" {
		p.requestsFailed.Add(ctx, 1, attrs)
	}
}

// RecordTimeout increments requests_timed_out for one pending request.
func (p *Provider) RecordTimeout(ctx context.Context, server, method string) {
	if p.requestsTimedOut == nil {
		return
	}
	p.requestsTimedOut.Add(ctx, 1, metric.WithAttributes(
		attribute.String("server", server),
		attribute.String("method", method),
	))
}
