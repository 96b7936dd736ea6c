// Package telemetry wires the OpenTelemetry SDK's tracer and meter
// providers behind a single Provider value: a resource describing
// the gateway, a meter provider, and a tracer provider, both exported with
// stdout exporters so the request path (client -> transport
// -> dispatch -> limiter -> router -> upstream client) gets trace spans
// without an OTLP collector dependency.
package telemetry

import (
	"context"
	"errors"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope used for every span the gateway
// records.
const tracerName = "github.com/hatago/gateway"

// Config selects what telemetry gets exported. Enabled gates whether any
// exporter is installed at all; when false, Provider hands out no-op
// tracer/meter so call sites never need their own enabled checks.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// Writer receives the stdout exporters' output. Defaults to io.Discard
	// so a disabled-by-default writer doesn't spam an operator's terminal;
	// cmd/hatago points this at stderr when the operator opts in.
	Writer io.Writer
}

// Provider hands out the gateway's tracer and meter, and owns their
// shutdown.
type Provider struct {
	tracer   trace.Tracer
	meter    metric.Meter
	shutdown func(context.Context) error
}

// New builds a Provider per cfg. When cfg.Enabled is false, it returns a
// Provider backed by the global no-op providers and a shutdown that does
// nothing.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			tracer:   otel.Tracer(tracerName),
			meter:    otel.Meter(tracerName),
			shutdown: func(context.Context) error { return nil },
		}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "hatago"
	}
	if cfg.Writer == nil {
		cfg.Writer = io.Discard
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	var shutdownFuncs []func(context.Context) error

	metricExp, err := stdoutmetric.New(stdoutmetric.WithWriter(cfg.Writer))
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
	)
	otel.SetMeterProvider(mp)
	shutdownFuncs = append(shutdownFuncs, mp.Shutdown)

	traceExp, err := stdouttrace.New(stdouttrace.WithWriter(cfg.Writer))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExp),
	)
	otel.SetTracerProvider(tp)
	shutdownFuncs = append(shutdownFuncs, tp.Shutdown)

	return &Provider{
		tracer: tp.Tracer(tracerName),
		meter:  mp.Meter(tracerName),
		shutdown: func(ctx context.Context) error {
			var errs []error
			for _, fn := range shutdownFuncs {
				if e := fn(ctx); e != nil {
					errs = append(errs, e)
				}
			}
			return errors.Join(errs...)
		},
	}, nil
}

// Tracer returns the gateway's tracer for starting spans.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Meter returns the gateway's meter for recording instruments outside the
// Prometheus-backed HTTP metrics (e.g. a plugin's own counters).
func (p *Provider) Meter() metric.Meter { return p.meter }

// Shutdown flushes and closes the exporters. Call it once during graceful
// shutdown, after the HTTP server has stopped accepting new work.
func (p *Provider) Shutdown(ctx context.Context) error { return p.shutdown(ctx) }
