// Package telemetry builds the OpenTelemetry providers handed to the governor
// and the queue. Disabled telemetry yields no-op providers.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"dispatchline/internal/config"
)

const (
	ServiceName    = "dispatchline"
	metricInterval = 15 * time.Second
)

// Providers holds the meter and tracer providers of one process.
type Providers struct {
	Meter  metric.MeterProvider
	Tracer trace.TracerProvider

	shutdown []func(context.Context) error
}

// Shutdown flushes pending spans and metrics.
func (p *Providers) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		errs = append(errs, fn(ctx))
	}
	p.shutdown = nil
	return errors.Join(errs...)
}

// Enabled reports whether the SDK providers are installed.
func (p *Providers) Enabled() bool { return len(p.shutdown) > 0 }

// Init builds providers from cfg and installs them as the otel globals. With
// cfg.Stdout, spans and metrics are written to out (stderr when nil).
func Init(ctx context.Context, cfg config.TelemetryConfig, version string, out io.Writer) (*Providers, error) {
	if !cfg.Enabled {
		p := &Providers{Meter: metricnoop.NewMeterProvider(), Tracer: tracenoop.NewTracerProvider()}
		otel.SetMeterProvider(p.Meter)
		otel.SetTracerProvider(p.Tracer)
		return p, nil
	}
	if out == nil {
		out = os.Stderr
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(ServiceName),
		semconv.ServiceVersionKey.String(version),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}
	metricOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.Stdout {
		texp, err := stdouttrace.New(stdouttrace.WithWriter(out))
		if err != nil {
			return nil, fmt.Errorf("telemetry: trace exporter: %w", err)
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(texp))

		mexp, err := stdoutmetric.New(stdoutmetric.WithWriter(out))
		if err != nil {
			return nil, fmt.Errorf("telemetry: metric exporter: %w", err)
		}
		metricOpts = append(metricOpts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(mexp, sdkmetric.WithInterval(metricInterval)),
		))
	}

	tp := sdktrace.NewTracerProvider(traceOpts...)
	mp := sdkmetric.NewMeterProvider(metricOpts...)
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	return &Providers{
		Meter:    mp,
		Tracer:   tp,
		shutdown: []func(context.Context) error{tp.Shutdown, mp.Shutdown},
	}, nil
}
