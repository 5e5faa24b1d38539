package telemetry

import (
	"covfuzz/config"
	"context"
	"errors"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
)

type Telemetry interface {
	GetTracer() trace.Tracer
	GetLogger() log.Logger
}

type telemetryImpl struct {
	tracer trace.Tracer
	logger log.Logger
}

func (t *telemetryImpl) GetTracer() trace.Tracer { return t.tracer }
func (t *telemetryImpl) GetLogger() log.Logger   { return t.logger }

type TelemetryParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	Config    *config.AppConfig
}

// NewTelemetry exports spans and log records to the configured OTLP
// collector. It returns nil when no endpoint is set.
func NewTelemetry(p TelemetryParams) (Telemetry, error) {
	if p.Config.OtelEndpoint == "" {
		return nil, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	res := newResource(p.Config.ServiceName)

	tp, err := newTraceProvider(ctx, p.Config.OtelEndpoint, res)
	if err != nil {
		cancel()
		return nil, err
	}
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t := &telemetryImpl{tracer: tp.Tracer(p.Config.ServiceName)}

	// the log SDK is still beta, so running without a log exporter is fine
	lp, err := newLogProvider(ctx, p.Config.OtelEndpoint, res)
	if err == nil {
		t.logger = lp.Logger(p.Config.ServiceName)
	}

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(stopCtx context.Context) error {
			defer cancel()
			errs := []error{tp.Shutdown(stopCtx)}
			if lp != nil {
				errs = append(errs, lp.Shutdown(stopCtx))
			}
			return errors.Join(errs...)
		},
	})
	return t, nil
}

func newResource(service string) *resource.Resource {
	host, _ := os.Hostname()
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(service),
		semconv.HostNameKey.String(host),
	)
}

func newTraceProvider(ctx context.Context, endpoint string, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpointURL(endpoint))
	if err != nil {
		return nil, err
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	), nil
}

func newLogProvider(ctx context.Context, endpoint string, res *resource.Resource) (*sdklog.LoggerProvider, error) {
	exp, err := otlploggrpc.New(ctx, otlploggrpc.WithEndpointURL(endpoint))
	if err != nil {
		return nil, err
	}
	return sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
		sdklog.WithResource(res),
	), nil
}
