// Package telemetry wires OpenTelemetry tracing and metrics for the clinic
// services. Traces go to an OTLP/HTTP collector when an endpoint is set;
// metrics are exposed in Prometheus text format on /metrics.
package telemetry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
)

// Config holds all configuration for the telemetry provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // host:port of an OTLP/HTTP collector; empty disables export
	OTLPInsecure   bool
	MetricsEnabled *bool // nil = use default (true)
	SampleRate     float64

	// reader replaces the Prometheus exporter in tests.
	reader sdkmetric.Reader
}

func (c *Config) metricsOn() bool {
	if c.MetricsEnabled == nil {
		return true
	}
	return *c.MetricsEnabled
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "clinic-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.SampleRate <= 0 || c.SampleRate > 1 {
		c.SampleRate = 1.0
	}
}

// BoolPtr is a helper to create a *bool for Config fields.
func BoolPtr(b bool) *bool {
	return &b
}

// Provider owns the SDK providers and the HTTP instruments.
type Provider struct {
	cfg            Config
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider

	requests metric.Int64Counter
	duration metric.Float64Histogram
	active   metric.Int64UpDownCounter
}

// NewProvider builds the tracer and meter providers and installs them as the
// otel globals, so packages that call otel.Tracer or otel.Meter pick them up.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	cfg.applyDefaults()

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironmentName(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)
	if cfg.OTLPEndpoint != "" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		tp.RegisterSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter))
	}

	mopts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.metricsOn() {
		reader := cfg.reader
		if reader == nil {
			exporter, err := otelprom.New()
			if err != nil {
				return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
			}
			reader = exporter
		}
		mopts = append(mopts, sdkmetric.WithReader(reader))
	}
	mp := sdkmetric.NewMeterProvider(mopts...)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	p := &Provider{cfg: cfg, TracerProvider: tp, MeterProvider: mp}
	meter := mp.Meter("github.com/medicore/clinic/http")
	if p.requests, err = meter.Int64Counter("http.server.requests",
		metric.WithDescription("HTTP requests served")); err != nil {
		return nil, err
	}
	if p.duration, err = meter.Float64Histogram("http.server.request.duration",
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)); err != nil {
		return nil, err
	}
	if p.active, err = meter.Int64UpDownCounter("http.server.active_requests"); err != nil {
		return nil, err
	}
	return p, nil
}

// Shutdown flushes pending spans and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := p.TracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}
	if err := p.MeterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown meter provider: %w", err)
	}
	return nil
}

// MetricsMiddleware records count, latency and in-flight requests per route.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !p.cfg.metricsOn() {
				return next(c)
			}
			ctx := c.Request().Context()
			p.active.Add(ctx, 1)
			start := time.Now()

			err := next(c)

			p.active.Add(ctx, -1)
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			attrs := metric.WithAttributes(
				attribute.String("http.request.method", c.Request().Method),
				attribute.String("http.route", route),
				attribute.String("http.response.status_code", strconv.Itoa(c.Response().Status)),
			)
			p.requests.Add(ctx, 1, attrs)
			p.duration.Record(ctx, time.Since(start).Seconds(), attrs)
			return err
		}
	}
}

// MetricsHandler serves the Prometheus registry the exporter writes to.
func MetricsHandler() echo.HandlerFunc {
	h := promhttp.Handler()
	return func(c echo.Context) error {
		h.ServeHTTP(c.Response(), c.Request())
		return nil
	}
}

// PoolStatsFunc reports (total, idle, acquired) connections.
type PoolStatsFunc func() (total, idle, acquired int64)

// RegisterPoolGauges exports database pool occupancy as observable gauges.
func (p *Provider) RegisterPoolGauges(stats PoolStatsFunc) error {
	meter := p.MeterProvider.Meter("github.com/medicore/clinic/db")
	total, err := meter.Int64ObservableGauge("db.pool.connections.total")
	if err != nil {
		return err
	}
	idle, err := meter.Int64ObservableGauge("db.pool.connections.idle")
	if err != nil {
		return err
	}
	acquired, err := meter.Int64ObservableGauge("db.pool.connections.acquired")
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		t, i, a := stats()
		o.ObserveInt64(total, t)
		o.ObserveInt64(idle, i)
		o.ObserveInt64(acquired, a)
		return nil
	}, total, idle, acquired)
	return err
}

// Counter creates an Int64Counter on the global meter, falling back to a
// no-op instrument if the name is rejected.
func Counter(scope, name, description string) metric.Int64Counter {
	c, err := otel.Meter(scope).Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		c, _ = noop.NewMeterProvider().Meter(scope).Int64Counter(name)
	}
	return c
}
