// Package observability wires OpenTelemetry tracing and metrics for the hub.
//
// Components take their tracer and meter from the otel globals, so nothing
// else has to change when New installs real providers. With telemetry
// disabled the globals stay no-ops.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/Mindburn-Labs/qhub"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string  // host:port of an OTLP gRPC collector
	SampleRate     float64 // 0.0 to 1.0
	BatchTimeout   time.Duration
	MetricInterval time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns the defaults used when telemetry is switched on.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "qhub",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		MetricInterval: 15 * time.Second,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider owns the trace and meter providers and the API RED instruments.
type Provider struct {
	config *Config
	traces *sdktrace.TracerProvider
	meters *sdkmetric.MeterProvider
	logger *slog.Logger
	red    red
}

// red holds the rate, errors and duration instruments of API operations.
type red struct {
	requests metric.Int64Counter
	errors   metric.Int64Counter
	duration metric.Float64Histogram
	inFlight metric.Int64UpDownCounter
}

// New creates the providers and installs them as otel globals. A disabled
// config only builds the RED instruments on the no-op globals.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{config: config, logger: slog.Default().With("component", "observability")}

	if config.Enabled {
		if err := p.install(ctx); err != nil {
			return nil, err
		}
		p.logger.InfoContext(ctx, "telemetry exporting",
			"service", config.ServiceName,
			"environment", config.Environment,
			"endpoint", config.OTLPEndpoint,
			"sample_rate", config.SampleRate,
		)
	}

	var err error
	if p.red, err = newRED(p.Meter()); err != nil {
		return nil, fmt.Errorf("api instruments: %w", err)
	}
	return p, nil
}

func (p *Provider) install(ctx context.Context) error {
	c := p.config
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(c.ServiceName),
		semconv.ServiceVersion(c.ServiceVersion),
		semconv.DeploymentEnvironment(c.Environment),
	))
	if err != nil {
		return fmt.Errorf("telemetry resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(c.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(c.OTLPEndpoint)}
	if c.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}
	spans, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return fmt.Errorf("otlp trace exporter: %w", err)
	}
	points, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = spans.Shutdown(ctx)
		return fmt.Errorf("otlp metric exporter: %w", err)
	}

	p.traces = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(spans, sdktrace.WithBatchTimeout(c.BatchTimeout)),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(c.SampleRate))),
	)
	interval := c.MetricInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	p.meters = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(points, sdkmetric.WithInterval(interval))),
	)

	otel.SetTracerProvider(p.traces)
	otel.SetMeterProvider(p.meters)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return nil
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

func newRED(meter metric.Meter) (red, error) {
	var (
		r   red
		err error
	)
	if r.requests, err = meter.Int64Counter("qhub.api.requests",
		metric.WithDescription("API requests processed"), metric.WithUnit("{request}")); err != nil {
		return r, err
	}
	if r.errors, err = meter.Int64Counter("qhub.api.errors",
		metric.WithDescription("API requests answered with a 5xx status"), metric.WithUnit("{request}")); err != nil {
		return r, err
	}
	if r.duration, err = meter.Float64Histogram("qhub.api.duration",
		metric.WithDescription("API request duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.025, 0.1, 0.25, 1, 2.5, 10),
	); err != nil {
		return r, err
	}
	r.inFlight, err = meter.Int64UpDownCounter("qhub.api.in_flight",
		metric.WithDescription("API requests being served"), metric.WithUnit("{request}"))
	return r, err
}

// Shutdown flushes pending spans and metric points.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.traces != nil {
		errs = append(errs, p.traces.Shutdown(ctx))
	}
	if p.meters != nil {
		errs = append(errs, p.meters.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// Tracer returns the hub tracer.
func (p *Provider) Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(p.config.ServiceVersion))
}

// Meter returns the hub meter.
func (p *Provider) Meter() metric.Meter {
	return otel.Meter(instrumentationName, metric.WithInstrumentationVersion(p.config.ServiceVersion))
}

// TrackOperation starts a span and the RED bookkeeping for one operation.
// Call the returned function with the operation's error when it completes.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.Tracer().Start(ctx, name, trace.WithSpanKind(trace.SpanKindServer), trace.WithAttributes(attrs...))
	set := metric.WithAttributes(attrs...)
	p.red.inFlight.Add(ctx, 1, set)
	p.red.requests.Add(ctx, 1, set)

	return ctx, func(err error) {
		defer span.End()
		p.red.inFlight.Add(ctx, -1, set)
		p.red.duration.Record(ctx, time.Since(start).Seconds(), set)
		if err == nil {
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.red.errors.Add(ctx, 1, set)
	}
}

// Middleware records RED metrics and a server span per request. route is
// the mux pattern, which keeps metric cardinality bounded.
func (p *Provider) Middleware(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, done := p.TrackOperation(ctx, route, attribute.String("http.route", route))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		trace.SpanFromContext(ctx).SetAttributes(attribute.Int("http.response.status_code", rec.status))
		if rec.status >= http.StatusInternalServerError {
			done(fmt.Errorf("%s: status %d", route, rec.status))
			return
		}
		done(nil)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Flush passes through so NDJSON streams are not buffered.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
