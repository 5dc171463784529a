package telemetry

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.32.0"
)

const (
	defaultService     = "reactor"
	defaultVersion     = "1.0.0"
	defaultEndpoint    = "localhost:4318"
	defaultEnvironment = "development"
)

// environment labels every reactor instrument; set once by NewProvider.
var environment atomic.Value

// Config controls metric export for the reactor process.
type Config struct {
	Enabled         bool
	EnableMetrics   bool
	OTLPEndpoint    string
	OTLPInsecure    bool
	ServiceName     string
	ServiceVersion  string
	Namespace       string
	Environment     string
	ExportInterval  time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig reads the standard OTEL_* variables, falling back to REACTOR_ENV for the
// environment label.
func DefaultConfig() Config {
	return Config{
		Enabled:         !envFalse("OTEL_ENABLED"),
		EnableMetrics:   !envFalse("OTEL_METRICS_ENABLED"),
		OTLPEndpoint:    envOr(defaultEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:    strings.EqualFold(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"), "true"),
		ServiceName:     envOr(defaultService, "OTEL_SERVICE_NAME"),
		ServiceVersion:  defaultVersion,
		Namespace:       strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAMESPACE")),
		Environment:     envOr(defaultEnvironment, "OTEL_RESOURCE_ENVIRONMENT", "REACTOR_ENV"),
		ExportInterval:  30 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// exporting reports whether the config results in a live OTLP pipeline.
func (c Config) exporting() bool {
	return c.Enabled && c.EnableMetrics
}

// Provider owns the process meter provider. A Provider built from a config that does
// not export hands out meters from the global no-op provider.
type Provider struct {
	cfg    Config
	meters *sdkmetric.MeterProvider
}

// NewProvider records the environment label and, when exporting, installs an OTLP/HTTP
// meter provider as the global one.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	environment.Store(strings.ToLower(strings.TrimSpace(cfg.Environment)))
	p := &Provider{cfg: cfg}
	if !cfg.exporting() {
		return p, nil
	}

	res, err := buildResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}
	reader, err := buildReader(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry exporter: %w", err)
	}

	options := []sdkmetric.Option{sdkmetric.WithResource(res), sdkmetric.WithReader(reader)}
	for _, view := range latencyViews {
		options = append(options, sdkmetric.WithView(view.build()))
	}
	p.meters = sdkmetric.NewMeterProvider(options...)
	otel.SetMeterProvider(p.meters)
	return p, nil
}

// Exporting reports whether metrics leave the process.
func (p *Provider) Exporting() bool {
	return p != nil && p.meters != nil
}

// Meter returns a named meter from the installed provider or the global fallback.
func (p *Provider) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if !p.Exporting() {
		return otel.Meter(name, opts...)
	}
	return p.meters.Meter(name, opts...)
}

// Shutdown flushes pending metrics. It is bounded by the configured shutdown timeout
// when ctx carries no deadline of its own.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.Exporting() {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok && p.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.ShutdownTimeout)
		defer cancel()
	}
	if err := p.meters.Shutdown(ctx); err != nil {
		return fmt.Errorf("telemetry shutdown: %w", err)
	}
	return nil
}

// Environment returns the lower-cased environment label, "development" when unset.
func Environment() string {
	if env, _ := environment.Load().(string); env != "" {
		return env
	}
	return defaultEnvironment
}

func buildResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		AttrEnvironment.String(Environment()),
	}
	if cfg.Namespace != "" {
		attrs = append(attrs, semconv.ServiceNamespaceKey.String(cfg.Namespace))
	}
	return resource.New(ctx,
		resource.WithAttributes(attrs...),
		resource.WithProcessRuntimeName(),
		resource.WithProcessRuntimeVersion(),
		resource.WithHost(),
	)
}

func buildReader(ctx context.Context, cfg Config) (sdkmetric.Reader, error) {
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(stripScheme(cfg.OTLPEndpoint))}
	if cfg.OTLPInsecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}
	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval)), nil
}

// latencyView pins explicit millisecond buckets on one reactor histogram.
type latencyView struct {
	instrument string
	buckets    []float64
}

var latencyViews = []latencyView{
	{instrument: "reactor.handler.duration", buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 1000}},
	{instrument: "reactor.queue.wait", buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 50, 100, 500}},
	{instrument: "reactor.journal.duration", buckets: []float64{0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 2000}},
	{instrument: "reactor.transport.ping.latency", buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000}},
}

func (v latencyView) build() sdkmetric.View {
	return sdkmetric.NewView(
		sdkmetric.Instrument{Name: v.instrument, Kind: sdkmetric.InstrumentKindHistogram},
		sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: v.buckets}},
	)
}

// stripScheme trims an http(s) scheme; the OTLP HTTP exporter wants host:port.
func stripScheme(endpoint string) string {
	for _, scheme := range []string{"http://", "https://"} {
		endpoint = strings.TrimPrefix(endpoint, scheme)
	}
	return endpoint
}

// envOr returns the first non-blank variable among keys, or fallback.
func envOr(fallback string, keys ...string) string {
	for _, key := range keys {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return value
		}
	}
	return fallback
}

func envFalse(key string) bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv(key)), "false")
}
