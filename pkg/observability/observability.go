// Package observability provides the world's OpenTelemetry metrics: one RED
// (rate, errors, duration) instrument set over the action pipeline, exported
// over OTLP. The kernel never depends on this package; it plugs into the
// executor through its Metrics interface.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config configures the metrics provider.
type Config struct {
	ServiceName  string
	WorldName    string
	OTLPEndpoint string // e.g. "localhost:4317"
	Insecure     bool
	Interval     time.Duration
	Enabled      bool
}

// DefaultConfig returns development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:  "eris",
		OTLPEndpoint: "localhost:4317",
		Interval:     15 * time.Second,
		Insecure:     true,
		Enabled:      true,
	}
}

// Provider owns the meter provider and the action instruments. A disabled
// provider is a safe no-op.
type Provider struct {
	config        *Config
	meterProvider *sdkmetric.MeterProvider
	logger        *slog.Logger

	actionCounter  metric.Int64Counter
	errorCounter   metric.Int64Counter
	actionDuration metric.Float64Histogram
}

// New creates a provider and, when enabled, installs it globally.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			attribute.String("world.name", config.WorldName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint)}
	if config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(config.Interval),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)

	meter := p.meterProvider.Meter("eris.kernel")
	if err := p.initInstruments(meter); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"endpoint", config.OTLPEndpoint, "interval", config.Interval)
	return p, nil
}

func (p *Provider) initInstruments(meter metric.Meter) error {
	var err error
	p.actionCounter, err = meter.Int64Counter("eris.actions.total",
		metric.WithDescription("Actions processed through the executor"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return err
	}
	p.errorCounter, err = meter.Int64Counter("eris.actions.errors.total",
		metric.WithDescription("Actions that failed, by error kind"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}
	p.actionDuration, err = meter.Float64Histogram("eris.action.duration",
		metric.WithDescription("Action duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	return err
}

// ObserveAction implements the executor's Metrics interface.
func (p *Provider) ObserveAction(action string, ok bool, kind string, d time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("action", action))
	if p.actionCounter != nil {
		p.actionCounter.Add(ctx, 1, attrs)
	}
	if p.actionDuration != nil {
		p.actionDuration.Record(ctx, d.Seconds(), attrs)
	}
	if !ok && p.errorCounter != nil {
		p.errorCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action", action),
			attribute.String("error.kind", kind),
		))
	}
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.meterProvider == nil {
		return nil
	}
	return p.meterProvider.Shutdown(ctx)
}
