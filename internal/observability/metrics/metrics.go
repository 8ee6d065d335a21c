package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gosimple/slug"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes business-level instruments exported over OTLP.
type Metrics struct {
	usageIngest      metric.Int64Counter
	webhookEvents    metric.Int64Counter
	rateLimitAllowed metric.Int64Counter
	rateLimitDenied  metric.Int64Counter
	costUSD          metric.Float64Counter
}

// NewProvider registers the global meter provider. Disabled export yields a
// no-op provider so instruments stay valid.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}
	if log == nil {
		log = zap.NewNop()
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, err
	}
	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(exportInterval))),
	)
	otel.SetMeterProvider(provider)
	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				log.Info("flushing usage metrics")
				return provider.Shutdown(ctx)
			},
		})
	}

	log.Info("usage metrics export enabled",
		zap.String("endpoint", cfg.ExporterEndpoint),
		zap.String("protocol", cfg.ExporterProtocol),
		zap.Duration("interval", exportInterval),
	)
	return provider, nil
}

const exportInterval = 10 * time.Second

// New creates the usage instruments on the service's meter.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "usagesvc"
	}
	meter := provider.Meter(name)

	m := &Metrics{}
	counters := []struct {
		target *metric.Int64Counter
		name   string
		desc   string
	}{
		{&m.usageIngest, "usagesvc_usage_ingest_total", "Usage events accepted, by action and outcome."},
		{&m.webhookEvents, "usagesvc_webhook_events_total", "Inbound webhook deliveries, by provider and type."},
		{&m.rateLimitAllowed, "usagesvc_rate_limit_allowed_total", "Ingest requests admitted by the rate limiter."},
		{&m.rateLimitDenied, "usagesvc_rate_limit_denied_total", "Ingest requests rejected by the rate limiter."},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", c.name, err)
		}
		*c.target = counter
	}

	costUSD, err := meter.Float64Counter("usagesvc_usage_cost_usd_total",
		metric.WithDescription("Cost of applied usage events in USD."),
		metric.WithUnit("USD"),
	)
	if err != nil {
		return nil, fmt.Errorf("create usagesvc_usage_cost_usd_total: %w", err)
	}
	m.costUSD = costUSD
	return m, nil
}

// RecordUsageIngest counts an ingested event by outcome (applied, deduped).
func (m *Metrics) RecordUsageIngest(ctx context.Context, action, outcome string, costUSD float64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("action", actionLabel(action)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.usageIngest.Add(ctx, 1, metric.WithAttributes(attrs...))
	if costUSD > 0 && outcome == "applied" {
		m.costUSD.Add(ctx, costUSD, metric.WithAttributes(attrs...))
	}
}

// actionLabel folds caller-chosen action names into a stable label value.
func actionLabel(action string) string {
	label := slug.Make(action)
	if label == "" {
		return "unknown"
	}
	return label
}

// RecordWebhookEvent counts inbound webhook deliveries.
func (m *Metrics) RecordWebhookEvent(ctx context.Context, provider, eventType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
	)
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitAllowed increments rate limit allow counts.
func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("endpoint", strings.TrimSpace(endpoint)))
	m.rateLimitAllowed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitDenied increments rate limit deny counts.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

// Per-user and per-request identifiers are never labels.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"action":     {},
	"outcome":    {},
	"endpoint":   {},
	"provider":   {},
	"event_type": {},
	"reason":     {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
