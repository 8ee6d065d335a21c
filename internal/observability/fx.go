package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/usagesvc/internal/observability/logger"
	"github.com/smallbiznis/usagesvc/internal/observability/metrics"
	"github.com/smallbiznis/usagesvc/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides the zap logger, the tracer and meter providers, the OTLP
// business instruments and the Prometheus pipeline collectors.
var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		splitConfig,
		logger.New,
		tracing.NewProvider,
		metrics.NewProvider,
		metrics.New,
		newPipeline,
	),
	fx.Invoke(announce),
)

type componentConfigs struct {
	fx.Out

	Logger  logger.Config
	Tracing tracing.Config
	Metrics metrics.Config
}

// splitConfig hands each provider its own view of the shared settings.
func splitConfig(cfg Config) componentConfigs {
	return componentConfigs{
		Logger: logger.Config{
			ServiceName:         cfg.ServiceName,
			Environment:         cfg.Environment,
			Version:             cfg.Version,
			Level:               cfg.LogLevel,
			Format:              cfg.LogFormat,
			Debug:               cfg.UsageDebug,
			IncludeCaller:       true,
			IncludeStackOnError: cfg.Debug(),
		},
		Tracing: tracing.Config{
			Enabled:          cfg.OtelEnabled,
			ServiceName:      cfg.ServiceName,
			ServiceVersion:   cfg.Version,
			Environment:      cfg.Environment,
			ExporterEndpoint: cfg.OtelExporterEndpoint,
			ExporterProtocol: cfg.OtelExporterProtocol,
			SamplingRatio:    cfg.OtelSamplingRatio,
		},
		Metrics: metrics.Config{
			Enabled:          cfg.OtelEnabled,
			ExporterEndpoint: cfg.OtelExporterEndpoint,
			ExporterProtocol: cfg.OtelExporterProtocol,
			ServiceName:      cfg.ServiceName,
			Environment:      cfg.Environment,
		},
	}
}

func newPipeline(cfg metrics.Config) *metrics.Pipeline {
	return metrics.NewPipeline(prometheus.DefaultRegisterer, cfg)
}

// announce forces the tracer provider to be built even when no handler asks
// for it, and records the effective telemetry settings once.
func announce(cfg Config, _ *sdktrace.TracerProvider, log *zap.Logger) {
	log.Named("observability").Info("telemetry configured",
		zap.String("log_level", cfg.LogLevel),
		zap.Bool("debug", cfg.Debug()),
		zap.Bool("otel_enabled", cfg.OtelEnabled),
		zap.Float64("sampling_ratio", cfg.OtelSamplingRatio),
	)
}
