package observability

import (
	"strings"

	"github.com/smallbiznis/usagesvc/internal/config"
)

// Config is the slice of process configuration the logging, tracing and
// metrics providers share.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64

	UsageDebug bool
}

func LoadConfig(cfg config.Config) Config {
	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = "usagesvc"
	}
	logFormat := cfg.Telemetry.LogFormat
	if logFormat == "" {
		logFormat = "json"
	}
	protocol := cfg.Telemetry.OTLPProtocol
	if protocol == "" {
		protocol = "grpc"
	}

	return Config{
		ServiceName:          serviceName,
		Environment:          strings.TrimSpace(cfg.Environment),
		Version:              strings.TrimSpace(cfg.AppVersion),
		LogLevel:             cfg.Telemetry.LogLevel,
		LogFormat:            logFormat,
		OtelEnabled:          cfg.Telemetry.OtelEnabled,
		OtelExporterEndpoint: cfg.Telemetry.OTLPEndpoint,
		OtelExporterProtocol: protocol,
		OtelSamplingRatio:    cfg.Telemetry.OtelSamplingRatio,
		UsageDebug:           cfg.Usage.Debug,
	}
}

// Debug reports whether verbose request logging is on. Development
// environments always are.
func (c Config) Debug() bool {
	if strings.EqualFold(strings.TrimSpace(c.LogLevel), "debug") || c.UsageDebug {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}
