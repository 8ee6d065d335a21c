package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Module provides the process configuration.
var Module = fx.Module("config",
	fx.Provide(Load),
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	MigrateOnStart    bool

	// InternalKey guards the ingestion API. Empty disables the check.
	InternalKey string

	Telemetry TelemetryConfig
	Usage     UsageConfig
	Pricing   PricingConfig
	RateLimit RateLimitConfig
}

// TelemetryConfig covers logging and OpenTelemetry export.
type TelemetryConfig struct {
	LogLevel  string
	LogFormat string

	OtelEnabled       bool
	OTLPEndpoint      string
	OTLPProtocol      string
	OtelSamplingRatio float64
}

// UsageConfig tunes the ingestion pipeline.
type UsageConfig struct {
	WriteRawEvents         bool
	Debug                  bool
	CostCalculationVersion string
	TrackedCurrency        string
	FXTTL                  time.Duration
	FXRefreshCron          string
	DispatchWorkers        int
	DispatchQueueSize      int
	TxMaxAttempts          int
}

// PricingConfig points at an optional pricing override file.
type PricingConfig struct {
	File  string
	Watch bool
}

// RateLimitConfig configures the optional per-user ingest limiter.
type RateLimitConfig struct {
	Enabled       bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	UserRate      float64
	UserBurst     int
}

const (
	DefaultCostCalculationVersion = "pricing_v1.2"
	DefaultTrackedCurrency        = "TRY"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "usagesvc"),
		AppVersion:  getenv("SERVICE_VERSION", getenv("APP_VERSION", "0.1.0")),
		Environment: getenv("DEPLOYMENT_ENV", getenv("ENVIRONMENT", "development")),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "usage"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		MigrateOnStart:    getenvBool("MIGRATE_ON_START", true),

		InternalKey: strings.TrimSpace(getenv("USAGE_SERVICE_INTERNAL_KEY", "")),

		Telemetry: TelemetryConfig{
			LogLevel:          strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
			LogFormat:         strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
			OtelEnabled:       getenvBool("OTEL_ENABLED", false),
			OTLPEndpoint:      strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", getenv("OTLP_ENDPOINT", "localhost:4317"))),
			OTLPProtocol:      strings.ToLower(strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")))),
			OtelSamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		},
		Usage: UsageConfig{
			WriteRawEvents:         getenvBool("WRITE_RAW_EVENTS", false),
			Debug:                  getenvBool("USAGE_TRACKING_DEBUG", false),
			CostCalculationVersion: getenv("COST_CALCULATION_VERSION", DefaultCostCalculationVersion),
			TrackedCurrency:        strings.ToUpper(getenv("USAGE_TRACKED_CURRENCY", DefaultTrackedCurrency)),
			FXTTL:                  getenvDuration("FX_TTL", 24*time.Hour),
			FXRefreshCron:          strings.TrimSpace(getenv("FX_REFRESH_CRON", "")),
			DispatchWorkers:        getenvInt("DISPATCH_WORKERS", 4),
			DispatchQueueSize:      getenvInt("DISPATCH_QUEUE_SIZE", 1024),
			TxMaxAttempts:          getenvInt("STORE_TX_MAX_ATTEMPTS", 5),
		},
		Pricing: PricingConfig{
			File:  strings.TrimSpace(getenv("PRICING_FILE", "")),
			Watch: getenvBool("PRICING_WATCH", false),
		},
		RateLimit: RateLimitConfig{
			Enabled:       getenvBool("RATE_LIMIT_ENABLED", false),
			RedisAddr:     strings.TrimSpace(getenv("RATE_LIMIT_REDIS_ADDR", "localhost:6379")),
			RedisPassword: getenv("RATE_LIMIT_REDIS_PASSWORD", ""),
			RedisDB:       getenvInt("RATE_LIMIT_REDIS_DB", 0),
			UserRate:      getenvFloat("RATE_LIMIT_USER_RATE", 20),
			UserBurst:     getenvInt("RATE_LIMIT_USER_BURST", 40),
		},
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

// getenvDuration accepts Go durations ("36h") or a bare number of hours.
func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if hours, err := strconv.Atoi(value); err == nil && hours > 0 {
		return time.Duration(hours) * time.Hour
	}
	return def
}
