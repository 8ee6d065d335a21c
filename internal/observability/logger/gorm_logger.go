package logger

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	gormlogger "gorm.io/gorm/logger"
)

// GormLoggerConfig configures the GORM zap logger.
type GormLoggerConfig struct {
	Level         gormlogger.LogLevel
	SlowThreshold time.Duration

	// Retryable marks statement errors the caller retries on its own.
	// They are logged at warn instead of error.
	Retryable func(error) bool
}

// DefaultGormLoggerConfig returns production-safe defaults.
func DefaultGormLoggerConfig() GormLoggerConfig {
	return GormLoggerConfig{
		Level:         gormlogger.Warn,
		SlowThreshold: 200 * time.Millisecond,
	}
}

// GormLogger writes GORM output through zap. Bound parameters are never
// logged since they carry user ids.
type GormLogger struct {
	base      *zap.Logger
	level     gormlogger.LogLevel
	slow      time.Duration
	retryable func(error) bool
}

func NewGormLogger(base *zap.Logger, cfg GormLoggerConfig) *GormLogger {
	if base == nil {
		base = zap.NewNop()
	}
	return &GormLogger{
		base:      base.Named("gorm"),
		level:     cfg.Level,
		slow:      cfg.SlowThreshold,
		retryable: cfg.Retryable,
	}
}

func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Info, zapcore.InfoLevel, msg, data)
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Warn, zapcore.WarnLevel, msg, data)
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Error, zapcore.ErrorLevel, msg, data)
}

func (l *GormLogger) message(ctx context.Context, threshold gormlogger.LogLevel, level zapcore.Level, msg string, data []interface{}) {
	if l.level < threshold {
		return
	}
	var fields []zap.Field
	if len(data) > 0 {
		fields = append(fields, zap.Any("data", data))
	}
	if ce := WithContext(ctx, l.base).Check(level, msg); ce != nil {
		ce.Write(fields...)
	}
}

// Trace logs failed and slow statements. Every statement is logged at
// debug when the level is Info.
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	switch {
	case err != nil && errors.Is(err, gormlogger.ErrRecordNotFound):
		// Missing aggregates are an expected read outcome.
		if l.level >= gormlogger.Info {
			l.logStatement(ctx, fc, elapsed, nil, zapcore.DebugLevel)
		}
	case err != nil && l.level >= gormlogger.Error:
		level := zapcore.ErrorLevel
		if l.retryable != nil && l.retryable(err) {
			level = zapcore.WarnLevel
		}
		l.logStatement(ctx, fc, elapsed, err, level)
	case l.slow > 0 && elapsed > l.slow && l.level >= gormlogger.Warn:
		l.logStatement(ctx, fc, elapsed, nil, zapcore.WarnLevel)
	case l.level >= gormlogger.Info:
		l.logStatement(ctx, fc, elapsed, nil, zapcore.DebugLevel)
	}
}

func (l *GormLogger) ParamsFilter(_ context.Context, sql string, _ ...interface{}) (string, []interface{}) {
	return sql, nil
}

func (l *GormLogger) logStatement(ctx context.Context, fc func() (string, int64), elapsed time.Duration, err error, level zapcore.Level) {
	ce := WithContext(ctx, l.base).Check(level, "gorm.query")
	if ce == nil {
		return
	}

	sql, rows := fc()
	operation, table := describeStatement(sql)
	fields := []zap.Field{
		zap.String("sql", strings.TrimSpace(sql)),
		zap.String("operation", operation),
		zap.String("table", table),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
	}
	if rows >= 0 {
		fields = append(fields, zap.Int64("rows_affected", rows))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	ce.Write(fields...)
}

// describeStatement returns the statement verb and the first table it names.
func describeStatement(sql string) (string, string) {
	tokens := strings.Fields(strings.ToUpper(sql))
	raw := strings.Fields(sql)

	operation, table := "UNKNOWN", ""
	for i, token := range tokens {
		token = strings.Trim(token, "();")
		switch token {
		case "SELECT", "INSERT", "UPDATE", "DELETE":
			if operation == "UNKNOWN" {
				operation = token
			}
			if token == "UPDATE" && table == "" && i+1 < len(raw) {
				table = cleanTableName(raw[i+1])
			}
		case "FROM", "INTO":
			if table == "" && i+1 < len(raw) {
				table = cleanTableName(raw[i+1])
			}
		}
		if operation != "UNKNOWN" && table != "" {
			break
		}
	}
	return operation, table
}

func cleanTableName(token string) string {
	return strings.Trim(token, "\"`();")
}

var _ gormlogger.Interface = (*GormLogger)(nil)
