package logger

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	obscontext "github.com/smallbiznis/usagesvc/internal/observability/context"
	"github.com/smallbiznis/usagesvc/pkg/telemetry/correlation"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	HeaderRequestID     = "X-Request-Id"
	HeaderCorrelationID = "X-Correlation-Id"

	headerRateLimitReason = "X-Rate-Limited-Reason"
	usageIngestPrefix     = "/v1/usage/events"
)

// MiddlewareConfig controls request logging behavior.
type MiddlewareConfig struct {
	Debug bool
	// ErrorClassifier maps a handler error to its response type and code.
	ErrorClassifier func(err error) (string, string)
}

// GinMiddleware stamps request and correlation ids on the request context and
// the response, then writes one http_request line per request.
func GinMiddleware(base *zap.Logger, cfg MiddlewareConfig) gin.HandlerFunc {
	if base == nil {
		base = zap.NewNop()
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Request = c.Request.WithContext(identify(c))

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Int64("bytes_in", max(c.Request.ContentLength, 0)),
			zap.Int("bytes_out", max(c.Writer.Size(), 0)),
		}
		if reason := c.Writer.Header().Get(headerRateLimitReason); reason != "" {
			fields = append(fields, zap.String("rate_limit_reason", reason))
		}

		var errorType string
		if last := c.Errors.Last(); last != nil {
			var errorCode string
			if cfg.ErrorClassifier != nil {
				errorType, errorCode = cfg.ErrorClassifier(last.Err)
			}
			fields = append(fields, zap.String("error_type", errorType), zap.String("error_code", errorCode))
			if cfg.Debug {
				fields = append(fields, zap.Error(last.Err))
			}
		}

		log := WithContext(c.Request.Context(), base)
		if ce := log.Check(requestLevel(route, status, errorType), "http_request"); ce != nil {
			ce.Write(fields...)
		}
	}
}

// identify returns the request context carrying the request id and the
// correlation id. Incoming header values win over generated ones.
func identify(c *gin.Context) context.Context {
	requestID := strings.TrimSpace(c.GetHeader(HeaderRequestID))
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set("request_id", requestID)
	c.Header(HeaderRequestID, requestID)

	ctx := obscontext.WithRequestID(c.Request.Context(), requestID)
	ctx = correlation.ContextWithCorrelationID(ctx, strings.TrimSpace(c.GetHeader(HeaderCorrelationID)))
	ctx, correlationID := correlation.EnsureCorrelationID(ctx)
	c.Header(HeaderCorrelationID, correlationID)
	return ctx
}

// requestLevel keeps probes and rejected ingest payloads out of info logs.
// Server errors are always logged at error.
func requestLevel(route string, status int, errorType string) zapcore.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return zapcore.ErrorLevel
	case route == "/health" || route == "/metrics":
		return zapcore.DebugLevel
	case strings.HasPrefix(route, usageIngestPrefix) && status >= http.StatusBadRequest && errorType == "validation_error":
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}
