package logger

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/usagesvc/internal/observability/context"
	"github.com/smallbiznis/usagesvc/pkg/telemetry/correlation"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedEngine(t *testing.T) (*gin.Engine, *observer.ObservedLogs, *[2]string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.DebugLevel)

	var seen [2]string
	r := gin.New()
	r.Use(GinMiddleware(zap.New(core), MiddlewareConfig{}))
	r.POST("/v1/usage/events", func(c *gin.Context) {
		seen[0] = obscontext.RequestIDFromContext(c.Request.Context())
		seen[1] = correlation.ExtractCorrelationID(c.Request.Context())
		c.Status(http.StatusOK)
	})
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r, logs, &seen
}

func TestGinMiddlewareHonorsIncomingIDs(t *testing.T) {
	r, logs, seen := newObservedEngine(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/usage/events", nil)
	req.Header.Set(HeaderRequestID, "req-1")
	req.Header.Set(HeaderCorrelationID, "corr-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "req-1", w.Header().Get(HeaderRequestID))
	assert.Equal(t, "corr-1", w.Header().Get(HeaderCorrelationID))
	assert.Equal(t, [2]string{"req-1", "corr-1"}, *seen)

	entries := logs.FilterMessage("http_request").All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "req-1", fields["request_id"])
		assert.Equal(t, "corr-1", fields["correlation_id"])
		assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	}
}

func TestGinMiddlewareGeneratesIDs(t *testing.T) {
	r, _, seen := newObservedEngine(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/usage/events", nil))

	assert.NotEmpty(t, w.Header().Get(HeaderRequestID))
	assert.Len(t, w.Header().Get(HeaderCorrelationID), 26)
	assert.Equal(t, w.Header().Get(HeaderCorrelationID), seen[1])
}

func TestGinMiddlewareLogsProbesAtDebug(t *testing.T) {
	r, logs, _ := newObservedEngine(t)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	entries := logs.FilterMessage("http_request").All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	}
}

func TestRequestLevel(t *testing.T) {
	assert.Equal(t, zapcore.ErrorLevel, requestLevel("/health", http.StatusServiceUnavailable, ""))
	assert.Equal(t, zapcore.DebugLevel, requestLevel("/metrics", http.StatusOK, ""))
	assert.Equal(t, zapcore.DebugLevel, requestLevel("/v1/usage/events", http.StatusBadRequest, "validation_error"))
	assert.Equal(t, zapcore.InfoLevel, requestLevel("/v1/usage/events", http.StatusTooManyRequests, "rate_limited"))
	assert.Equal(t, zapcore.InfoLevel, requestLevel("/v1/webhooks/revenuecat", http.StatusBadRequest, "validation_error"))
}
