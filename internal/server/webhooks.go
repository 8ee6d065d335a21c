package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/usagesvc/internal/observability/logger"
	"github.com/smallbiznis/usagesvc/internal/usage/revenuecat"
	"go.uber.org/zap"
)

// HandleRevenueCatWebhook records a subscription event as a zero-token usage
// event so its plan snapshot lands on the user's aggregates. Redeliveries
// are absorbed by the request id derived from the RevenueCat event id.
func (s *Server) HandleRevenueCatWebhook(c *gin.Context) {
	var hook revenuecat.Webhook
	if err := c.ShouldBindJSON(&hook); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := c.Request.Context()
	eventType, _ := hook.Event["type"].(string)
	s.obsMetrics.RecordWebhookEvent(ctx, revenuecat.Provider, strings.ToLower(strings.TrimSpace(eventType)))

	event, err := revenuecat.ToUsageEvent(hook, s.clock.Now())
	if err != nil {
		logger.FromContext(ctx).Warn("revenuecat webhook rejected", zap.Error(err))
		AbortWithError(c, err)
		return
	}

	result, err := s.usagesvc.Ingest(ctx, event)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, ingestResponse{
		OK:        true,
		Deduped:   result.Deduped(),
		RequestID: result.RequestID,
		EventID:   result.EventID,
	})
}
