package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/usagesvc/internal/observability/context"
	"github.com/smallbiznis/usagesvc/internal/observability/logger"
	usagedomain "github.com/smallbiznis/usagesvc/internal/usage/domain"
	"go.uber.org/zap"
)

type ingestResponse struct {
	OK        bool   `json:"ok"`
	Deduped   bool   `json:"deduped"`
	Queued    bool   `json:"queued,omitempty"`
	RequestID string `json:"requestId"`
	EventID   string `json:"eventId"`
}

func (s *Server) IngestUsage(c *gin.Context) {
	event, ok := s.bindUsageEvent(c)
	if !ok {
		return
	}

	result, err := s.usagesvc.Ingest(c.Request.Context(), event)
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

// IngestUsageAsync validates the event and hands it to the dispatcher. The
// aggregate update happens after the response is written.
func (s *Server) IngestUsageAsync(c *gin.Context) {
	event, ok := s.bindUsageEvent(c)
	if !ok {
		return
	}
	if err := event.Validate(); err != nil {
		AbortWithError(c, err)
		return
	}
	if s.dispatcher == nil || !s.dispatcher.Enqueue(c.Request.Context(), event) {
		c.Header("Retry-After", "1")
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	c.JSON(http.StatusAccepted, ingestResponse{
		OK:        true,
		Queued:    true,
		RequestID: event.RequestID,
		EventID:   event.ResolvedEventID(),
	})
}

func (s *Server) bindUsageEvent(c *gin.Context) (usagedomain.UsageEvent, bool) {
	var event usagedomain.UsageEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		AbortWithError(c, invalidRequestError())
		return event, false
	}
	if userID := strings.TrimSpace(event.UserID); userID != "" {
		c.Set("user_id", userID)
		c.Request = c.Request.WithContext(obscontext.WithUserID(c.Request.Context(), userID))
	}
	if s.cfg.Usage.Debug {
		logger.FromContext(c.Request.Context()).Debug("usage event received",
			zap.String("usage_request_id", event.RequestID),
			zap.String("action", event.Action),
			zap.String("model", event.Model),
			zap.Any("raw_usage", event.RawUsage),
		)
	}
	return event, true
}

func (s *Server) GetDailyUsage(c *gin.Context) {
	s.getUsage(c, usagedomain.PeriodDaily, c.Param("day"))
}

func (s *Server) GetMonthlyUsage(c *gin.Context) {
	s.getUsage(c, usagedomain.PeriodMonthly, c.Param("month"))
}

func (s *Server) getUsage(c *gin.Context, period usagedomain.Period, periodKey string) {
	view, err := s.usagesvc.GetAggregate(c.Request.Context(), period, strings.TrimSpace(c.Param("userId")), strings.TrimSpace(periodKey))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, view)
}
