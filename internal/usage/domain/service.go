package domain

import (
	"context"
	"errors"
	"strings"
)

// IngestResult is the outcome of one synchronous ingestion.
type IngestResult struct {
	Applied   bool
	RequestID string
	EventID   string
	Event     UsageEvent
}

// Deduped reports whether the event had already been applied.
func (r IngestResult) Deduped() bool { return !r.Applied }

type Service interface {
	// Ingest enriches, validates and aggregates one event.
	Ingest(ctx context.Context, event UsageEvent) (IngestResult, error)
	// UpdateAggregates folds an already enriched event into the daily and
	// monthly counters. It returns false when requestId was seen before.
	UpdateAggregates(ctx context.Context, event UsageEvent) (bool, error)
	// LogEvent writes the raw audit copy keyed by eventId.
	LogEvent(ctx context.Context, event UsageEvent) error
	GetAggregate(ctx context.Context, period Period, userID, periodKey string) (AggregateView, error)
}

var (
	ErrInvalidRequestID = errors.New("invalid_request_id")
	ErrInvalidUserID    = errors.New("invalid_user_id")
	ErrInvalidTimestamp = errors.New("invalid_timestamp")
	ErrInvalidAction    = errors.New("invalid_action")
	ErrInvalidPeriodKey = errors.New("invalid_period_key")
	ErrAggregateMissing = errors.New("aggregate_not_found")

	// Counters only ever grow, so negative usage is rejected.
	ErrInvalidInputTokens  = errors.New("invalid_input_tokens")
	ErrInvalidOutputTokens = errors.New("invalid_output_tokens")
	ErrInvalidTotalTokens  = errors.New("invalid_total_tokens")
	ErrInvalidCostUSD      = errors.New("invalid_cost_usd")
	ErrInvalidCostTracked  = errors.New("invalid_cost_tracked")
	ErrInvalidCost         = errors.New("invalid_cost")
)

// Validate checks the required fields and that no supplied token count or
// cost is negative.
func (e UsageEvent) Validate() error {
	switch {
	case isBlank(e.RequestID):
		return ErrInvalidRequestID
	case isBlank(e.UserID):
		return ErrInvalidUserID
	case e.Timestamp <= 0:
		return ErrInvalidTimestamp
	case isBlank(e.Action):
		return ErrInvalidAction
	case isNegativeInt(e.InputTokens):
		return ErrInvalidInputTokens
	case isNegativeInt(e.OutputTokens):
		return ErrInvalidOutputTokens
	case isNegativeInt(e.TotalTokens):
		return ErrInvalidTotalTokens
	case isNegativeFloat(e.CostUSD):
		return ErrInvalidCostUSD
	case isNegativeFloat(e.CostTracked):
		return ErrInvalidCostTracked
	case e.Cost != nil && !(e.Cost.Amount >= 0):
		return ErrInvalidCost
	}
	return nil
}

func isNegativeInt(v *int64) bool {
	return v != nil && *v < 0
}

// NaN fails the comparison and counts as negative.
func isNegativeFloat(v *float64) bool {
	return v != nil && !(*v >= 0)
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
