package domain

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// LockMetadata is stored alongside a dedup lock. It never decides ownership.
type LockMetadata struct {
	UserID    string
	Endpoint  string
	CreatedAt time.Time
}

// DedupLocker claims a requestId exactly once.
type DedupLocker interface {
	Acquire(ctx context.Context, tx *gorm.DB, requestID string, meta LockMetadata) (bool, error)
}

// AggregateDelta is what one event adds to a user's counters.
type AggregateDelta struct {
	UserID          string
	Action          string
	InputTokens     int64
	OutputTokens    int64
	CostUSD         float64
	CostLocal       float64
	Unpriced        bool
	TrackedCurrency string
	EventAt         int64
	UpdatedAt       time.Time
	PlanSnapshot    datatypes.JSON
}

type AggregateRepository interface {
	// Apply adds delta to the period row for periodKey, creating it if needed.
	Apply(ctx context.Context, tx *gorm.DB, period Period, periodKey string, delta AggregateDelta) error
	Get(ctx context.Context, db *gorm.DB, period Period, userID, periodKey string) (AggregateView, error)
}

type EventLogRepository interface {
	Upsert(ctx context.Context, db *gorm.DB, record UsageEventRecord) error
}
