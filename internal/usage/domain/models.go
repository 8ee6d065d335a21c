package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

const (
	TableRequestDedup   = "request_dedup"
	TableUsageEvents    = "usage_events"
	TableUsageDaily     = "usage_daily"
	TableUsageMonthly   = "usage_monthly"
	TableDailyActions   = "usage_daily_actions"
	TableMonthlyActions = "usage_monthly_actions"
)

// RequestDedup is the create-once lock row for a requestId.
type RequestDedup struct {
	RequestID string    `gorm:"column:request_id;type:varchar(255);primaryKey"`
	UserID    string    `gorm:"column:user_id;type:varchar(255);not null"`
	Endpoint  string    `gorm:"column:endpoint;type:varchar(255)"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

func (RequestDedup) TableName() string { return TableRequestDedup }

// Aggregate is one per-user counter row for a day or a month. The same
// shape backs usage_daily and usage_monthly.
type Aggregate struct {
	ID                string         `gorm:"column:id;type:varchar(255);primaryKey" json:"id"`
	UserID            string         `gorm:"column:user_id;type:varchar(255);not null" json:"userId"`
	PeriodKey         string         `gorm:"column:period_key;type:varchar(8);not null" json:"periodKey"`
	TotalInputTokens  int64          `gorm:"column:total_input_tokens;not null" json:"totalInputTokens"`
	TotalOutputTokens int64          `gorm:"column:total_output_tokens;not null" json:"totalOutputTokens"`
	TotalCostUSD      float64        `gorm:"column:total_cost_usd;not null" json:"totalCostUsd"`
	TotalCostLocal    float64        `gorm:"column:total_cost_local;not null" json:"totalCostLocal"`
	TotalEvents       int64          `gorm:"column:total_events;not null" json:"totalEvents"`
	UnpricedEvents    int64          `gorm:"column:unpriced_events;not null" json:"unpricedEvents"`
	TrackedCurrency   string         `gorm:"column:tracked_currency;type:varchar(8);not null" json:"trackedCurrency"`
	LastEventAt       int64          `gorm:"column:last_event_at;not null" json:"lastEventAt"`
	UpdatedAt         time.Time      `gorm:"column:updated_at;not null" json:"updatedAt"`
	PlanSnapshot      datatypes.JSON `gorm:"column:plan_snapshot" json:"planSnapshot,omitempty"`
}

// AggregateAction is the per-action breakdown of an Aggregate.
type AggregateAction struct {
	AggregateID string  `gorm:"column:aggregate_id;type:varchar(255);primaryKey" json:"-"`
	Action      string  `gorm:"column:action;type:varchar(255);primaryKey" json:"action"`
	TokensIn    int64   `gorm:"column:tokens_in;not null" json:"tokensIn"`
	TokensOut   int64   `gorm:"column:tokens_out;not null" json:"tokensOut"`
	CostUSD     float64 `gorm:"column:cost_usd;not null" json:"costUsd"`
	CostLocal   float64 `gorm:"column:cost_local;not null" json:"costLocal"`
	Events      int64   `gorm:"column:events;not null" json:"events"`
}

// UsageEventRecord is the optional raw audit copy of an applied event.
type UsageEventRecord struct {
	ID        snowflake.ID   `gorm:"column:id;primaryKey;autoIncrement:false"`
	EventID   string         `gorm:"column:event_id;type:varchar(255);not null;uniqueIndex"`
	RequestID string         `gorm:"column:request_id;type:varchar(255);not null"`
	UserID    string         `gorm:"column:user_id;type:varchar(255);not null;index"`
	Action    string         `gorm:"column:action;type:varchar(255);not null"`
	Payload   datatypes.JSON `gorm:"column:payload;not null"`
	LoggedAt  time.Time      `gorm:"column:logged_at;not null"`
}

func (UsageEventRecord) TableName() string { return TableUsageEvents }

// Period selects the daily or monthly aggregate family.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
)

const (
	dayLayout   = "20060102"
	monthLayout = "200601"
)

// Key formats t as the period key (YYYYMMDD or YYYYMM) in UTC.
func (p Period) Key(t time.Time) string {
	if p == PeriodMonthly {
		return t.UTC().Format(monthLayout)
	}
	return t.UTC().Format(dayLayout)
}

// ValidKey reports whether key parses as a period key.
func (p Period) ValidKey(key string) bool {
	layout := dayLayout
	if p == PeriodMonthly {
		layout = monthLayout
	}
	if len(key) != len(layout) {
		return false
	}
	_, err := time.Parse(layout, key)
	return err == nil
}

func (p Period) Table() string {
	if p == PeriodMonthly {
		return TableUsageMonthly
	}
	return TableUsageDaily
}

func (p Period) ActionsTable() string {
	if p == PeriodMonthly {
		return TableMonthlyActions
	}
	return TableDailyActions
}

// AggregateID is the row id of a user's aggregate for a period key.
func AggregateID(userID, periodKey string) string {
	return userID + "_" + periodKey
}

// AggregateView is an aggregate row with its per-action breakdown.
type AggregateView struct {
	Aggregate
	Actions map[string]AggregateAction `json:"actions"`
}
