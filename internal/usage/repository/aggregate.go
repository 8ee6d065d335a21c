package repository

import (
	"context"
	"errors"

	usagedomain "github.com/smallbiznis/usagesvc/internal/usage/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type aggregateRepo struct{}

func ProvideAggregates() usagedomain.AggregateRepository {
	return &aggregateRepo{}
}

// Apply upserts the period row and its action breakdown. Every counter is
// written as table.col + delta so concurrent applies commute.
func (r *aggregateRepo) Apply(ctx context.Context, tx *gorm.DB, period usagedomain.Period, periodKey string, d usagedomain.AggregateDelta) error {
	id := usagedomain.AggregateID(d.UserID, periodKey)
	table := period.Table()

	var unpriced int64
	if d.Unpriced {
		unpriced = 1
	}

	row := usagedomain.Aggregate{
		ID:                id,
		UserID:            d.UserID,
		PeriodKey:         periodKey,
		TotalInputTokens:  d.InputTokens,
		TotalOutputTokens: d.OutputTokens,
		TotalCostUSD:      d.CostUSD,
		TotalCostLocal:    d.CostLocal,
		TotalEvents:       1,
		UnpricedEvents:    unpriced,
		TrackedCurrency:   d.TrackedCurrency,
		LastEventAt:       d.EventAt,
		UpdatedAt:         d.UpdatedAt,
		PlanSnapshot:      d.PlanSnapshot,
	}
	updates := map[string]any{
		"total_input_tokens":  increment(table, "total_input_tokens", d.InputTokens),
		"total_output_tokens": increment(table, "total_output_tokens", d.OutputTokens),
		"total_cost_usd":      increment(table, "total_cost_usd", d.CostUSD),
		"total_cost_local":    increment(table, "total_cost_local", d.CostLocal),
		"total_events":        increment(table, "total_events", 1),
		"unpriced_events":     increment(table, "unpriced_events", unpriced),
		"last_event_at":       greatest(table, "last_event_at", d.EventAt),
		"tracked_currency":    d.TrackedCurrency,
		"updated_at":          d.UpdatedAt,
	}
	if len(d.PlanSnapshot) > 0 {
		updates["plan_snapshot"] = d.PlanSnapshot
	}

	err := tx.WithContext(ctx).
		Table(table).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.Assignments(updates),
		}).
		Create(&row).Error
	if err != nil {
		return err
	}

	if d.Action == "" {
		return nil
	}
	actionsTable := period.ActionsTable()
	action := usagedomain.AggregateAction{
		AggregateID: id,
		Action:      d.Action,
		TokensIn:    d.InputTokens,
		TokensOut:   d.OutputTokens,
		CostUSD:     d.CostUSD,
		CostLocal:   d.CostLocal,
		Events:      1,
	}
	return tx.WithContext(ctx).
		Table(actionsTable).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "aggregate_id"}, {Name: "action"}},
			DoUpdates: clause.Assignments(map[string]any{
				"tokens_in":  increment(actionsTable, "tokens_in", d.InputTokens),
				"tokens_out": increment(actionsTable, "tokens_out", d.OutputTokens),
				"cost_usd":   increment(actionsTable, "cost_usd", d.CostUSD),
				"cost_local": increment(actionsTable, "cost_local", d.CostLocal),
				"events":     increment(actionsTable, "events", 1),
			}),
		}).
		Create(&action).Error
}

func (r *aggregateRepo) Get(ctx context.Context, db *gorm.DB, period usagedomain.Period, userID, periodKey string) (usagedomain.AggregateView, error) {
	id := usagedomain.AggregateID(userID, periodKey)

	var row usagedomain.Aggregate
	err := db.WithContext(ctx).Table(period.Table()).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return usagedomain.AggregateView{}, usagedomain.ErrAggregateMissing
	}
	if err != nil {
		return usagedomain.AggregateView{}, err
	}

	var actions []usagedomain.AggregateAction
	if err := db.WithContext(ctx).
		Table(period.ActionsTable()).
		Where("aggregate_id = ?", id).
		Order("action ASC").
		Find(&actions).Error; err != nil {
		return usagedomain.AggregateView{}, err
	}

	view := usagedomain.AggregateView{Aggregate: row, Actions: make(map[string]usagedomain.AggregateAction, len(actions))}
	for _, a := range actions {
		view.Actions[a.Action] = a
	}
	return view, nil
}

// increment renders table.column + delta. The qualified reference reads the
// existing row on every supported dialect.
func increment(table, column string, delta any) clause.Expr {
	return gorm.Expr(table+"."+column+" + ?", delta)
}

func greatest(table, column string, value int64) clause.Expr {
	ref := table + "." + column
	return gorm.Expr("CASE WHEN "+ref+" < ? THEN ? ELSE "+ref+" END", value, value)
}
