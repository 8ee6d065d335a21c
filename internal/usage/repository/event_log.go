package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/smallbiznis/usagesvc/internal/usage/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type eventLogRepo struct {
	node *snowflake.Node
}

func ProvideEventLog(node *snowflake.Node) usagedomain.EventLogRepository {
	return &eventLogRepo{node: node}
}

// Upsert writes the record keyed by event_id. A re-logged event keeps its
// original surrogate id and refreshes the payload and logged_at.
func (r *eventLogRepo) Upsert(ctx context.Context, db *gorm.DB, record usagedomain.UsageEventRecord) error {
	if record.ID == 0 {
		record.ID = r.node.Generate()
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"request_id", "user_id", "action", "payload", "logged_at"}),
		}).
		Create(&record).Error
}
