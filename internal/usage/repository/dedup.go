package repository

import (
	"context"

	usagedomain "github.com/smallbiznis/usagesvc/internal/usage/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DedupLock is a create-once row per requestId. Rows are never updated or
// expired.
type DedupLock struct{}

func ProvideDedupLock() usagedomain.DedupLocker {
	return &DedupLock{}
}

// Acquire inserts the lock row unless it exists. Only the caller whose insert
// affected a row owns the requestId. The id is compared byte for byte.
func (l *DedupLock) Acquire(ctx context.Context, tx *gorm.DB, requestID string, meta usagedomain.LockMetadata) (bool, error) {
	row := usagedomain.RequestDedup{
		RequestID: requestID,
		UserID:    meta.UserID,
		Endpoint:  meta.Endpoint,
		CreatedAt: meta.CreatedAt.UTC(),
	}
	result := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "request_id"}},
			DoNothing: true,
		}).
		Create(&row)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
