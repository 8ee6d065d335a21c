package repository

import (
	usagedomain "github.com/smallbiznis/usagesvc/internal/usage/domain"
	"gorm.io/gorm"
)

// AutoMigrate creates the usage tables from the models. Production schemas
// come from internal/migration; this serves tests and sqlite.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&usagedomain.RequestDedup{}, &usagedomain.UsageEventRecord{}); err != nil {
		return err
	}
	for _, period := range []usagedomain.Period{usagedomain.PeriodDaily, usagedomain.PeriodMonthly} {
		if err := db.Table(period.Table()).AutoMigrate(&usagedomain.Aggregate{}); err != nil {
			return err
		}
		if err := db.Table(period.ActionsTable()).AutoMigrate(&usagedomain.AggregateAction{}); err != nil {
			return err
		}
	}
	return nil
}
