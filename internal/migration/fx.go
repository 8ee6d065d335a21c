package migration

import (
	"github.com/smallbiznis/usagesvc/internal/config"
	"github.com/smallbiznis/usagesvc/internal/usage/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		log = log.Named("migration")
		if !cfg.MigrateOnStart {
			log.Info("migrations skipped")
			return nil
		}

		// Versioned migrations target postgres; other dialects build the
		// schema from the models.
		if cfg.DBType != "postgres" {
			return repository.AutoMigrate(conn)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB, log)
	}),
)
