package migration

import (
	"github.com/smallbiznis/tenancy/internal/config"
	"github.com/smallbiznis/tenancy/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		if db.IsPostgres(conn) {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			log.Info("applying postgres migrations")
			return RunMigrations(sqlDB)
		}

		if !cfg.DBAutoMigrate {
			return nil
		}
		log.Info("auto migrating schema", zap.String("dialect", conn.Dialector.Name()))
		return AutoMigrate(conn)
	}),
)
