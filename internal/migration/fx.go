package migration

import (
	"github.com/smallbiznis/licensegate/internal/config"
	customerdomain "github.com/smallbiznis/licensegate/internal/customer/domain"
	integritydomain "github.com/smallbiznis/licensegate/internal/integrity/domain"
	invoicedomain "github.com/smallbiznis/licensegate/internal/invoice/domain"
	reportdomain "github.com/smallbiznis/licensegate/internal/reportimport/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		return Migrate(conn, cfg.DBType, log)
	}),
)

// AdminModels are the tables owned by the admin store.
func AdminModels() []any {
	return []any{
		&customerdomain.Customer{},
		&reportdomain.ImportedReport{},
		&reportdomain.ImportedRecord{},
		&integritydomain.IntegrityCheck{},
		&invoicedomain.Invoice{},
	}
}

// Migrate brings the admin schema up to date. MySQL has no embedded SQL and
// is migrated from the models.
func Migrate(conn *gorm.DB, dbType string, log *zap.Logger) error {
	dialect := dbType
	if dialect == "" || dialect == "sqlite" {
		dialect = "sqlite3"
	}

	if dialect == "mysql" {
		log.Info("migrating admin schema from models", zap.String("dialect", dialect))
		return conn.AutoMigrate(AdminModels()...)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	if err := RunMigrations(sqlDB, dialect); err != nil {
		return err
	}
	log.Info("admin schema migrated", zap.String("dialect", dialect))
	return nil
}
