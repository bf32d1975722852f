package store

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/shehryarbajwa/labforge/pkg/models"
)

// Migrations returns the ordered schema migrations.
func Migrations() []*gormigrate.Migration {
	return []*gormigrate.Migration{
		{
			ID: "20251020_create_lab_sessions_table",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&models.LabSession{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("lab_sessions")
			},
		},
		{
			// Partial unique indexes enforce pool exclusivity and one open
			// session per scope at write time. Both postgres and sqlite
			// support the WHERE clause.
			ID: "20251020_open_session_unique_indexes",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_lab_sessions_open_account
					ON lab_sessions (account_id) WHERE status IN ('PENDING', 'ACTIVE')`).Error; err != nil {
					return err
				}
				return tx.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_lab_sessions_open_scope
					ON lab_sessions (scope_key) WHERE status IN ('PENDING', 'ACTIVE')`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				if err := tx.Exec(`DROP INDEX IF EXISTS ux_lab_sessions_open_scope`).Error; err != nil {
					return err
				}
				return tx.Exec(`DROP INDEX IF EXISTS ux_lab_sessions_open_account`).Error
			},
		},
	}
}

// Migrate applies every pending migration.
func Migrate(db *gorm.DB) error {
	return gormigrate.New(db, gormigrate.DefaultOptions, Migrations()).Migrate()
}
