package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationTrimServiceEndpointSlashes = "2026-06-11_trim_service_endpoint_slashes"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationTrimServiceEndpointSlashes, apply: trimServiceEndpointSlashes},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Early launches stored service endpoints exactly as claimed, including any
// trailing slash, which broke URL equality against later claims.
func trimServiceEndpointSlashes(db *gorm.DB) error {
	statements := []string{
		"UPDATE lti_resource_links SET ags_lineitems_url = rtrim(ags_lineitems_url, '/') WHERE ags_lineitems_url LIKE '%/';",
		"UPDATE lti_resource_links SET ags_lineitem_url = rtrim(ags_lineitem_url, '/') WHERE ags_lineitem_url LIKE '%/';",
		"UPDATE lti_resource_links SET nrps_memberships_url = rtrim(nrps_memberships_url, '/') WHERE nrps_memberships_url LIKE '%/';",
	}
	for _, statement := range statements {
		if err := db.Exec(statement).Error; err != nil {
			return err
		}
	}
	return nil
}
