package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/enrollment"
	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/gradebook"
	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/links"
	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/platform"
	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/resources"
	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// Migrate ensures the schema for every persisted entity, then applies named
// data migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(
		&platform.Registration{},
		&platform.Deployment{},
		&links.Context{},
		&links.ResourceLink{},
		&resources.Resource{},
		&users.Account{},
		&users.LtiUser{},
		&enrollment.Enrolment{},
		&enrollment.RoleAssignment{},
		&gradebook.Grade{},
		&migrationRecord{},
	); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
