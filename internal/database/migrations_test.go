package database

import (
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/links"
)

func openMigratedDB(t *testing.T, name string) *gorm.DB {
	t.Helper()
	db, err := OpenSQLite("file:"+name+"?mode=memory&cache=shared", nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	return db
}

func TestMigrateCreatesSchema(t *testing.T) {
	db := openMigratedDB(t, "database_schema")

	for _, table := range []string{
		"lti_registrations",
		"lti_deployments",
		"lti_contexts",
		"lti_resource_links",
		"lti_resources",
		"lti_accounts",
		"lti_users",
		"lti_enrolments",
		"lti_role_assignments",
		"lti_grades",
		"db_migrations",
	} {
		if !db.Migrator().HasTable(table) {
			t.Fatalf("expected table %q to exist", table)
		}
	}
}

func TestMigrationsAreRecordedOnce(t *testing.T) {
	db := openMigratedDB(t, "database_records")

	var count int64
	if err := db.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count == 0 {
		t.Fatalf("expected applied migrations to be recorded")
	}

	// A second migrate pass must not reapply anything.
	if err := Migrate(db, nil); err != nil {
		t.Fatalf("repeat migrate failed: %v", err)
	}
	var repeat int64
	if err := db.Model(&migrationRecord{}).Count(&repeat).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if repeat != count {
		t.Fatalf("repeat migrate changed the record count: %d -> %d", count, repeat)
	}
}

func TestTrimServiceEndpointSlashesMigration(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:database_trim?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&links.ResourceLink{}, &migrationRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	link := links.ResourceLink{
		LinkKey:        "lk-1",
		DeploymentKey:  "dk-1",
		PlatformID:     "link-1",
		ResourceID:     "resource-1",
		LineitemsURL:   "https://lms.example.edu/lineitems/",
		LineitemURL:    "https://lms.example.edu/lineitems/42/",
		MembershipsURL: "https://lms.example.edu/memberships/",
	}
	if err := db.Create(&link).Error; err != nil {
		t.Fatalf("failed to seed link: %v", err)
	}

	if err := applyMigrations(db, nil); err != nil {
		t.Fatalf("migrations failed: %v", err)
	}

	var migrated links.ResourceLink
	if err := db.Where("link_key = ?", "lk-1").First(&migrated).Error; err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if migrated.LineitemsURL != "https://lms.example.edu/lineitems" {
		t.Fatalf("lineitems url not trimmed: %q", migrated.LineitemsURL)
	}
	if migrated.LineitemURL != "https://lms.example.edu/lineitems/42" {
		t.Fatalf("lineitem url not trimmed: %q", migrated.LineitemURL)
	}
	if migrated.MembershipsURL != "https://lms.example.edu/memberships" {
		t.Fatalf("memberships url not trimmed: %q", migrated.MembershipsURL)
	}
}
