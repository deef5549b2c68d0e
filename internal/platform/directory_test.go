package platform

import (
	"context"
	"errors"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T, name string) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Registration{}, &Deployment{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func seedPlatform(t *testing.T, db *gorm.DB) (Registration, Deployment) {
	t.Helper()
	registration := Registration{
		RegistrationID: "reg-1",
		Issuer:         "https://lms.example.edu",
		ClientID:       "client-1",
		AuthRequestURL: "https://lms.example.edu/auth",
		AccessTokenURL: "https://lms.example.edu/token",
		JWKSURL:        "https://lms.example.edu/jwks",
	}
	if err := db.Create(&registration).Error; err != nil {
		t.Fatalf("failed to seed registration: %v", err)
	}
	deployment := Deployment{
		DeploymentKey:  "dk-1",
		RegistrationID: registration.RegistrationID,
		DeploymentID:   "dep-1",
	}
	if err := db.Create(&deployment).Error; err != nil {
		t.Fatalf("failed to seed deployment: %v", err)
	}
	return registration, deployment
}

func TestFindRegistration(t *testing.T) {
	db := openTestDB(t, "platform_registration")
	seedPlatform(t, db)
	directory, err := NewDirectory(db)
	if err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}

	registration, err := directory.FindRegistration(context.Background(), "https://lms.example.edu", "client-1")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if registration.RegistrationID != "reg-1" {
		t.Fatalf("unexpected registration %q", registration.RegistrationID)
	}

	if _, err := directory.FindRegistration(context.Background(), "https://other.example.edu", "client-1"); !errors.Is(err, ErrRegistrationNotFound) {
		t.Fatalf("expected registration-not-found, got %v", err)
	}
	if _, err := directory.FindRegistration(context.Background(), "", "client-1"); !errors.Is(err, ErrInvalidLookup) {
		t.Fatalf("blank issuer must fail closed, got %v", err)
	}
	if _, err := directory.FindRegistration(context.Background(), "https://lms.example.edu", "  "); !errors.Is(err, ErrInvalidLookup) {
		t.Fatalf("blank client id must fail closed, got %v", err)
	}
}

func TestFindDeployment(t *testing.T) {
	db := openTestDB(t, "platform_deployment")
	seedPlatform(t, db)
	directory, err := NewDirectory(db)
	if err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}

	deployment, err := directory.FindDeployment(context.Background(), "https://lms.example.edu", "client-1", "dep-1")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if deployment.DeploymentKey != "dk-1" {
		t.Fatalf("unexpected deployment %q", deployment.DeploymentKey)
	}

	if _, err := directory.FindDeployment(context.Background(), "https://lms.example.edu", "client-1", "dep-unknown"); !errors.Is(err, ErrDeploymentNotFound) {
		t.Fatalf("expected deployment-not-found, got %v", err)
	}
	if _, err := directory.FindDeployment(context.Background(), "https://lms.example.edu", "client-1", ""); !errors.Is(err, ErrInvalidLookup) {
		t.Fatalf("blank deployment id must fail closed, got %v", err)
	}
}

func TestRegistrationForDeployment(t *testing.T) {
	db := openTestDB(t, "platform_pair")
	seedPlatform(t, db)
	directory, err := NewDirectory(db)
	if err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}

	registration, deployment, err := directory.RegistrationForDeployment(context.Background(), "dk-1")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if registration.RegistrationID != "reg-1" || deployment.DeploymentID != "dep-1" {
		t.Fatalf("unexpected pair %q/%q", registration.RegistrationID, deployment.DeploymentID)
	}

	if _, _, err := directory.RegistrationForDeployment(context.Background(), "dk-unknown"); !errors.Is(err, ErrDeploymentNotFound) {
		t.Fatalf("expected deployment-not-found, got %v", err)
	}
}
