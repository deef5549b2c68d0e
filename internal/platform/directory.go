package platform

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

var (
	// ErrInvalidLookup indicates a directory lookup with a blank issuer or
	// client id. Both fields are mandatory because a client id disambiguates
	// multiple registrations sharing one issuer.
	ErrInvalidLookup = errors.New("platform: issuer and client id are required")
	// ErrRegistrationNotFound indicates no registration matches (issuer, client id).
	ErrRegistrationNotFound = errors.New("platform: registration not found")
	// ErrDeploymentNotFound indicates no deployment matches the registration.
	ErrDeploymentNotFound = errors.New("platform: deployment not found")
	errMissingDatabase    = errors.New("platform: database connection required")
)

// Directory resolves trusted platforms and their deployments. It is the root
// of trust for launch verification and for both sync tasks.
type Directory struct {
	db *gorm.DB
}

// NewDirectory constructs the registration directory.
func NewDirectory(db *gorm.DB) (*Directory, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &Directory{db: db}, nil
}

// FindRegistration resolves a registration by issuer and client id. Lookups
// fail closed: blank input is ErrInvalidLookup, never a not-found.
func (d *Directory) FindRegistration(ctx context.Context, issuer, clientID string) (Registration, error) {
	issuer = normalize(issuer)
	clientID = normalize(clientID)
	if issuer == "" || clientID == "" {
		return Registration{}, ErrInvalidLookup
	}

	var registration Registration
	err := d.db.WithContext(ctx).
		Where("issuer = ? AND client_id = ?", issuer, clientID).
		Take(&registration).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Registration{}, fmt.Errorf("%w: issuer %q client %q", ErrRegistrationNotFound, issuer, clientID)
	}
	if err != nil {
		return Registration{}, err
	}
	return registration, nil
}

// FindDeployment resolves a deployment within the registration identified by
// issuer and client id.
func (d *Directory) FindDeployment(ctx context.Context, issuer, clientID, deploymentID string) (Deployment, error) {
	deploymentID = normalize(deploymentID)
	if deploymentID == "" {
		return Deployment{}, ErrInvalidLookup
	}

	registration, err := d.FindRegistration(ctx, issuer, clientID)
	if err != nil {
		return Deployment{}, err
	}

	var deployment Deployment
	err = d.db.WithContext(ctx).
		Where("registration_id = ? AND deployment_id = ?", registration.RegistrationID, deploymentID).
		Take(&deployment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Deployment{}, fmt.Errorf("%w: registration %s deployment %q", ErrDeploymentNotFound, registration.RegistrationID, deploymentID)
	}
	if err != nil {
		return Deployment{}, err
	}
	return deployment, nil
}

// RegistrationForDeployment resolves the registration owning the deployment
// identified by its local surrogate key. Used by the sync tasks, which start
// from a resource link rather than a launch token.
func (d *Directory) RegistrationForDeployment(ctx context.Context, deploymentKey string) (Registration, Deployment, error) {
	deploymentKey = normalize(deploymentKey)
	if deploymentKey == "" {
		return Registration{}, Deployment{}, ErrInvalidLookup
	}

	var deployment Deployment
	err := d.db.WithContext(ctx).
		Where("deployment_key = ?", deploymentKey).
		Take(&deployment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Registration{}, Deployment{}, fmt.Errorf("%w: key %q", ErrDeploymentNotFound, deploymentKey)
	}
	if err != nil {
		return Registration{}, Deployment{}, err
	}

	var registration Registration
	err = d.db.WithContext(ctx).
		Where("registration_id = ?", deployment.RegistrationID).
		Take(&registration).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Registration{}, Deployment{}, fmt.Errorf("%w: id %q", ErrRegistrationNotFound, deployment.RegistrationID)
	}
	if err != nil {
		return Registration{}, Deployment{}, err
	}
	return registration, deployment, nil
}
