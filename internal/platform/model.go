package platform

import (
	"strings"
	"time"
)

// Registration identifies a trusted learning platform. Rows are provisioned by
// the administrator registration flow and are read-only to this core.
type Registration struct {
	RegistrationID string    `gorm:"column:registration_id;primaryKey;size:190;not null"`
	Issuer         string    `gorm:"column:issuer;size:512;not null;uniqueIndex:idx_registrations_issuer_client,priority:1"`
	ClientID       string    `gorm:"column:client_id;size:190;not null;uniqueIndex:idx_registrations_issuer_client,priority:2"`
	AuthRequestURL string    `gorm:"column:auth_request_url;size:1024"`
	AccessTokenURL string    `gorm:"column:access_token_url;size:1024"`
	JWKSURL        string    `gorm:"column:jwks_url;size:1024"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing platform registrations.
func (Registration) TableName() string {
	return "lti_registrations"
}

// Deployment is one installation of the tool within a platform tenancy. The
// platform issues the deployment id; DeploymentKey is the local surrogate used
// by owned entities.
type Deployment struct {
	DeploymentKey  string    `gorm:"column:deployment_key;primaryKey;size:190;not null"`
	RegistrationID string    `gorm:"column:registration_id;size:190;not null;uniqueIndex:idx_deployments_registration_deployment,priority:1"`
	DeploymentID   string    `gorm:"column:deployment_id;size:190;not null;uniqueIndex:idx_deployments_registration_deployment,priority:2"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing platform deployments.
func (Deployment) TableName() string {
	return "lti_deployments"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
