package users

import (
	"strings"
	"time"
)

// Account is the local user account an LTI user maps onto. The wider
// application owns authentication against these accounts; this core only
// creates them on first launch or first roster appearance.
type Account struct {
	LocalUserID string    `gorm:"column:local_user_id;primaryKey;size:190;not null"`
	Username    string    `gorm:"column:username;size:190;not null;uniqueIndex"`
	Email       string    `gorm:"column:email;size:320;not null"`
	GivenName   string    `gorm:"column:given_name;size:320"`
	FamilyName  string    `gorm:"column:family_name;size:320"`
	Locale      string    `gorm:"column:locale;size:32"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing local accounts.
func (Account) TableName() string {
	return "lti_accounts"
}

// LtiUser maps one platform-side subject, scoped to issuer, client and
// deployment, onto exactly one local account and one published resource.
// Uniqueness runs on (username, resource_id): one local account may own
// several rows across resources and deployments.
type LtiUser struct {
	Username      string     `gorm:"column:username;primaryKey;size:190;not null"`
	ResourceID    string     `gorm:"column:resource_id;primaryKey;size:190;not null;index"`
	LocalUserID   string     `gorm:"column:local_user_id;size:190;not null;index"`
	DeploymentKey string     `gorm:"column:deployment_key;size:190;not null;index"`
	Subject       string     `gorm:"column:subject;size:190;not null"`
	LastGrade     *float64   `gorm:"column:last_grade"`
	LastAccessAt  *time.Time `gorm:"column:last_access_at"`
	GivenName     string     `gorm:"column:given_name;size:320"`
	FamilyName    string     `gorm:"column:family_name;size:320"`
	Email         string     `gorm:"column:email;size:320"`
	PictureURL    string     `gorm:"column:picture_url;size:1024"`
	Locale        string     `gorm:"column:locale;size:32"`
	CreatedAt     time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing LTI user mappings.
func (LtiUser) TableName() string {
	return "lti_users"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
