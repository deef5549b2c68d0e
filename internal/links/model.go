package links

import (
	"strings"
	"time"
)

// Context maps to a platform-side course or organizational unit. Launches may
// omit the context claim, so resource links reference contexts optionally.
type Context struct {
	ContextKey    string    `gorm:"column:context_key;primaryKey;size:190;not null"`
	DeploymentKey string    `gorm:"column:deployment_key;size:190;not null;uniqueIndex:idx_contexts_deployment_platform,priority:1"`
	PlatformID    string    `gorm:"column:platform_context_id;size:190;not null;uniqueIndex:idx_contexts_deployment_platform,priority:2"`
	Type          string    `gorm:"column:context_type;size:190"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing platform contexts.
func (Context) TableName() string {
	return "lti_contexts"
}

// ResourceLink is a single placement of a published resource inside platform
// content. A link may be re-targeted to a different local resource when the
// platform re-publishes it through content selection.
type ResourceLink struct {
	LinkKey       string `gorm:"column:link_key;primaryKey;size:190;not null"`
	DeploymentKey string `gorm:"column:deployment_key;size:190;not null;uniqueIndex:idx_links_deployment_link,priority:1"`
	PlatformID    string `gorm:"column:platform_link_id;size:190;not null;uniqueIndex:idx_links_deployment_link,priority:2"`
	ContextKey    string `gorm:"column:context_key;size:190;index"`
	ResourceID    string `gorm:"column:resource_id;size:190;not null;index"`

	// AGS endpoint data carried by the launch, when the platform grants it.
	LineitemsURL string `gorm:"column:ags_lineitems_url;size:1024"`
	LineitemURL  string `gorm:"column:ags_lineitem_url;size:1024"`
	AGSScopes    string `gorm:"column:ags_scopes;size:1024"`

	// NRPS endpoint data carried by the launch, when the platform grants it.
	MembershipsURL string `gorm:"column:nrps_memberships_url;size:1024"`
	NRPSVersions   string `gorm:"column:nrps_versions;size:190"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing resource links.
func (ResourceLink) TableName() string {
	return "lti_resource_links"
}

const scopeSeparator = ","

// JoinScopes flattens service scopes for storage.
func JoinScopes(scopes []string) string {
	cleaned := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		if trimmed := strings.TrimSpace(scope); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	return strings.Join(cleaned, scopeSeparator)
}

// SplitScopes expands stored service scopes.
func SplitScopes(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, scopeSeparator)
	scopes := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			scopes = append(scopes, trimmed)
		}
	}
	return scopes
}
