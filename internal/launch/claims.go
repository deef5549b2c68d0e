package launch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// LTI Advantage claim URIs consumed by the extractor.
const (
	claimDeploymentID = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"
	claimRoles        = "https://purl.imsglobal.org/spec/lti/claim/roles"
	claimContext      = "https://purl.imsglobal.org/spec/lti/claim/context"
	claimResourceLink = "https://purl.imsglobal.org/spec/lti/claim/resource_link"
	claimCustom       = "https://purl.imsglobal.org/spec/lti/claim/custom"
	claimAGSEndpoint  = "https://purl.imsglobal.org/spec/lti-ags/claim/endpoint"
	claimNRPSService  = "https://purl.imsglobal.org/spec/lti-nrps/claim/namesroleservice"

	customKeyResourceID = "id"
	customKeyForceEmbed = "force_embed"
)

// ErrInvalidLaunch indicates the launch claims lack a required field or
// reference an unusable resource. Terminal; no state is mutated beyond steps
// that already succeeded idempotently.
var ErrInvalidLaunch = errors.New("launch: invalid launch")

// AGSEndpoint carries the Assignment & Grades Service grant from a launch.
type AGSEndpoint struct {
	LineitemsURL string
	LineitemURL  string
	Scopes       []string
}

// NRPSEndpoint carries the Names & Roles Provisioning Service grant.
type NRPSEndpoint struct {
	MembershipsURL string
	Versions       []string
}

// LaunchData is the protocol-free view of one verified launch. Everything
// downstream of the extractor works from this value; no component below it
// touches claim URIs again.
type LaunchData struct {
	Issuer         string
	ClientID       string
	Subject        string
	DeploymentID   string
	Roles          []string
	ResourceLinkID string
	ContextID      string
	ContextType    string
	ResourceID     string
	ForceEmbed     bool
	Custom         map[string]string
	AGS            *AGSEndpoint
	NRPS           *NRPSEndpoint
	GivenName      string
	FamilyName     string
	Email          string
	Picture        string
	Locale         string
}

// ParseLaunchClaims normalizes a verified launch token's claim set. The raw
// token signature must already be checked; only structural validity is
// enforced here.
func ParseLaunchClaims(claims jwt.MapClaims) (LaunchData, error) {
	issuer, err := claims.GetIssuer()
	if err != nil || strings.TrimSpace(issuer) == "" {
		return LaunchData{}, fmt.Errorf("%w: missing iss claim", ErrInvalidLaunch)
	}
	audience, err := claims.GetAudience()
	if err != nil || len(audience) == 0 || strings.TrimSpace(audience[0]) == "" {
		return LaunchData{}, fmt.Errorf("%w: missing aud claim", ErrInvalidLaunch)
	}
	subject, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return LaunchData{}, fmt.Errorf("%w: missing sub claim", ErrInvalidLaunch)
	}
	deploymentID := stringClaim(claims, claimDeploymentID)
	if deploymentID == "" {
		return LaunchData{}, fmt.Errorf("%w: missing deployment_id claim", ErrInvalidLaunch)
	}

	link := objectClaim(claims, claimResourceLink)
	linkID := stringField(link, "id")
	if linkID == "" {
		return LaunchData{}, fmt.Errorf("%w: missing resource_link claim", ErrInvalidLaunch)
	}

	data := LaunchData{
		Issuer:         strings.TrimSpace(issuer),
		ClientID:       strings.TrimSpace(audience[0]),
		Subject:        strings.TrimSpace(subject),
		DeploymentID:   deploymentID,
		Roles:          stringSliceClaim(claims, claimRoles),
		ResourceLinkID: linkID,
		GivenName:      stringClaim(claims, "given_name"),
		FamilyName:     stringClaim(claims, "family_name"),
		Email:          stringClaim(claims, "email"),
		Picture:        stringClaim(claims, "picture"),
		Locale:         stringClaim(claims, "locale"),
	}

	if contextObject := objectClaim(claims, claimContext); contextObject != nil {
		data.ContextID = stringField(contextObject, "id")
		data.ContextType = firstTypeLabel(contextObject)
	}

	if custom := objectClaim(claims, claimCustom); custom != nil {
		data.Custom = make(map[string]string, len(custom))
		for key, value := range custom {
			if text, ok := value.(string); ok {
				data.Custom[key] = strings.TrimSpace(text)
			}
		}
		data.ResourceID = data.Custom[customKeyResourceID]
		data.ForceEmbed = isTruthy(data.Custom[customKeyForceEmbed])
	}

	if endpoint := objectClaim(claims, claimAGSEndpoint); endpoint != nil {
		data.AGS = &AGSEndpoint{
			LineitemsURL: stringField(endpoint, "lineitems"),
			LineitemURL:  stringField(endpoint, "lineitem"),
			Scopes:       stringSliceField(endpoint, "scope"),
		}
	}

	if service := objectClaim(claims, claimNRPSService); service != nil {
		data.NRPS = &NRPSEndpoint{
			MembershipsURL: stringField(service, "context_memberships_url"),
			Versions:       stringSliceField(service, "service_versions"),
		}
	}

	return data, nil
}

func stringClaim(claims jwt.MapClaims, key string) string {
	value, _ := claims[key].(string)
	return strings.TrimSpace(value)
}

func objectClaim(claims jwt.MapClaims, key string) map[string]interface{} {
	value, _ := claims[key].(map[string]interface{})
	return value
}

func stringSliceClaim(claims jwt.MapClaims, key string) []string {
	return toStringSlice(claims[key])
}

func stringField(object map[string]interface{}, key string) string {
	if object == nil {
		return ""
	}
	value, _ := object[key].(string)
	return strings.TrimSpace(value)
}

func stringSliceField(object map[string]interface{}, key string) []string {
	if object == nil {
		return nil
	}
	return toStringSlice(object[key])
}

func toStringSlice(raw interface{}) []string {
	switch typed := raw.(type) {
	case []string:
		return typed
	case []interface{}:
		values := make([]string, 0, len(typed))
		for _, entry := range typed {
			if text, ok := entry.(string); ok && strings.TrimSpace(text) != "" {
				values = append(values, strings.TrimSpace(text))
			}
		}
		return values
	case string:
		if strings.TrimSpace(typed) == "" {
			return nil
		}
		return []string{strings.TrimSpace(typed)}
	default:
		return nil
	}
}

// firstTypeLabel reads the context type array, which platforms send as either
// a list of URIs or a single label.
func firstTypeLabel(object map[string]interface{}) string {
	values := stringSliceField(object, "type")
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func isTruthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}
