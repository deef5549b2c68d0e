package launch

// Recognized role URNs from the LIS v2 vocabulary. Matching is case-sensitive
// on the full URN; the bare legacy names are accepted for platforms that still
// send LTI 1.x style short roles.
const (
	roleInstructor        = "http://purl.imsglobal.org/vocab/lis/v2/membership#Instructor"
	roleContentDeveloper  = "http://purl.imsglobal.org/vocab/lis/v2/membership#ContentDeveloper"
	roleTeachingAssistant = "http://purl.imsglobal.org/vocab/lis/v2/membership/Instructor#TeachingAssistant"
	roleSystemAdmin       = "http://purl.imsglobal.org/vocab/lis/v2/system/person#Administrator"
	roleInstitutionAdmin  = "http://purl.imsglobal.org/vocab/lis/v2/institution/person#Administrator"

	legacyInstructor        = "Instructor"
	legacyContentDeveloper  = "ContentDeveloper"
	legacyTeachingAssistant = "TeachingAssistant"
	legacyAdministrator     = "Administrator"
)

var instructorRoles = map[string]struct{}{
	roleInstructor:          {},
	roleContentDeveloper:    {},
	roleTeachingAssistant:   {},
	legacyInstructor:        {},
	legacyContentDeveloper:  {},
	legacyTeachingAssistant: {},
}

var adminRoles = map[string]struct{}{
	roleSystemAdmin:      {},
	roleInstitutionAdmin: {},
	legacyAdministrator:  {},
}

// RoleProfile is the capability view of a launch's role claim.
type RoleProfile struct {
	Instructor bool
	Admin      bool
}

// Staff reports whether the profile unlocks full (non-embedded) chrome and the
// resource's instructor role.
func (p RoleProfile) Staff() bool {
	return p.Instructor || p.Admin
}

// ClassifyRoles folds the role URN list into capability flags. Unrecognized
// roles contribute nothing; an empty list classifies as a plain learner.
func ClassifyRoles(roles []string) RoleProfile {
	profile := RoleProfile{}
	for _, role := range roles {
		if _, ok := instructorRoles[role]; ok {
			profile.Instructor = true
			continue
		}
		if _, ok := adminRoles[role]; ok {
			profile.Admin = true
		}
	}
	return profile
}

// DisplayMode is the layout hint handed to session establishment.
type DisplayMode string

const (
	// DisplayFull shows the complete page chrome.
	DisplayFull DisplayMode = "full"
	// DisplayEmbedded suppresses navigation chrome for iframe placement.
	DisplayEmbedded DisplayMode = "embedded"
)

// DisplayFor selects the layout: staff get full chrome unless the launch
// explicitly forces embedding, everyone else is embedded.
func DisplayFor(profile RoleProfile, forceEmbed bool) DisplayMode {
	if forceEmbed {
		return DisplayEmbedded
	}
	if profile.Staff() {
		return DisplayFull
	}
	return DisplayEmbedded
}
