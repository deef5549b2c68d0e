package users

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ExternalIdentity is the platform-side identity a launch or roster record
// carries. Issuer, ClientID, DeploymentID and Subject together name exactly
// one platform user; the profile fields are defaults applied on creation and
// refreshed on later sightings.
type ExternalIdentity struct {
	Issuer       string
	ClientID     string
	DeploymentID string
	Subject      string
	GivenName    string
	FamilyName   string
	Email        string
	PictureURL   string
	Locale       string
}

// DeriveUsername produces the stable pseudonymous username for a platform
// subject. The hash is deterministic across launches and roster syncs of the
// same subject and cannot be reversed to recover the subject.
func DeriveUsername(issuer, clientID, deploymentID, subject string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		strings.TrimSpace(issuer),
		strings.TrimSpace(clientID),
		strings.TrimSpace(deploymentID),
		strings.TrimSpace(subject),
	}, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// Username derives the pseudonymous username for the identity.
func (i ExternalIdentity) Username() string {
	return DeriveUsername(i.Issuer, i.ClientID, i.DeploymentID, i.Subject)
}
