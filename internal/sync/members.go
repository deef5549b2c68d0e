package sync

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/enrollment"
	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/links"
	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/platform"
	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/resources"
	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/services"
	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/users"
	"go.uber.org/zap"
)

var (
	errMissingResources  = errors.New("sync: resource repository required")
	errMissingLinks      = errors.New("sync: resource link repository required")
	errMissingDirectory  = errors.New("sync: registration directory required")
	errMissingIdentities = errors.New("sync: identity service required")
	errMissingEnrolment  = errors.New("sync: enrolment store required")
	errMissingClients    = errors.New("sync: client factory required")
)

// MemberSyncConfig describes the collaborators of the roster sync task.
type MemberSyncConfig struct {
	Resources  resources.Repository
	Links      links.ResourceLinkRepository
	Directory  *platform.Directory
	Identities *users.Service
	Enrolment  enrollment.Store
	Clients    ClientFactory
	Images     ProfileImageSink
	Logger     *zap.Logger
}

// MemberSync pulls rosters from each platform's NRPS endpoint and reconciles
// local enrolment per resource. One resource's fetch failure never aborts the
// others; every skip is logged with enough context to triage.
type MemberSync struct {
	resources  resources.Repository
	links      links.ResourceLinkRepository
	directory  *platform.Directory
	identities *users.Service
	enrolment  enrollment.Store
	clients    ClientFactory
	images     ProfileImageSink
	logger     *zap.Logger
}

// NewMemberSync constructs the roster sync task.
func NewMemberSync(cfg MemberSyncConfig) (*MemberSync, error) {
	if cfg.Resources == nil {
		return nil, errMissingResources
	}
	if cfg.Links == nil {
		return nil, errMissingLinks
	}
	if cfg.Directory == nil {
		return nil, errMissingDirectory
	}
	if cfg.Identities == nil {
		return nil, errMissingIdentities
	}
	if cfg.Enrolment == nil {
		return nil, errMissingEnrolment
	}
	if cfg.Clients == nil {
		return nil, errMissingClients
	}
	images := cfg.Images
	if images == nil {
		images = NopImageSink{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemberSync{
		resources:  cfg.Resources,
		links:      cfg.Links,
		directory:  cfg.Directory,
		identities: cfg.Identities,
		enrolment:  cfg.Enrolment,
		clients:    cfg.Clients,
		images:     images,
		logger:     logger,
	}, nil
}

// MemberReport accumulates per-resource counts for one sync pass.
type MemberReport struct {
	ResourceID  string
	MembersSeen int
	Enrolled    int
	Unenrolled  int
}

type imageUpload struct {
	localUserID string
	imageURL    string
}

// Run executes one roster sync pass across every membership-synced resource.
func (t *MemberSync) Run(ctx context.Context) ([]MemberReport, error) {
	if !t.enrolment.Enabled(ctx) {
		t.logger.Info("member sync skipped, enrolment administratively disabled")
		return nil, nil
	}

	synced, err := t.resources.ListMembershipSynced(ctx)
	if err != nil {
		return nil, err
	}

	reports := make([]MemberReport, 0, len(synced))
	var pendingImages []imageUpload
	for _, resource := range synced {
		report, queued := t.syncResource(ctx, resource)
		reports = append(reports, report)
		pendingImages = append(pendingImages, queued...)
		t.logger.Info("member sync resource processed",
			zap.String("resource_id", resource.ResourceID),
			zap.Int("members_seen", report.MembersSeen),
			zap.Int("enrolled", report.Enrolled),
			zap.Int("unenrolled", report.Unenrolled))
	}

	for _, upload := range pendingImages {
		if err := t.images.Upload(ctx, upload.localUserID, upload.imageURL); err != nil {
			t.logger.Warn("profile image upload failed",
				zap.String("local_user_id", upload.localUserID),
				zap.String("image_url", upload.imageURL),
				zap.Error(err))
		}
	}

	return reports, nil
}

func (t *MemberSync) syncResource(ctx context.Context, resource resources.Resource) (MemberReport, []imageUpload) {
	report := MemberReport{ResourceID: resource.ResourceID}
	validUsers := make(map[string]bool)
	var queued []imageUpload

	resourceLinks, err := t.links.ListByResource(ctx, resource.ResourceID)
	if err != nil {
		t.logger.Warn("member sync link listing failed",
			zap.String("resource_id", resource.ResourceID),
			zap.Error(err))
		return report, nil
	}

	for _, link := range resourceLinks {
		t.syncResourceLink(ctx, resource, link, &report, validUsers, &queued)
	}

	if resource.MembershipSync.UnenrolsMissing() {
		t.unenrolMissing(ctx, resource, validUsers, &report)
	}

	return report, queued
}

func (t *MemberSync) syncResourceLink(ctx context.Context, resource resources.Resource, link links.ResourceLink, report *MemberReport, validUsers map[string]bool, queued *[]imageUpload) {
	if link.MembershipsURL == "" {
		t.logger.Debug("member sync skipping link without NRPS endpoint",
			zap.String("resource_id", resource.ResourceID),
			zap.String("link_id", link.PlatformID))
		return
	}

	registration, deployment, err := t.directory.RegistrationForDeployment(ctx, link.DeploymentKey)
	if err != nil {
		t.logger.Warn("member sync registration resolve failed",
			zap.String("resource_id", resource.ResourceID),
			zap.String("link_id", link.PlatformID),
			zap.Error(err))
		return
	}

	client, err := t.clients(registration)
	if err != nil {
		t.logger.Warn("member sync client construction failed",
			zap.String("resource_id", resource.ResourceID),
			zap.String("registration_id", registration.RegistrationID),
			zap.Error(err))
		return
	}

	members, err := client.GetMemberships(ctx, link.MembershipsURL, link.PlatformID)
	if err != nil || len(members) == 0 {
		if err != nil {
			t.logger.Warn("link-level membership fetch failed",
				zap.String("resource_id", resource.ResourceID),
				zap.String("link_id", link.PlatformID),
				zap.Error(err))
		}
		// Fall back to the whole-course roster when a context is known.
		if link.ContextKey == "" {
			return
		}
		members, err = client.GetMemberships(ctx, link.MembershipsURL, "")
		if err != nil {
			t.logger.Warn("context-level membership fetch failed",
				zap.String("resource_id", resource.ResourceID),
				zap.String("link_id", link.PlatformID),
				zap.Error(err))
			return
		}
	}

	for _, member := range members {
		t.syncMember(ctx, resource, registration, deployment, member, report, validUsers, queued)
	}
}

func (t *MemberSync) syncMember(ctx context.Context, resource resources.Resource, registration platform.Registration, deployment platform.Deployment, member services.Member, report *MemberReport, validUsers map[string]bool, queued *[]imageUpload) {
	if member.UserID == "" {
		t.logger.Warn("member sync skipping roster record without subject",
			zap.String("resource_id", resource.ResourceID))
		return
	}
	report.MembersSeen++

	existing, err := t.identities.FindBySubject(ctx, registration.Issuer, registration.ClientID, deployment.DeploymentID, member.UserID, resource.ResourceID)
	isNew := errors.Is(err, users.ErrUserNotFound)
	if err != nil && !isNew {
		t.logger.Warn("member sync user lookup failed",
			zap.String("resource_id", resource.ResourceID),
			zap.String("subject", member.UserID),
			zap.Error(err))
		return
	}

	// A member unseen before only materializes when the mode enrols; in
	// unenrol-only modes there is no local user to track for them yet.
	if isNew && !resource.MembershipSync.EnrolsNew() {
		return
	}

	identity := users.ExternalIdentity{
		Issuer:       registration.Issuer,
		ClientID:     registration.ClientID,
		DeploymentID: deployment.DeploymentID,
		Subject:      member.UserID,
		GivenName:    member.GivenName,
		FamilyName:   member.FamilyName,
		Email:        member.Email,
		PictureURL:   member.Picture,
	}
	if isNew {
		// Creation fallbacks when the roster omits profile data.
		if identity.GivenName == "" {
			identity.GivenName = member.UserID
		}
		if identity.FamilyName == "" {
			identity.FamilyName = resource.ContextID
		}
	}

	user, account, err := t.identities.UpsertFromRoster(ctx, identity, resource.ResourceID, existingDeploymentKey(existing, deployment))
	if err != nil {
		t.logger.Warn("member sync identity upsert failed",
			zap.String("resource_id", resource.ResourceID),
			zap.String("subject", member.UserID),
			zap.Error(err))
		return
	}
	validUsers[user.LocalUserID] = true

	if isNew && member.Picture != "" {
		*queued = append(*queued, imageUpload{localUserID: account.LocalUserID, imageURL: member.Picture})
	}

	if !resource.MembershipSync.EnrolsNew() {
		return
	}

	outcome, err := t.enrolment.Enrol(ctx, resource.CourseID, account.LocalUserID)
	if err != nil {
		t.logger.Warn("member sync enrol failed",
			zap.String("resource_id", resource.ResourceID),
			zap.String("local_user_id", account.LocalUserID),
			zap.Error(err))
		return
	}
	if outcome == enrollment.OutcomeEnrolled {
		report.Enrolled++
	}
}

func (t *MemberSync) unenrolMissing(ctx context.Context, resource resources.Resource, validUsers map[string]bool, report *MemberReport) {
	mapped, err := t.identities.ListByResource(ctx, resource.ResourceID)
	if err != nil {
		t.logger.Warn("member sync user listing failed",
			zap.String("resource_id", resource.ResourceID),
			zap.Error(err))
		return
	}

	for _, user := range mapped {
		if validUsers[user.LocalUserID] {
			continue
		}
		if err := t.enrolment.Unenrol(ctx, resource.CourseID, user.LocalUserID); err != nil {
			t.logger.Warn("member sync unenrol failed",
				zap.String("resource_id", resource.ResourceID),
				zap.String("local_user_id", user.LocalUserID),
				zap.Error(err))
			continue
		}
		if err := t.identities.Delete(ctx, user); err != nil {
			t.logger.Warn("member sync mapping delete failed",
				zap.String("resource_id", resource.ResourceID),
				zap.String("local_user_id", user.LocalUserID),
				zap.Error(err))
			continue
		}
		report.Unenrolled++
	}
}

// existingDeploymentKey keeps an established mapping on its original
// deployment; new mappings take the deployment the roster arrived through.
func existingDeploymentKey(existing users.LtiUser, deployment platform.Deployment) string {
	if existing.DeploymentKey != "" {
		return existing.DeploymentKey
	}
	return deployment.DeploymentKey
}
