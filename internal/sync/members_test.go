package sync

import (
	"context"
	"errors"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/enrollment"
	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/links"
	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/platform"
	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/resources"
	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/services"
	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/users"
)

type fakeClient struct {
	linkRosters    map[string][]services.Member
	contextRoster  []services.Member
	linkErr        error
	contextErr     error
	scores         []services.Score
	scoreTargets   []string
	scoreErr       error
	contextQueried bool
}

func (f *fakeClient) GetMemberships(_ context.Context, _, resourceLinkID string) ([]services.Member, error) {
	if resourceLinkID == "" {
		f.contextQueried = true
		return f.contextRoster, f.contextErr
	}
	if f.linkErr != nil {
		return nil, f.linkErr
	}
	return f.linkRosters[resourceLinkID], nil
}

func (f *fakeClient) PutScore(_ context.Context, lineitemURL string, score services.Score) error {
	if f.scoreErr != nil {
		return f.scoreErr
	}
	f.scores = append(f.scores, score)
	f.scoreTargets = append(f.scoreTargets, lineitemURL)
	return nil
}

type syncFixture struct {
	db         *gorm.DB
	directory  *platform.Directory
	identities *users.Service
	resources  resources.Repository
	links      links.ResourceLinkRepository
	enrolment  *enrollment.GormStore
	client     *fakeClient
}

func newSyncFixture(t *testing.T, name string) *syncFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	err = db.AutoMigrate(
		&platform.Registration{},
		&platform.Deployment{},
		&links.Context{},
		&links.ResourceLink{},
		&resources.Resource{},
		&users.Account{},
		&users.LtiUser{},
		&enrollment.Enrolment{},
		&enrollment.RoleAssignment{},
	)
	if err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	if err := db.Create(&platform.Registration{
		RegistrationID: "reg-1",
		Issuer:         "https://lms.example.edu",
		ClientID:       "client-1",
	}).Error; err != nil {
		t.Fatalf("failed to seed registration: %v", err)
	}
	if err := db.Create(&platform.Deployment{
		DeploymentKey:  "dk-1",
		RegistrationID: "reg-1",
		DeploymentID:   "dep-1",
	}).Error; err != nil {
		t.Fatalf("failed to seed deployment: %v", err)
	}

	directory, err := platform.NewDirectory(db)
	if err != nil {
		t.Fatalf("directory: %v", err)
	}
	identities, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("identities: %v", err)
	}
	resourceRepo, err := resources.NewRepository(db)
	if err != nil {
		t.Fatalf("resources: %v", err)
	}
	linkRepo, err := links.NewResourceLinkRepository(db)
	if err != nil {
		t.Fatalf("links: %v", err)
	}
	enrolment, err := enrollment.NewGormStore(db, nil)
	if err != nil {
		t.Fatalf("enrolment: %v", err)
	}

	return &syncFixture{
		db:         db,
		directory:  directory,
		identities: identities,
		resources:  resourceRepo,
		links:      linkRepo,
		enrolment:  enrolment,
		client:     &fakeClient{linkRosters: map[string][]services.Member{}},
	}
}

func (f *syncFixture) factory() ClientFactory {
	return func(platform.Registration) (PlatformClient, error) {
		return f.client, nil
	}
}

func (f *syncFixture) seedResource(t *testing.T, mode resources.MembershipSyncMode) resources.Resource {
	t.Helper()
	resource := resources.Resource{
		ResourceID:       "resource-1",
		Enabled:          true,
		CourseID:         "course-local-1",
		ContextID:        "ctx-local-1",
		InstructorRoleID: "role-instructor",
		LearnerRoleID:    "role-learner",
		MembershipSync:   mode,
	}
	if err := f.db.Create(&resource).Error; err != nil {
		t.Fatalf("failed to seed resource: %v", err)
	}
	return resource
}

func (f *syncFixture) seedLink(t *testing.T, membershipsURL, contextKey string) {
	t.Helper()
	link := links.ResourceLink{
		LinkKey:        "lk-1",
		DeploymentKey:  "dk-1",
		PlatformID:     "link-1",
		ContextKey:     contextKey,
		ResourceID:     "resource-1",
		MembershipsURL: membershipsURL,
	}
	if err := f.db.Create(&link).Error; err != nil {
		t.Fatalf("failed to seed link: %v", err)
	}
}

func (f *syncFixture) seedMapping(t *testing.T, subject string) users.LtiUser {
	t.Helper()
	user, _, err := f.identities.UpsertFromIdentity(context.Background(), users.ExternalIdentity{
		Issuer:       "https://lms.example.edu",
		ClientID:     "client-1",
		DeploymentID: "dep-1",
		Subject:      subject,
	}, "resource-1", "dk-1")
	if err != nil {
		t.Fatalf("failed to seed mapping for %s: %v", subject, err)
	}
	if _, err := f.enrolment.Enrol(context.Background(), "course-local-1", user.LocalUserID); err != nil {
		t.Fatalf("failed to seed enrolment: %v", err)
	}
	return user
}

func newMemberSyncTask(t *testing.T, f *syncFixture) *MemberSync {
	t.Helper()
	task, err := NewMemberSync(MemberSyncConfig{
		Resources:  f.resources,
		Links:      f.links,
		Directory:  f.directory,
		Identities: f.identities,
		Enrolment:  f.enrolment,
		Clients:    f.factory(),
	})
	if err != nil {
		t.Fatalf("failed to create member sync: %v", err)
	}
	return task
}

func roster(subjects ...string) []services.Member {
	members := make([]services.Member, 0, len(subjects))
	for _, subject := range subjects {
		members = append(members, services.Member{UserID: subject, Status: "Active"})
	}
	return members
}

func TestMemberSyncReconcilesRoster(t *testing.T) {
	f := newSyncFixture(t, "members_reconcile")
	f.seedResource(t, resources.SyncModeEnrolAndUnenrol)
	f.seedLink(t, "https://lms.example.edu/memberships", "")
	aliceBefore := f.seedMapping(t, "subject-a")
	f.seedMapping(t, "subject-b")
	f.seedMapping(t, "subject-c")
	f.client.linkRosters["link-1"] = roster("subject-a", "subject-d", "subject-e", "subject-f")

	task := newMemberSyncTask(t, f)
	reports, err := task.Run(context.Background())
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("expected one report, got %d", len(reports))
	}
	report := reports[0]
	if report.MembersSeen != 4 {
		t.Fatalf("expected 4 members seen, got %d", report.MembersSeen)
	}
	if report.Enrolled != 3 {
		t.Fatalf("expected 3 new enrolments, got %d", report.Enrolled)
	}
	if report.Unenrolled != 2 {
		t.Fatalf("expected 2 unenrolments, got %d", report.Unenrolled)
	}

	// Alice kept her original account and enrolment.
	aliceAfter, err := f.identities.FindBySubject(context.Background(), "https://lms.example.edu", "client-1", "dep-1", "subject-a", "resource-1")
	if err != nil {
		t.Fatalf("alice lookup failed: %v", err)
	}
	if aliceAfter.LocalUserID != aliceBefore.LocalUserID {
		t.Fatalf("surviving member must keep the same account")
	}

	// Dropped members lost both mapping and enrolment.
	if _, err := f.identities.FindBySubject(context.Background(), "https://lms.example.edu", "client-1", "dep-1", "subject-b", "resource-1"); !errors.Is(err, users.ErrUserNotFound) {
		t.Fatalf("dropped member mapping must be deleted, got %v", err)
	}
	var enrolments int64
	if err := f.db.Model(&enrollment.Enrolment{}).Count(&enrolments).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if enrolments != 4 {
		t.Fatalf("expected 4 enrolments after reconcile, got %d", enrolments)
	}
}

func TestMemberSyncEnrolOnlyNeverUnenrols(t *testing.T) {
	f := newSyncFixture(t, "members_enrol_only")
	f.seedResource(t, resources.SyncModeEnrolNew)
	f.seedLink(t, "https://lms.example.edu/memberships", "")
	f.seedMapping(t, "subject-old")
	f.client.linkRosters["link-1"] = roster("subject-new")

	task := newMemberSyncTask(t, f)
	reports, err := task.Run(context.Background())
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if reports[0].Enrolled != 1 || reports[0].Unenrolled != 0 {
		t.Fatalf("unexpected report: %+v", reports[0])
	}

	// The stale mapping stays untouched.
	if _, err := f.identities.FindBySubject(context.Background(), "https://lms.example.edu", "client-1", "dep-1", "subject-old", "resource-1"); err != nil {
		t.Fatalf("existing mapping must survive enrol-only sync: %v", err)
	}
}

func TestMemberSyncUnenrolOnlyIgnoresNewMembers(t *testing.T) {
	f := newSyncFixture(t, "members_unenrol_only")
	f.seedResource(t, resources.SyncModeUnenrolMissing)
	f.seedLink(t, "https://lms.example.edu/memberships", "")
	f.seedMapping(t, "subject-kept")
	f.seedMapping(t, "subject-gone")
	f.client.linkRosters["link-1"] = roster("subject-kept", "subject-unseen")

	task := newMemberSyncTask(t, f)
	reports, err := task.Run(context.Background())
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if reports[0].Enrolled != 0 {
		t.Fatalf("unenrol-only mode must not enrol, got %d", reports[0].Enrolled)
	}
	if reports[0].Unenrolled != 1 {
		t.Fatalf("expected one unenrolment, got %d", reports[0].Unenrolled)
	}

	// The unseen member must not materialize a local user.
	if _, err := f.identities.FindBySubject(context.Background(), "https://lms.example.edu", "client-1", "dep-1", "subject-unseen", "resource-1"); !errors.Is(err, users.ErrUserNotFound) {
		t.Fatalf("unseen member must not be created, got %v", err)
	}
}

func TestMemberSyncEmptyRosterUnenrolsEveryone(t *testing.T) {
	f := newSyncFixture(t, "members_empty")
	f.seedResource(t, resources.SyncModeEnrolAndUnenrol)
	f.seedLink(t, "https://lms.example.edu/memberships", "")
	f.seedMapping(t, "subject-a")
	f.seedMapping(t, "subject-b")
	f.client.linkRosters["link-1"] = nil

	task := newMemberSyncTask(t, f)
	reports, err := task.Run(context.Background())
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if reports[0].Unenrolled != 2 {
		t.Fatalf("empty roster must unenrol everyone, got %d", reports[0].Unenrolled)
	}
	var enrolments int64
	if err := f.db.Model(&enrollment.Enrolment{}).Count(&enrolments).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if enrolments != 0 {
		t.Fatalf("expected no enrolments left, got %d", enrolments)
	}
}

func TestMemberSyncFallsBackToContextRoster(t *testing.T) {
	f := newSyncFixture(t, "members_fallback")
	f.seedResource(t, resources.SyncModeEnrolNew)
	f.seedLink(t, "https://lms.example.edu/memberships", "ck-1")
	f.client.linkErr = errors.New("rlid filtering unsupported")
	f.client.contextRoster = roster("subject-x")

	task := newMemberSyncTask(t, f)
	reports, err := task.Run(context.Background())
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if !f.client.contextQueried {
		t.Fatalf("failed link query must fall back to the context roster")
	}
	if reports[0].Enrolled != 1 {
		t.Fatalf("fallback roster must still enrol, got %+v", reports[0])
	}
}

func TestMemberSyncNoFallbackWithoutContext(t *testing.T) {
	f := newSyncFixture(t, "members_nofallback")
	f.seedResource(t, resources.SyncModeEnrolNew)
	f.seedLink(t, "https://lms.example.edu/memberships", "")
	f.client.linkErr = errors.New("endpoint down")
	f.client.contextRoster = roster("subject-x")

	task := newMemberSyncTask(t, f)
	if _, err := task.Run(context.Background()); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if f.client.contextQueried {
		t.Fatalf("link without a known context must not query the whole course")
	}
}

func TestMemberSyncDoesNotAdvanceLastAccess(t *testing.T) {
	f := newSyncFixture(t, "members_access")
	f.seedResource(t, resources.SyncModeEnrolAndUnenrol)
	f.seedLink(t, "https://lms.example.edu/memberships", "")
	f.seedMapping(t, "subject-a")
	f.client.linkRosters["link-1"] = roster("subject-a", "subject-roster")

	before, err := f.identities.FindBySubject(context.Background(), "https://lms.example.edu", "client-1", "dep-1", "subject-a", "resource-1")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if before.LastAccessAt == nil {
		t.Fatalf("seeded launch must record an access time")
	}

	task := newMemberSyncTask(t, f)
	if _, err := task.Run(context.Background()); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	after, err := f.identities.FindBySubject(context.Background(), "https://lms.example.edu", "client-1", "dep-1", "subject-a", "resource-1")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if after.LastAccessAt == nil || !after.LastAccessAt.Equal(*before.LastAccessAt) {
		t.Fatalf("roster sync must not count as access: %v vs %v", after.LastAccessAt, before.LastAccessAt)
	}

	// A member materialized from the roster has never launched.
	created, err := f.identities.FindBySubject(context.Background(), "https://lms.example.edu", "client-1", "dep-1", "subject-roster", "resource-1")
	if err != nil {
		t.Fatalf("roster member lookup failed: %v", err)
	}
	if created.LastAccessAt != nil {
		t.Fatalf("roster-created member must carry no access time, got %v", created.LastAccessAt)
	}
}

func TestMemberSyncSkipsWhenEnrolmentDisabled(t *testing.T) {
	f := newSyncFixture(t, "members_disabled")
	f.seedResource(t, resources.SyncModeEnrolAndUnenrol)
	f.seedLink(t, "https://lms.example.edu/memberships", "")
	f.seedMapping(t, "subject-a")
	f.client.linkRosters["link-1"] = nil

	disabled, err := enrollment.NewGormStore(f.db, func() bool { return false })
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	task, err := NewMemberSync(MemberSyncConfig{
		Resources:  f.resources,
		Links:      f.links,
		Directory:  f.directory,
		Identities: f.identities,
		Enrolment:  disabled,
		Clients:    f.factory(),
	})
	if err != nil {
		t.Fatalf("failed to create member sync: %v", err)
	}

	reports, err := task.Run(context.Background())
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if reports != nil {
		t.Fatalf("disabled enrolment must short-circuit the pass, got %+v", reports)
	}
	var enrolments int64
	if err := f.db.Model(&enrollment.Enrolment{}).Count(&enrolments).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if enrolments != 1 {
		t.Fatalf("disabled pass must not touch enrolments, got %d", enrolments)
	}
}
