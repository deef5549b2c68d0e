package sync

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/links"
	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/platform"
	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/resources"
	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/services"
	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/users"
	"go.uber.org/zap"
)

var errMissingGrades = errors.New("sync: grade source required")

// GradeRecord is one user's grade state for a resource, as reported by the
// local gradebook.
type GradeRecord struct {
	Score     *float64
	MaxScore  float64
	Completed bool
}

// GradeSource reads local grades. Course-level versus single-activity grading
// is the source's concern; the task only sees the resolved record.
type GradeSource interface {
	ResourceGrade(ctx context.Context, resource resources.Resource, localUserID string) (GradeRecord, error)
}

// GradeSyncConfig describes the collaborators of the grade passback task.
type GradeSyncConfig struct {
	Resources  resources.Repository
	Links      links.ResourceLinkRepository
	Directory  *platform.Directory
	Identities *users.Service
	Grades     GradeSource
	Clients    ClientFactory
	Clock      func() time.Time
	Logger     *zap.Logger
}

// GradeSync pushes changed grades to each platform's AGS lineitem endpoint.
// A single user's failure never stops the batch.
type GradeSync struct {
	resources  resources.Repository
	links      links.ResourceLinkRepository
	directory  *platform.Directory
	identities *users.Service
	grades     GradeSource
	clients    ClientFactory
	clock      func() time.Time
	logger     *zap.Logger
}

// NewGradeSync constructs the grade passback task.
func NewGradeSync(cfg GradeSyncConfig) (*GradeSync, error) {
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
	if cfg.Grades == nil {
		return nil, errMissingGrades
	}
	if cfg.Clients == nil {
		return nil, errMissingClients
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GradeSync{
		resources:  cfg.Resources,
		links:      cfg.Links,
		directory:  cfg.Directory,
		identities: cfg.Identities,
		grades:     cfg.Grades,
		clients:    cfg.Clients,
		clock:      clock,
		logger:     logger,
	}, nil
}

// GradeReport accumulates per-resource counts for one sync pass.
type GradeReport struct {
	ResourceID  string
	UsersSeen   int
	GradesSent  int
	UsersFailed int
}

// Run executes one grade passback pass across every grade-synced resource.
func (t *GradeSync) Run(ctx context.Context) ([]GradeReport, error) {
	synced, err := t.resources.ListGradeSynced(ctx)
	if err != nil {
		return nil, err
	}

	reports := make([]GradeReport, 0, len(synced))
	for _, resource := range synced {
		report := t.syncResource(ctx, resource)
		reports = append(reports, report)
		t.logger.Info("grade sync resource processed",
			zap.String("resource_id", resource.ResourceID),
			zap.Int("users_seen", report.UsersSeen),
			zap.Int("grades_sent", report.GradesSent),
			zap.Int("users_failed", report.UsersFailed))
	}
	return reports, nil
}

func (t *GradeSync) syncResource(ctx context.Context, resource resources.Resource) GradeReport {
	report := GradeReport{ResourceID: resource.ResourceID}

	resourceLinks, err := t.links.ListByResource(ctx, resource.ResourceID)
	if err != nil {
		t.logger.Warn("grade sync link listing failed",
			zap.String("resource_id", resource.ResourceID),
			zap.Error(err))
		return report
	}
	// ListByResource orders by created_at, so the oldest lineitem-bearing
	// link per deployment wins when a resource is linked more than once.
	linkByDeployment := make(map[string]links.ResourceLink, len(resourceLinks))
	for _, link := range resourceLinks {
		if link.LineitemURL == "" {
			continue
		}
		if shadowed, exists := linkByDeployment[link.DeploymentKey]; exists {
			t.logger.Debug("grade sync ignoring extra lineitem link",
				zap.String("resource_id", resource.ResourceID),
				zap.String("deployment_key", link.DeploymentKey),
				zap.String("kept_link", shadowed.PlatformID),
				zap.String("ignored_link", link.PlatformID))
			continue
		}
		linkByDeployment[link.DeploymentKey] = link
	}

	mapped, err := t.identities.ListByResource(ctx, resource.ResourceID)
	if err != nil {
		t.logger.Warn("grade sync user listing failed",
			zap.String("resource_id", resource.ResourceID),
			zap.Error(err))
		return report
	}

	for _, user := range mapped {
		report.UsersSeen++
		if sent, failed := t.syncUser(ctx, resource, linkByDeployment, user); sent {
			report.GradesSent++
		} else if failed {
			report.UsersFailed++
		}
	}
	return report
}

func (t *GradeSync) syncUser(ctx context.Context, resource resources.Resource, linkByDeployment map[string]links.ResourceLink, user users.LtiUser) (sent, failed bool) {
	link, ok := linkByDeployment[user.DeploymentKey]
	if !ok {
		t.logger.Debug("grade sync skipping user without grade service endpoint",
			zap.String("resource_id", resource.ResourceID),
			zap.String("subject", user.Subject))
		return false, false
	}

	record, err := t.grades.ResourceGrade(ctx, resource, user.LocalUserID)
	if err != nil {
		t.logger.Warn("grade sync grade read failed",
			zap.String("resource_id", resource.ResourceID),
			zap.String("local_user_id", user.LocalUserID),
			zap.Error(err))
		return false, true
	}
	if record.Score == nil {
		t.logger.Debug("grade sync skipping unset grade",
			zap.String("resource_id", resource.ResourceID),
			zap.String("subject", user.Subject))
		return false, false
	}
	if record.MaxScore <= 0 {
		t.logger.Debug("grade sync skipping zero max grade",
			zap.String("resource_id", resource.ResourceID),
			zap.String("subject", user.Subject))
		return false, false
	}
	if resource.GradeSyncGated && !record.Completed {
		t.logger.Debug("grade sync skipping incomplete user",
			zap.String("resource_id", resource.ResourceID),
			zap.String("subject", user.Subject))
		return false, false
	}

	normalized := *record.Score / record.MaxScore
	if user.LastGrade != nil && *user.LastGrade == normalized {
		t.logger.Debug("grade sync skipping unchanged grade",
			zap.String("resource_id", resource.ResourceID),
			zap.String("subject", user.Subject))
		return false, false
	}

	registration, _, err := t.directory.RegistrationForDeployment(ctx, user.DeploymentKey)
	if err != nil {
		t.logger.Warn("grade sync registration resolve failed",
			zap.String("resource_id", resource.ResourceID),
			zap.String("subject", user.Subject),
			zap.Error(err))
		return false, true
	}

	client, err := t.clients(registration)
	if err != nil {
		t.logger.Warn("grade sync client construction failed",
			zap.String("resource_id", resource.ResourceID),
			zap.String("registration_id", registration.RegistrationID),
			zap.Error(err))
		return false, true
	}

	score := services.Score{
		ScoreGiven:       normalized,
		ScoreMaximum:     1.0,
		UserID:           user.Subject,
		Timestamp:        t.clock().UTC().Format(time.RFC3339),
		ActivityProgress: "Completed",
		GradingProgress:  "FullyGraded",
	}
	if err := client.PutScore(ctx, link.LineitemURL, score); err != nil {
		t.logger.Warn("grade sync score push failed",
			zap.String("resource_id", resource.ResourceID),
			zap.String("subject", user.Subject),
			zap.Error(err))
		return false, true
	}

	if err := t.identities.SaveLastGrade(ctx, user, normalized); err != nil {
		t.logger.Warn("grade sync last grade persist failed",
			zap.String("resource_id", resource.ResourceID),
			zap.String("subject", user.Subject),
			zap.Error(err))
		return false, true
	}
	return true, false
}
