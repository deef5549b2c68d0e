package launch

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/enrollment"
	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/links"
	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/platform"
	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/resources"
	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/users"
	"go.uber.org/zap"
)

var (
	// ErrUnknownRegistration indicates the launch issuer/client pair is not trusted.
	ErrUnknownRegistration = errors.New("launch: unknown registration")
	// ErrUnknownDeployment indicates the deployment is not provisioned.
	ErrUnknownDeployment = errors.New("launch: unknown deployment")

	errMissingDirectory  = errors.New("registration directory is required")
	errMissingIdentities = errors.New("identity service is required")
	errMissingResources  = errors.New("resource repository is required")
	errMissingContexts   = errors.New("context repository is required")
	errMissingLinks      = errors.New("resource link repository is required")
	errMissingEnrolment  = errors.New("enrolment store is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a machine-readable operation code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code exposes the operation code for callers mapping errors to responses.
func (e *ServiceError) Code() string {
	return e.code
}

const opLaunch = "launch.handle"

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ServiceConfig describes the collaborators the launch service orchestrates.
type ServiceConfig struct {
	Directory  *platform.Directory
	Identities *users.Service
	Resources  resources.Repository
	Contexts   links.ContextRepository
	Links      links.ResourceLinkRepository
	Enrolment  enrollment.Store
	Logger     *zap.Logger
}

// Service handles one inbound launch end to end: it materializes the context,
// resource link and user entities and delegates enrolment to the store. Every
// persistence step is idempotent, so a retried launch converges instead of
// duplicating entities.
type Service struct {
	directory  *platform.Directory
	identities *users.Service
	resources  resources.Repository
	contexts   links.ContextRepository
	links      links.ResourceLinkRepository
	enrolment  enrollment.Store
	logger     *zap.Logger
}

// NewService constructs the launch service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Directory == nil {
		return nil, errMissingDirectory
	}
	if cfg.Identities == nil {
		return nil, errMissingIdentities
	}
	if cfg.Resources == nil {
		return nil, errMissingResources
	}
	if cfg.Contexts == nil {
		return nil, errMissingContexts
	}
	if cfg.Links == nil {
		return nil, errMissingLinks
	}
	if cfg.Enrolment == nil {
		return nil, errMissingEnrolment
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		directory:  cfg.Directory,
		identities: cfg.Identities,
		resources:  cfg.Resources,
		contexts:   cfg.Contexts,
		links:      cfg.Links,
		enrolment:  cfg.Enrolment,
		logger:     logger,
	}, nil
}

// Result is what session establishment needs after a successful launch.
type Result struct {
	LocalUserID string
	Resource    resources.Resource
	Display     DisplayMode
	RoleID      string
}

// Launch processes one verified launch. Any resolution failure is terminal:
// the launch either fully succeeds or is rejected.
func (s *Service) Launch(ctx context.Context, data LaunchData) (Result, error) {
	if data.ResourceID == "" {
		s.logError("missing_resource_claim", ErrInvalidLaunch, zap.String("subject", data.Subject))
		return Result{}, newServiceError(opLaunch, "missing_resource_claim", ErrInvalidLaunch)
	}

	resource, err := s.resources.Find(ctx, data.ResourceID)
	if errors.Is(err, resources.ErrResourceNotFound) {
		return Result{}, newServiceError(opLaunch, "resource_not_found", fmt.Errorf("%w: resource %q", ErrInvalidLaunch, data.ResourceID))
	}
	if err != nil {
		s.logError("resource_lookup_failed", err, zap.String("resource_id", data.ResourceID))
		return Result{}, newServiceError(opLaunch, "resource_lookup_failed", err)
	}
	if !resource.Enabled {
		return Result{}, newServiceError(opLaunch, "resource_disabled", fmt.Errorf("%w: resource %q disabled", ErrInvalidLaunch, data.ResourceID))
	}

	if _, err := s.directory.FindRegistration(ctx, data.Issuer, data.ClientID); err != nil {
		if errors.Is(err, platform.ErrRegistrationNotFound) || errors.Is(err, platform.ErrInvalidLookup) {
			return Result{}, newServiceError(opLaunch, "unknown_registration", fmt.Errorf("%w: %v", ErrUnknownRegistration, err))
		}
		s.logError("registration_lookup_failed", err, zap.String("issuer", data.Issuer))
		return Result{}, newServiceError(opLaunch, "registration_lookup_failed", err)
	}

	deployment, err := s.directory.FindDeployment(ctx, data.Issuer, data.ClientID, data.DeploymentID)
	if err != nil {
		if errors.Is(err, platform.ErrDeploymentNotFound) || errors.Is(err, platform.ErrInvalidLookup) {
			return Result{}, newServiceError(opLaunch, "unknown_deployment", fmt.Errorf("%w: %v", ErrUnknownDeployment, err))
		}
		s.logError("deployment_lookup_failed", err, zap.String("deployment_id", data.DeploymentID))
		return Result{}, newServiceError(opLaunch, "deployment_lookup_failed", err)
	}

	contextKey, err := s.resolveContext(ctx, deployment, data)
	if err != nil {
		s.logError("context_resolve_failed", err, zap.String("context_id", data.ContextID))
		return Result{}, newServiceError(opLaunch, "context_resolve_failed", err)
	}

	if err := s.resolveResourceLink(ctx, deployment, contextKey, resource.ResourceID, data); err != nil {
		s.logError("resource_link_resolve_failed", err, zap.String("link_id", data.ResourceLinkID))
		return Result{}, newServiceError(opLaunch, "resource_link_resolve_failed", err)
	}

	identity := users.ExternalIdentity{
		Issuer:       data.Issuer,
		ClientID:     data.ClientID,
		DeploymentID: data.DeploymentID,
		Subject:      data.Subject,
		GivenName:    data.GivenName,
		FamilyName:   data.FamilyName,
		Email:        data.Email,
		PictureURL:   data.Picture,
		Locale:       data.Locale,
	}
	_, account, err := s.identities.UpsertFromIdentity(ctx, identity, resource.ResourceID, deployment.DeploymentKey)
	if err != nil {
		s.logError("identity_upsert_failed", err, zap.String("subject", data.Subject))
		return Result{}, newServiceError(opLaunch, "identity_upsert_failed", err)
	}

	profile := ClassifyRoles(data.Roles)
	display := DisplayFor(profile, data.ForceEmbed)
	roleID := resource.LearnerRoleID
	if profile.Staff() {
		roleID = resource.InstructorRoleID
	}

	if _, err := s.enrolment.Enrol(ctx, resource.CourseID, account.LocalUserID); err != nil {
		s.logError("enrol_failed", err,
			zap.String("resource_id", resource.ResourceID),
			zap.String("local_user_id", account.LocalUserID))
		return Result{}, newServiceError(opLaunch, "enrol_failed", err)
	}
	if err := s.enrolment.AssignRole(ctx, roleID, account.LocalUserID, resource.ContextID); err != nil {
		s.logError("role_assign_failed", err,
			zap.String("role_id", roleID),
			zap.String("local_user_id", account.LocalUserID))
		return Result{}, newServiceError(opLaunch, "role_assign_failed", err)
	}

	return Result{
		LocalUserID: account.LocalUserID,
		Resource:    resource,
		Display:     display,
		RoleID:      roleID,
	}, nil
}

func (s *Service) resolveContext(ctx context.Context, deployment platform.Deployment, data LaunchData) (string, error) {
	if data.ContextID == "" {
		return "", nil
	}

	record, err := s.contexts.FindByPlatformID(ctx, deployment.DeploymentKey, data.ContextID)
	if errors.Is(err, links.ErrContextNotFound) {
		record = links.Context{
			DeploymentKey: deployment.DeploymentKey,
			PlatformID:    data.ContextID,
			Type:          data.ContextType,
		}
		if saveErr := s.contexts.Save(ctx, &record); saveErr != nil {
			return "", saveErr
		}
		return record.ContextKey, nil
	}
	if err != nil {
		return "", err
	}

	if data.ContextType != "" && data.ContextType != record.Type {
		record.Type = data.ContextType
		if saveErr := s.contexts.Save(ctx, &record); saveErr != nil {
			return "", saveErr
		}
	}
	return record.ContextKey, nil
}

func (s *Service) resolveResourceLink(ctx context.Context, deployment platform.Deployment, contextKey, resourceID string, data LaunchData) error {
	record, err := s.links.FindByPlatformID(ctx, deployment.DeploymentKey, data.ResourceLinkID)
	if errors.Is(err, links.ErrLinkNotFound) {
		record = links.ResourceLink{
			DeploymentKey: deployment.DeploymentKey,
			PlatformID:    data.ResourceLinkID,
			ContextKey:    contextKey,
			ResourceID:    resourceID,
		}
		applyServiceEndpoints(&record, data)
		return s.links.Save(ctx, &record)
	}
	if err != nil {
		return err
	}

	// Re-publishing through content selection may re-target the link.
	record.ResourceID = resourceID
	if contextKey != "" {
		record.ContextKey = contextKey
	}
	applyServiceEndpoints(&record, data)
	return s.links.Save(ctx, &record)
}

func applyServiceEndpoints(record *links.ResourceLink, data LaunchData) {
	if data.AGS != nil {
		record.LineitemsURL = data.AGS.LineitemsURL
		record.LineitemURL = data.AGS.LineitemURL
		record.AGSScopes = links.JoinScopes(data.AGS.Scopes)
	}
	if data.NRPS != nil {
		record.MembershipsURL = data.NRPS.MembershipsURL
		record.NRPSVersions = links.JoinScopes(data.NRPS.Versions)
	}
}

func (s *Service) logError(reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", opLaunch),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("launch service error", attrs...)
}
