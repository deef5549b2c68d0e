package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrInvalidIdentity indicates the external identity lacked a usable subject.
	ErrInvalidIdentity = errors.New("users: invalid external identity")
	// ErrUserNotFound indicates no LTI user matches the lookup.
	ErrUserNotFound    = errors.New("users: lti user not found")
	errMissingDatabase = errors.New("users: database connection required")
)

const defaultPlaceholderDomain = "lti.invalid"

// ServiceConfig describes the dependencies required for identity resolution.
type ServiceConfig struct {
	Database          *gorm.DB
	Clock             func() time.Time
	PlaceholderDomain string
	Logger            *zap.Logger
}

// Service owns the mapping from platform subjects to local accounts. Launch
// handling, roster sync and any future migration path all resolve identities
// through the one upsert below so the three call sites cannot drift.
type Service struct {
	db                *gorm.DB
	clock             func() time.Time
	placeholderDomain string
	logger            *zap.Logger
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	domain := normalize(cfg.PlaceholderDomain)
	if domain == "" {
		domain = defaultPlaceholderDomain
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:                cfg.Database,
		clock:             clock,
		placeholderDomain: domain,
		logger:            logger,
	}, nil
}

// UpsertFromIdentity resolves the LTI user and local account for an external
// identity scoped to a published resource, creating both on first sight and
// refreshing profile fields on every later one. A create racing another
// request falls back to find-and-update, so repeated and concurrent calls for
// the same identity converge on a single row pair. The call counts as an
// access and advances last_access_at.
func (s *Service) UpsertFromIdentity(ctx context.Context, identity ExternalIdentity, resourceID, deploymentKey string) (LtiUser, Account, error) {
	return s.upsert(ctx, identity, resourceID, deploymentKey, true)
}

// UpsertFromRoster resolves the same pair for a roster member. Appearing on a
// roster is not an access, so last_access_at stays untouched.
func (s *Service) UpsertFromRoster(ctx context.Context, identity ExternalIdentity, resourceID, deploymentKey string) (LtiUser, Account, error) {
	return s.upsert(ctx, identity, resourceID, deploymentKey, false)
}

func (s *Service) upsert(ctx context.Context, identity ExternalIdentity, resourceID, deploymentKey string, touchAccess bool) (LtiUser, Account, error) {
	if normalize(identity.Subject) == "" || normalize(identity.Issuer) == "" {
		return LtiUser{}, Account{}, ErrInvalidIdentity
	}
	if normalize(resourceID) == "" {
		return LtiUser{}, Account{}, fmt.Errorf("%w: resource id required", ErrInvalidIdentity)
	}

	username := identity.Username()

	account, err := s.resolveAccount(ctx, username, identity)
	if err != nil {
		return LtiUser{}, Account{}, err
	}

	user, err := s.resolveLtiUser(ctx, username, resourceID, deploymentKey, account.LocalUserID, identity, touchAccess)
	if err != nil {
		return LtiUser{}, Account{}, err
	}

	return user, account, nil
}

func (s *Service) resolveAccount(ctx context.Context, username string, identity ExternalIdentity) (Account, error) {
	var account Account
	err := s.db.WithContext(ctx).
		Where("username = ?", username).
		Take(&account).Error
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, err
	}

	localID, err := uuid.NewV7()
	if err != nil {
		return Account{}, err
	}
	account = Account{
		LocalUserID: localID.String(),
		Username:    username,
		Email:       s.accountEmail(identity.Email, username),
		GivenName:   normalize(identity.GivenName),
		FamilyName:  normalize(identity.FamilyName),
		Locale:      normalize(identity.Locale),
	}
	if createErr := s.db.WithContext(ctx).Create(&account).Error; createErr != nil {
		// A concurrent creator may have won the unique username constraint.
		var existing Account
		if findErr := s.db.WithContext(ctx).
			Where("username = ?", username).
			Take(&existing).Error; findErr == nil {
			return existing, nil
		}
		return Account{}, createErr
	}
	return account, nil
}

func (s *Service) resolveLtiUser(ctx context.Context, username, resourceID, deploymentKey, localUserID string, identity ExternalIdentity, touchAccess bool) (LtiUser, error) {
	seenAt := s.clock().UTC()

	var user LtiUser
	err := s.db.WithContext(ctx).
		Where("username = ? AND resource_id = ?", username, resourceID).
		Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		user = LtiUser{
			Username:      username,
			ResourceID:    resourceID,
			LocalUserID:   localUserID,
			DeploymentKey: normalize(deploymentKey),
			Subject:       normalize(identity.Subject),
			GivenName:     normalize(identity.GivenName),
			FamilyName:    normalize(identity.FamilyName),
			Email:         normalize(identity.Email),
			PictureURL:    normalize(identity.PictureURL),
			Locale:        normalize(identity.Locale),
		}
		if touchAccess {
			user.LastAccessAt = &seenAt
		}
		if createErr := s.db.WithContext(ctx).Create(&user).Error; createErr != nil {
			// Lost the (username, resource) uniqueness race; converge on the
			// winner's row.
			var existing LtiUser
			if findErr := s.db.WithContext(ctx).
				Where("username = ? AND resource_id = ?", username, resourceID).
				Take(&existing).Error; findErr != nil {
				return LtiUser{}, createErr
			}
			return s.refreshLtiUser(ctx, existing, identity, seenAt, touchAccess)
		}
		return user, nil
	}
	if err != nil {
		return LtiUser{}, err
	}
	return s.refreshLtiUser(ctx, user, identity, seenAt, touchAccess)
}

// refreshLtiUser applies last-write-wins to profile fields: a non-empty
// incoming value overwrites, an absent one never blanks a stored value. Only
// launches stamp last_access_at.
func (s *Service) refreshLtiUser(ctx context.Context, user LtiUser, identity ExternalIdentity, seenAt time.Time, touchAccess bool) (LtiUser, error) {
	updates := map[string]interface{}{}
	if value := normalize(identity.GivenName); value != "" && value != user.GivenName {
		updates["given_name"] = value
		user.GivenName = value
	}
	if value := normalize(identity.FamilyName); value != "" && value != user.FamilyName {
		updates["family_name"] = value
		user.FamilyName = value
	}
	if value := normalize(identity.Email); value != "" && value != user.Email {
		updates["email"] = value
		user.Email = value
	}
	if value := normalize(identity.PictureURL); value != "" && value != user.PictureURL {
		updates["picture_url"] = value
		user.PictureURL = value
	}
	if value := normalize(identity.Locale); value != "" && value != user.Locale {
		updates["locale"] = value
		user.Locale = value
	}
	if touchAccess {
		updates["last_access_at"] = seenAt
		user.LastAccessAt = &seenAt
	}
	if len(updates) == 0 {
		return user, nil
	}

	if err := s.db.WithContext(ctx).Model(&LtiUser{}).
		Where("username = ? AND resource_id = ?", user.Username, user.ResourceID).
		Updates(updates).Error; err != nil {
		return LtiUser{}, err
	}
	return user, nil
}

func (s *Service) accountEmail(claimed, username string) string {
	if value := normalize(claimed); value != "" {
		return value
	}
	return fmt.Sprintf("%s@%s", username, s.placeholderDomain)
}

// FindBySubject resolves the LTI user for a platform subject scoped to a
// resource, using the same derivation as the upsert.
func (s *Service) FindBySubject(ctx context.Context, issuer, clientID, deploymentID, subject, resourceID string) (LtiUser, error) {
	username := DeriveUsername(issuer, clientID, deploymentID, subject)
	var user LtiUser
	err := s.db.WithContext(ctx).
		Where("username = ? AND resource_id = ?", username, resourceID).
		Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return LtiUser{}, ErrUserNotFound
	}
	if err != nil {
		return LtiUser{}, err
	}
	return user, nil
}

// ListByResource returns every LTI user mapped to a published resource.
func (s *Service) ListByResource(ctx context.Context, resourceID string) ([]LtiUser, error) {
	var records []LtiUser
	if err := s.db.WithContext(ctx).
		Where("resource_id = ?", resourceID).
		Order("username ASC").
		Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// SaveLastGrade persists the grade most recently pushed to the platform.
func (s *Service) SaveLastGrade(ctx context.Context, user LtiUser, grade float64) error {
	return s.db.WithContext(ctx).Model(&LtiUser{}).
		Where("username = ? AND resource_id = ?", user.Username, user.ResourceID).
		Update("last_grade", grade).Error
}

// Delete removes one LTI user mapping. The local account survives; it may
// back other mappings.
func (s *Service) Delete(ctx context.Context, user LtiUser) error {
	return s.db.WithContext(ctx).
		Where("username = ? AND resource_id = ?", user.Username, user.ResourceID).
		Delete(&LtiUser{}).Error
}

// DeleteByResource removes every mapping owned by a published resource.
func (s *Service) DeleteByResource(ctx context.Context, resourceID string) error {
	return s.db.WithContext(ctx).
		Where("resource_id = ?", resourceID).
		Delete(&LtiUser{}).Error
}

// DeleteByDeployment removes every mapping owned by a deployment.
func (s *Service) DeleteByDeployment(ctx context.Context, deploymentKey string) error {
	return s.db.WithContext(ctx).
		Where("deployment_key = ?", deploymentKey).
		Delete(&LtiUser{}).Error
}

// Account loads the local account behind a mapping.
func (s *Service) Account(ctx context.Context, localUserID string) (Account, error) {
	var account Account
	err := s.db.WithContext(ctx).
		Where("local_user_id = ?", localUserID).
		Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, ErrUserNotFound
	}
	if err != nil {
		return Account{}, err
	}
	return account, nil
}
