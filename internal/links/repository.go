package links

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	// ErrContextNotFound indicates no context matches the lookup.
	ErrContextNotFound = errors.New("links: context not found")
	// ErrLinkNotFound indicates no resource link matches the lookup.
	ErrLinkNotFound    = errors.New("links: resource link not found")
	errMissingDatabase = errors.New("links: database connection required")
)

// ContextRepository provides find/save over platform contexts.
type ContextRepository interface {
	FindByPlatformID(ctx context.Context, deploymentKey, platformID string) (Context, error)
	Save(ctx context.Context, record *Context) error
}

// ResourceLinkRepository provides find/save/delete over resource links.
type ResourceLinkRepository interface {
	FindByPlatformID(ctx context.Context, deploymentKey, platformID string) (ResourceLink, error)
	ListByResource(ctx context.Context, resourceID string) ([]ResourceLink, error)
	Save(ctx context.Context, record *ResourceLink) error
	DeleteByResource(ctx context.Context, resourceID string) error
	DeleteByDeployment(ctx context.Context, deploymentKey string) error
}

type gormContextRepository struct {
	db *gorm.DB
}

// NewContextRepository constructs the GORM-backed context repository.
func NewContextRepository(db *gorm.DB) (ContextRepository, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &gormContextRepository{db: db}, nil
}

func (r *gormContextRepository) FindByPlatformID(ctx context.Context, deploymentKey, platformID string) (Context, error) {
	var record Context
	err := r.db.WithContext(ctx).
		Where("deployment_key = ? AND platform_context_id = ?", deploymentKey, platformID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Context{}, ErrContextNotFound
	}
	if err != nil {
		return Context{}, err
	}
	return record, nil
}

func (r *gormContextRepository) Save(ctx context.Context, record *Context) error {
	if record.ContextKey == "" {
		key, err := uuid.NewV7()
		if err != nil {
			return err
		}
		record.ContextKey = key.String()
	}
	return r.db.WithContext(ctx).Save(record).Error
}

type gormResourceLinkRepository struct {
	db *gorm.DB
}

// NewResourceLinkRepository constructs the GORM-backed resource link repository.
func NewResourceLinkRepository(db *gorm.DB) (ResourceLinkRepository, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &gormResourceLinkRepository{db: db}, nil
}

func (r *gormResourceLinkRepository) FindByPlatformID(ctx context.Context, deploymentKey, platformID string) (ResourceLink, error) {
	var record ResourceLink
	err := r.db.WithContext(ctx).
		Where("deployment_key = ? AND platform_link_id = ?", deploymentKey, platformID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ResourceLink{}, ErrLinkNotFound
	}
	if err != nil {
		return ResourceLink{}, err
	}
	return record, nil
}

func (r *gormResourceLinkRepository) ListByResource(ctx context.Context, resourceID string) ([]ResourceLink, error) {
	var records []ResourceLink
	if err := r.db.WithContext(ctx).
		Where("resource_id = ?", resourceID).
		Order("created_at ASC").
		Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (r *gormResourceLinkRepository) Save(ctx context.Context, record *ResourceLink) error {
	if record.LinkKey == "" {
		key, err := uuid.NewV7()
		if err != nil {
			return err
		}
		record.LinkKey = key.String()
	}
	return r.db.WithContext(ctx).Save(record).Error
}

func (r *gormResourceLinkRepository) DeleteByResource(ctx context.Context, resourceID string) error {
	return r.db.WithContext(ctx).
		Where("resource_id = ?", resourceID).
		Delete(&ResourceLink{}).Error
}

func (r *gormResourceLinkRepository) DeleteByDeployment(ctx context.Context, deploymentKey string) error {
	if err := r.db.WithContext(ctx).
		Where("deployment_key = ?", deploymentKey).
		Delete(&Context{}).Error; err != nil {
		return err
	}
	return r.db.WithContext(ctx).
		Where("deployment_key = ?", deploymentKey).
		Delete(&ResourceLink{}).Error
}
