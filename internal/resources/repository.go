package resources

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

var (
	// ErrResourceNotFound indicates no published resource matches the lookup.
	ErrResourceNotFound = errors.New("resources: resource not found")
	errMissingDatabase  = errors.New("resources: database connection required")
)

// Repository provides read access to published resources and their sync
// configuration.
type Repository interface {
	Find(ctx context.Context, resourceID string) (Resource, error)
	ListMembershipSynced(ctx context.Context) ([]Resource, error)
	ListGradeSynced(ctx context.Context) ([]Resource, error)
	Save(ctx context.Context, record *Resource) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository constructs the GORM-backed resource repository.
func NewRepository(db *gorm.DB) (Repository, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &gormRepository{db: db}, nil
}

func (r *gormRepository) Find(ctx context.Context, resourceID string) (Resource, error) {
	var record Resource
	err := r.db.WithContext(ctx).
		Where("resource_id = ?", resourceID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Resource{}, ErrResourceNotFound
	}
	if err != nil {
		return Resource{}, err
	}
	return record, nil
}

func (r *gormRepository) ListMembershipSynced(ctx context.Context) ([]Resource, error) {
	var records []Resource
	if err := r.db.WithContext(ctx).
		Where("enabled = ? AND membership_sync_mode <> ?", true, string(SyncModeDisabled)).
		Order("resource_id ASC").
		Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (r *gormRepository) ListGradeSynced(ctx context.Context) ([]Resource, error) {
	var records []Resource
	if err := r.db.WithContext(ctx).
		Where("enabled = ? AND grade_sync = ?", true, true).
		Order("resource_id ASC").
		Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (r *gormRepository) Save(ctx context.Context, record *Resource) error {
	return r.db.WithContext(ctx).Save(record).Error
}
