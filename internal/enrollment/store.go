package enrollment

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// EnrolOutcome reports what an idempotent enrolment actually did.
type EnrolOutcome int

const (
	// OutcomeEnrolled indicates a new enrolment row was written.
	OutcomeEnrolled EnrolOutcome = iota
	// OutcomeAlreadyEnrolled indicates the user was enrolled before the call.
	OutcomeAlreadyEnrolled
)

var errMissingDatabase = errors.New("enrollment: database connection required")

// Store is the enrolment collaborator the launch service and sync tasks call.
// Enrol must be idempotent: enrolling an already-enrolled user is not an error.
type Store interface {
	Enabled(ctx context.Context) bool
	Enrol(ctx context.Context, courseID, localUserID string) (EnrolOutcome, error)
	AssignRole(ctx context.Context, roleID, localUserID, contextID string) error
	Unenrol(ctx context.Context, courseID, localUserID string) error
}

// Enrolment is a course membership row.
type Enrolment struct {
	CourseID    string    `gorm:"column:course_id;primaryKey;size:190;not null"`
	LocalUserID string    `gorm:"column:local_user_id;primaryKey;size:190;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing enrolments.
func (Enrolment) TableName() string {
	return "lti_enrolments"
}

// RoleAssignment is a role granted to a user within a context.
type RoleAssignment struct {
	RoleID      string    `gorm:"column:role_id;primaryKey;size:190;not null"`
	LocalUserID string    `gorm:"column:local_user_id;primaryKey;size:190;not null"`
	ContextID   string    `gorm:"column:context_id;primaryKey;size:190;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing role assignments.
func (RoleAssignment) TableName() string {
	return "lti_role_assignments"
}

// GormStore is the default enrolment store backed by the local database. An
// administrative switch can take it offline, which short-circuits the member
// sync task entirely.
type GormStore struct {
	db      *gorm.DB
	enabled func() bool
}

// NewGormStore constructs the enrolment store. A nil enabled func means the
// store is always administratively enabled.
func NewGormStore(db *gorm.DB, enabled func() bool) (*GormStore, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	if enabled == nil {
		enabled = func() bool { return true }
	}
	return &GormStore{db: db, enabled: enabled}, nil
}

// Enabled reports whether enrolment handling is administratively active.
func (s *GormStore) Enabled(_ context.Context) bool {
	return s.enabled()
}

// Enrol adds the user to the course, reporting whether the row already existed.
func (s *GormStore) Enrol(ctx context.Context, courseID, localUserID string) (EnrolOutcome, error) {
	var existing Enrolment
	err := s.db.WithContext(ctx).
		Where("course_id = ? AND local_user_id = ?", courseID, localUserID).
		Take(&existing).Error
	if err == nil {
		return OutcomeAlreadyEnrolled, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return OutcomeAlreadyEnrolled, err
	}

	record := Enrolment{CourseID: courseID, LocalUserID: localUserID}
	if createErr := s.db.WithContext(ctx).Create(&record).Error; createErr != nil {
		// A concurrent launch may have enrolled the user first.
		if findErr := s.db.WithContext(ctx).
			Where("course_id = ? AND local_user_id = ?", courseID, localUserID).
			Take(&existing).Error; findErr == nil {
			return OutcomeAlreadyEnrolled, nil
		}
		return OutcomeAlreadyEnrolled, createErr
	}
	return OutcomeEnrolled, nil
}

// AssignRole grants the role in the context, idempotently.
func (s *GormStore) AssignRole(ctx context.Context, roleID, localUserID, contextID string) error {
	var existing RoleAssignment
	err := s.db.WithContext(ctx).
		Where("role_id = ? AND local_user_id = ? AND context_id = ?", roleID, localUserID, contextID).
		Take(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	record := RoleAssignment{RoleID: roleID, LocalUserID: localUserID, ContextID: contextID}
	if createErr := s.db.WithContext(ctx).Create(&record).Error; createErr != nil {
		if findErr := s.db.WithContext(ctx).
			Where("role_id = ? AND local_user_id = ? AND context_id = ?", roleID, localUserID, contextID).
			Take(&existing).Error; findErr == nil {
			return nil
		}
		return createErr
	}
	return nil
}

// Unenrol removes the user from the course. Removing an absent user is a no-op.
func (s *GormStore) Unenrol(ctx context.Context, courseID, localUserID string) error {
	return s.db.WithContext(ctx).
		Where("course_id = ? AND local_user_id = ?", courseID, localUserID).
		Delete(&Enrolment{}).Error
}
