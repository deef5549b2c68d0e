package resources

import (
	"errors"
	"strings"
	"time"
)

// MembershipSyncMode controls what the member sync task may change for a
// published resource.
type MembershipSyncMode string

const (
	// SyncModeDisabled turns membership sync off for the resource.
	SyncModeDisabled MembershipSyncMode = "disabled"
	// SyncModeEnrolNew enrols newly-seen roster members only.
	SyncModeEnrolNew MembershipSyncMode = "ENROL_NEW"
	// SyncModeUnenrolMissing unenrols users missing from the roster only.
	SyncModeUnenrolMissing MembershipSyncMode = "UNENROL_MISSING"
	// SyncModeEnrolAndUnenrol both enrols new and unenrols missing members.
	SyncModeEnrolAndUnenrol MembershipSyncMode = "ENROL_AND_UNENROL"
)

// ErrUnknownSyncMode indicates an unrecognized membership sync mode value.
var ErrUnknownSyncMode = errors.New("resources: unknown membership sync mode")

// ParseSyncMode validates a stored or configured sync mode value.
func ParseSyncMode(value string) (MembershipSyncMode, error) {
	switch MembershipSyncMode(strings.TrimSpace(value)) {
	case SyncModeDisabled, MembershipSyncMode(""):
		return SyncModeDisabled, nil
	case SyncModeEnrolNew:
		return SyncModeEnrolNew, nil
	case SyncModeUnenrolMissing:
		return SyncModeUnenrolMissing, nil
	case SyncModeEnrolAndUnenrol:
		return SyncModeEnrolAndUnenrol, nil
	default:
		return "", ErrUnknownSyncMode
	}
}

// EnrolsNew reports whether the mode permits enrolling roster members.
func (m MembershipSyncMode) EnrolsNew() bool {
	return m == SyncModeEnrolNew || m == SyncModeEnrolAndUnenrol
}

// UnenrolsMissing reports whether the mode permits unenrolling absent members.
func (m MembershipSyncMode) UnenrolsMissing() bool {
	return m == SyncModeUnenrolMissing || m == SyncModeEnrolAndUnenrol
}

// Enabled reports whether any membership sync work is configured.
func (m MembershipSyncMode) Enabled() bool {
	return m.EnrolsNew() || m.UnenrolsMissing()
}

// Resource is a locally published resource that platforms launch into. The
// wider application owns publication; this core reads the launch and sync
// configuration recorded here.
type Resource struct {
	ResourceID       string             `gorm:"column:resource_id;primaryKey;size:190;not null"`
	Title            string             `gorm:"column:title;size:320"`
	Enabled          bool               `gorm:"column:enabled;not null;default:true"`
	CourseID         string             `gorm:"column:course_id;size:190;not null;index"`
	ContextID        string             `gorm:"column:context_id;size:190;not null"`
	InstructorRoleID string             `gorm:"column:instructor_role_id;size:190;not null"`
	LearnerRoleID    string             `gorm:"column:learner_role_id;size:190;not null"`
	MembershipSync   MembershipSyncMode `gorm:"column:membership_sync_mode;size:32;not null;default:disabled"`
	GradeSync        bool               `gorm:"column:grade_sync;not null;default:false"`
	GradeSyncGated   bool               `gorm:"column:grade_sync_completion_gated;not null;default:false"`
	MaxGrade         float64            `gorm:"column:max_grade;not null;default:0"`
	CreatedAt        time.Time          `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time          `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing published resources.
func (Resource) TableName() string {
	return "lti_resources"
}
