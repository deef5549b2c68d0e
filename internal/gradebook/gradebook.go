package gradebook

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/resources"
	"github.com/MarcoPoloResearchLab/ltibridge/backend/internal/sync"
	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("gradebook: database connection required")

// Grade is one user's recorded result for a course. The wider application
// writes these rows; the grade sync task only reads them.
type Grade struct {
	CourseID    string    `gorm:"column:course_id;primaryKey;size:190;not null"`
	LocalUserID string    `gorm:"column:local_user_id;primaryKey;size:190;not null"`
	Score       *float64  `gorm:"column:score"`
	MaxScore    float64   `gorm:"column:max_score;not null;default:0"`
	Completed   bool      `gorm:"column:completed;not null;default:false"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing recorded grades.
func (Grade) TableName() string {
	return "lti_grades"
}

// Store reads local grades for the grade sync task.
type Store struct {
	db *gorm.DB
}

// NewStore constructs the gradebook reader.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &Store{db: db}, nil
}

// ResourceGrade resolves the grade for one user in the resource's course. An
// absent row reads as an unset grade, which the task skips.
func (s *Store) ResourceGrade(ctx context.Context, resource resources.Resource, localUserID string) (sync.GradeRecord, error) {
	var grade Grade
	err := s.db.WithContext(ctx).
		Where("course_id = ? AND local_user_id = ?", resource.CourseID, localUserID).
		Take(&grade).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sync.GradeRecord{}, nil
	}
	if err != nil {
		return sync.GradeRecord{}, err
	}

	maxScore := grade.MaxScore
	if maxScore <= 0 {
		maxScore = resource.MaxGrade
	}
	return sync.GradeRecord{
		Score:     grade.Score,
		MaxScore:  maxScore,
		Completed: grade.Completed,
	}, nil
}
