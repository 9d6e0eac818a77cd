package models

import (
	"time"

	"gorm.io/gorm"
)

// Enrollment statuses.
const (
	EnrollmentActive    = "active"
	EnrollmentCompleted = "completed"
	EnrollmentStopped   = "stopped"
	EnrollmentFailed    = "failed"
)

// Sequence is an ordered list of follow-up steps
type Sequence struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`
	StopOnReply bool   `gorm:"not null;default:true" json:"stop_on_reply"`
	IsActive    bool   `gorm:"not null;default:true" json:"is_active"`

	// Relations
	Steps []SequenceStep `gorm:"foreignKey:SequenceID;constraint:OnDelete:CASCADE" json:"steps,omitempty"`

	// Filled by list queries
	StepCount                int64 `gorm:"-" json:"step_count"`
	EnrollmentCount          int64 `gorm:"-" json:"enrollment_count"`
	ActiveEnrollmentCount    int64 `gorm:"-" json:"active_enrollment_count"`
	CompletedEnrollmentCount int64 `gorm:"-" json:"completed_enrollment_count"`
}

// SequenceStep is one email in a sequence
type SequenceStep struct {
	gorm.Model
	SequenceID uint `gorm:"not null;uniqueIndex:idx_sequence_step_number" json:"sequence_id"`

	StepNumber int    `gorm:"not null;uniqueIndex:idx_sequence_step_number" json:"step_number"`
	Subject    string `gorm:"not null" json:"subject"`
	Body       string `gorm:"type:text;not null" json:"body"`
	Tone       string `gorm:"not null;default:'professional'" json:"tone"`
	DelayDays  int    `gorm:"not null;default:0" json:"delay_days"` // days after the previous step
}

// SequenceEnrollment tracks one recipient's progress through a sequence
type SequenceEnrollment struct {
	gorm.Model
	SequenceID   uint `gorm:"not null;index" json:"sequence_id"`
	UserID       uint `gorm:"not null;index" json:"user_id"`
	ConnectionID uint `gorm:"not null" json:"connection_id"`

	RecipientEmail string `gorm:"not null;index" json:"recipient_email"`
	RecipientName  string `json:"recipient_name,omitempty"`

	Status      string     `gorm:"not null;default:'active';index" json:"status"` // active, completed, stopped, failed
	CurrentStep int        `gorm:"not null;default:0" json:"current_step"`        // 0 = not started
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	StoppedAt   *time.Time `json:"stopped_at"`
	LastError   *string    `json:"last_error,omitempty"`
}

// StepFireTime returns when the given 1-based step becomes due: started_at
// plus the cumulative delay of steps 1..n. Steps must be sorted.
func StepFireTime(startedAt time.Time, steps []SequenceStep, n int) time.Time {
	days := 0
	for i := 0; i < n && i < len(steps); i++ {
		days += steps[i].DelayDays
	}
	return startedAt.AddDate(0, 0, days)
}
