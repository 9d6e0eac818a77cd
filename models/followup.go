package models

import (
	"time"

	"gorm.io/gorm"
)

// Follow-up job statuses. "scheduled" is pending with a future scheduled_at;
// the scheduler itself only ever writes "pending".
const (
	FollowUpPending   = "pending"
	FollowUpScheduled = "scheduled"
	FollowUpSent      = "sent"
	FollowUpFailed    = "failed"
	FollowUpCancelled = "cancelled"
	FollowUpReplied   = "replied"
)

// AwaitingSendStatuses are the statuses a job may be picked up or sent from.
var AwaitingSendStatuses = []string{FollowUpPending, FollowUpScheduled}

// CancellableStatuses are the statuses a manual cancel may move from.
var CancellableStatuses = []string{FollowUpPending, FollowUpScheduled, FollowUpFailed}

// FollowUpStatuses lists every valid status, in lifecycle order.
var FollowUpStatuses = []string{
	FollowUpPending, FollowUpScheduled, FollowUpSent,
	FollowUpReplied, FollowUpCancelled, FollowUpFailed,
}

// Tones accepted by the draft generator.
const (
	ToneProfessional = "professional"
	ToneFriendly     = "friendly"
	ToneUrgent       = "urgent"
)

// FollowUpJob is one scheduled follow-up to an original outreach email
type FollowUpJob struct {
	gorm.Model
	UserID       uint `gorm:"not null;index" json:"user_id"`
	ConnectionID uint `gorm:"not null;index" json:"connection_id"`

	// Original email
	OriginalRecipient string `gorm:"not null;index" json:"original_recipient"`
	OriginalSubject   string `gorm:"not null" json:"original_subject"`
	OriginalBody      string `gorm:"type:text" json:"original_body"`
	OriginalMessageID string `gorm:"index" json:"original_message_id,omitempty"`
	RecipientName     string `json:"recipient_name,omitempty"`

	// Follow-up configuration
	DelayHours   int    `gorm:"not null;default:24" json:"delay_hours"`
	Tone         string `gorm:"not null;default:'professional'" json:"tone"` // professional, friendly, urgent
	MaxFollowups int    `gorm:"not null;default:1" json:"max_followups"`
	StopOnReply  bool   `gorm:"not null;default:true" json:"stop_on_reply"`

	// Set when the job was materialized from a sequence step
	SequenceEnrollmentID *uint `gorm:"index" json:"sequence_enrollment_id,omitempty"`
	StepNumber           int   `gorm:"default:0" json:"step_number,omitempty"`

	// Draft, written once
	DraftSubject string `json:"draft_subject"`
	DraftBody    string `gorm:"type:text" json:"draft_body"`

	// Delivery state
	Status            string     `gorm:"not null;default:'pending';index:idx_followup_due,priority:1" json:"status"` // pending, scheduled, sent, replied, cancelled, failed
	ScheduledAt       time.Time  `gorm:"not null;index:idx_followup_due,priority:2" json:"scheduled_at"`
	Attempts          int        `gorm:"not null;default:0" json:"attempts"`
	SentAt            *time.Time `json:"sent_at"`
	ProviderMessageID string     `gorm:"index" json:"provider_message_id,omitempty"`
	ReplyReceivedAt   *time.Time `json:"reply_received_at"`
	ErrorMessage      *string    `gorm:"type:text" json:"error_message"`

	Replies []Reply `gorm:"foreignKey:FollowUpJobID" json:"replies,omitempty"`
}

func (FollowUpJob) TableName() string {
	return "followup_jobs"
}

// HasDraft reports whether both draft fields are populated.
func (j *FollowUpJob) HasDraft() bool {
	return j.DraftSubject != "" && j.DraftBody != ""
}

// AwaitingSend reports whether the job may still be sent.
func (j *FollowUpJob) AwaitingSend() bool {
	return j.Status == FollowUpPending || j.Status == FollowUpScheduled
}

// IsDue reports whether the job is awaiting send and its scheduled time has passed.
func (j *FollowUpJob) IsDue(now time.Time) bool {
	return j.AwaitingSend() && !j.ScheduledAt.After(now)
}

// CanRetry reports whether an operator retry is allowed.
func (j *FollowUpJob) CanRetry() bool {
	return j.Status == FollowUpFailed || j.Status == FollowUpPending
}

// CanCancel reports whether a manual cancel is allowed.
func (j *FollowUpJob) CanCancel() bool {
	for _, s := range CancellableStatuses {
		if j.Status == s {
			return true
		}
	}
	return false
}

// DisplayStatus reports "scheduled" for pending jobs whose send time is still ahead.
func (j *FollowUpJob) DisplayStatus(now time.Time) string {
	if j.Status == FollowUpPending && j.ScheduledAt.After(now) {
		return FollowUpScheduled
	}
	return j.Status
}

// DeliveryAttempt records one provider send attempt for a job
type DeliveryAttempt struct {
	gorm.Model
	JobID         uint      `gorm:"not null;index" json:"job_id"`
	AttemptNumber int       `gorm:"not null" json:"attempt_number"`
	Success       bool      `gorm:"not null" json:"success"`
	Provider      string    `json:"provider"`
	MessageID     string    `json:"message_id,omitempty"`
	Error         *string   `gorm:"type:text" json:"error,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
}
