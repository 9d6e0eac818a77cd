// Package store persists follow-up jobs, connections, replies and sequences.
//
// Every status mutation is a conditional update keyed by id and the expected
// prior status; when no row matches, ErrConflict is returned and the caller
// must treat the write as lost to a concurrent worker.
package store

import (
	"context"
	"errors"
	"time"

	"mailfollow/models"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrConflict  = errors.New("record changed concurrently")
	ErrDuplicate = errors.New("record already exists")
)

// JobFilter narrows ListFollowUps.
type JobFilter struct {
	UserID uint
	Status string
	Limit  int
	Offset int
}

// ReplyFilter narrows ListReplies. From is inclusive, To exclusive.
type ReplyFilter struct {
	UserID uint
	Search string
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

// Store is the persistence contract used by the scheduler core and the API.
type Store interface {
	// Transaction runs fn against a store bound to one database transaction.
	Transaction(ctx context.Context, fn func(tx Store) error) error

	UserStore
	ConnectionStore
	FollowUpStore
	ReplyStore
	SequenceStore
}

type UserStore interface {
	// GetUserSettings returns empty settings when the user has none saved.
	GetUserSettings(ctx context.Context, userID uint) (*models.UserSettings, error)
	SaveUserSettings(ctx context.Context, s *models.UserSettings) error
}

type ConnectionStore interface {
	CreateConnection(ctx context.Context, c *models.Connection) error
	GetConnection(ctx context.Context, id uint) (*models.Connection, error)
	GetUserConnection(ctx context.Context, userID, id uint) (*models.Connection, error)
	ListConnections(ctx context.Context, userID uint) ([]models.Connection, error)
	ListPollableConnections(ctx context.Context) ([]models.Connection, error)
	FirstActiveConnection(ctx context.Context, userID uint) (*models.Connection, error)
	SaveConnection(ctx context.Context, c *models.Connection) error
	SetConnectionStatus(ctx context.Context, id uint, status string, lastErr *string, validatedAt *time.Time) error
	SaveConnectionCredentials(ctx context.Context, id uint, encrypted string) error
	DeleteConnection(ctx context.Context, userID, id uint) error
}

type FollowUpStore interface {
	CreateFollowUp(ctx context.Context, j *models.FollowUpJob) error
	GetFollowUp(ctx context.Context, id uint) (*models.FollowUpJob, error)
	GetUserFollowUp(ctx context.Context, userID, id uint) (*models.FollowUpJob, error)
	ListFollowUps(ctx context.Context, f JobFilter) ([]models.FollowUpJob, int64, error)

	// ListDueFollowUps returns awaiting-send jobs with scheduled_at <= now,
	// oldest first.
	ListDueFollowUps(ctx context.Context, now time.Time, limit int) ([]models.FollowUpJob, error)
	CountDueFollowUps(ctx context.Context, now time.Time) (int64, error)

	// FindFollowUpByMessageID matches provider_message_id or original_message_id.
	FindFollowUpByMessageID(ctx context.Context, userID uint, messageID string) (*models.FollowUpJob, error)
	// LatestFollowUpForRecipient returns the newest sent or awaiting job for the address.
	LatestFollowUpForRecipient(ctx context.Context, userID uint, recipient string) (*models.FollowUpJob, error)
	ListEnrollmentFollowUps(ctx context.Context, enrollmentID uint) ([]models.FollowUpJob, error)

	// ClaimFollowUp takes an awaiting job for one delivery attempt by moving
	// scheduled_at from observed to leaseUntil. A job already claimed by another
	// worker returns ErrConflict. If the claiming worker dies, the job becomes
	// due again once the lease passes.
	ClaimFollowUp(ctx context.Context, id uint, observed, leaseUntil time.Time) error
	// SaveDraft writes both draft fields only while they are still empty.
	SaveDraft(ctx context.Context, id uint, subject, body string) error
	MarkSent(ctx context.Context, id uint, sentAt time.Time, messageID string) error
	ScheduleRetry(ctx context.Context, id uint, attempts int, at time.Time, errMsg string) error
	MarkFailed(ctx context.Context, id uint, attempts int, errMsg string) error
	CancelFollowUp(ctx context.Context, id uint, reason string, from []string) error
	MarkReplied(ctx context.Context, id uint, at time.Time, from []string) error
	// ResetFollowUp moves a job back to pending at the given time.
	ResetFollowUp(ctx context.Context, id uint, at time.Time, from []string, resetAttempts bool) error
	// CancelSiblingFollowUps cancels the user's other awaiting jobs to the recipient.
	CancelSiblingFollowUps(ctx context.Context, userID uint, recipient string, excludeID uint, reason string) (int64, error)

	RecordAttempt(ctx context.Context, a *models.DeliveryAttempt) error
	ListAttempts(ctx context.Context, jobID uint) ([]models.DeliveryAttempt, error)
}

type ReplyStore interface {
	CreateReply(ctx context.Context, r *models.Reply) error
	GetUserReply(ctx context.Context, userID, id uint) (*models.Reply, error)
	ListReplies(ctx context.Context, f ReplyFilter) ([]models.Reply, error)
	ReplyExists(ctx context.Context, messageID string) (bool, error)
}

type SequenceStore interface {
	// CreateSequence inserts the sequence together with its steps.
	CreateSequence(ctx context.Context, s *models.Sequence) error
	// GetSequence and GetUserSequence preload steps ordered by step_number.
	GetSequence(ctx context.Context, id uint) (*models.Sequence, error)
	GetUserSequence(ctx context.Context, userID, id uint) (*models.Sequence, error)
	ListSequences(ctx context.Context, userID uint, isActive *bool, limit, offset int) ([]models.Sequence, error)
	SaveSequence(ctx context.Context, s *models.Sequence) error
	DeleteSequence(ctx context.Context, userID, id uint) error

	// CreateEnrollment returns ErrDuplicate when the recipient already has an
	// active enrollment in the sequence.
	CreateEnrollment(ctx context.Context, e *models.SequenceEnrollment) error
	GetUserEnrollment(ctx context.Context, userID, sequenceID, id uint) (*models.SequenceEnrollment, error)
	HasActiveEnrollment(ctx context.Context, sequenceID uint, email string) (bool, error)
	ListEnrollments(ctx context.Context, sequenceID uint, status string, limit, offset int) ([]models.SequenceEnrollment, error)
	ListActiveEnrollments(ctx context.Context, limit int) ([]models.SequenceEnrollment, error)
	ListActiveEnrollmentsForRecipient(ctx context.Context, userID uint, email string) ([]models.SequenceEnrollment, error)
	// AdvanceEnrollment moves current_step from -> to on an active enrollment.
	AdvanceEnrollment(ctx context.Context, id uint, from, to int) error
	// FinishEnrollment leaves active for completed, stopped or failed.
	FinishEnrollment(ctx context.Context, id uint, status string, at time.Time, lastErr *string) error
}
