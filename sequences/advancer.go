package sequences

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"mailfollow/delivery"
	"mailfollow/models"
	"mailfollow/store"
	"mailfollow/utils"
)

// Deliverer sends a single job; *delivery.Engine implements it.
type Deliverer interface {
	Deliver(ctx context.Context, jobID uint) (delivery.Result, error)
}

// AdvanceStats summarizes one pass over active enrollments.
type AdvanceStats struct {
	Processed int      `json:"processed"`
	Advanced  int      `json:"advanced"`
	Sent      int      `json:"sent"`
	Waiting   int      `json:"waiting"`
	Completed int      `json:"completed"`
	Stopped   int      `json:"stopped"`
	Failed    int      `json:"failed"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors"`
}

func (s *AdvanceStats) addError(msg string) {
	if len(s.Errors) < 10 {
		s.Errors = append(s.Errors, msg)
	}
}

// Advancer materializes due sequence steps as follow-up jobs.
type Advancer struct {
	Store     store.Store
	Engine    Deliverer
	BatchSize int
	Now       func() time.Time
	Logger    *logrus.Entry
}

func (a *Advancer) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now().UTC()
}

func (a *Advancer) log() *logrus.Entry {
	if a.Logger != nil {
		return a.Logger
	}
	return utils.NewLogger("sequence-advancer")
}

// Advance makes one pass over active enrollments. An error on one
// enrollment is recorded in the stats and does not stop the pass.
func (a *Advancer) Advance(ctx context.Context) AdvanceStats {
	stats := AdvanceStats{Errors: []string{}}

	enrollments, err := a.Store.ListActiveEnrollments(ctx, a.BatchSize)
	if err != nil {
		a.log().WithError(err).Error("Failed to load active enrollments")
		stats.addError(err.Error())
		return stats
	}

	for i := range enrollments {
		if ctx.Err() != nil {
			break
		}
		stats.Processed++
		if err := a.advanceOne(ctx, &enrollments[i], &stats); err != nil {
			a.log().WithError(err).WithField("enrollment_id", enrollments[i].ID).Error("Failed to advance enrollment")
			stats.addError(fmt.Sprintf("Enrollment %d: %v", enrollments[i].ID, err))
		}
	}

	a.log().WithFields(logrus.Fields{
		"processed": stats.Processed,
		"advanced":  stats.Advanced,
		"completed": stats.Completed,
		"stopped":   stats.Stopped,
		"failed":    stats.Failed,
		"waiting":   stats.Waiting,
	}).Info("Sequence pass complete")
	return stats
}

func (a *Advancer) advanceOne(ctx context.Context, e *models.SequenceEnrollment, stats *AdvanceStats) error {
	seq, err := a.Store.GetSequence(ctx, e.SequenceID)
	if errors.Is(err, store.ErrNotFound) {
		return a.finish(ctx, e, models.EnrollmentFailed, "Sequence no longer exists", stats)
	}
	if err != nil {
		return err
	}
	if !seq.IsActive {
		// Paused sequences keep their enrollments where they are.
		stats.Waiting++
		return nil
	}
	steps := seq.Steps
	if len(steps) == 0 {
		return a.finish(ctx, e, models.EnrollmentFailed, "Sequence has no steps", stats)
	}

	var prev *models.FollowUpJob
	if e.CurrentStep > 0 {
		prev, err = a.stepJob(ctx, e)
		if err != nil {
			return err
		}
		switch {
		case prev == nil:
			return a.finish(ctx, e, models.EnrollmentFailed, fmt.Sprintf("Follow-up for step %d is missing", e.CurrentStep), stats)
		case prev.Status == models.FollowUpFailed:
			return a.finish(ctx, e, models.EnrollmentFailed, jobError(prev, "Step failed"), stats)
		case prev.Status == models.FollowUpCancelled || prev.Status == models.FollowUpReplied:
			return a.finish(ctx, e, models.EnrollmentStopped, fmt.Sprintf("Step %d %s", e.CurrentStep, prev.Status), stats)
		case prev.AwaitingSend():
			stats.Waiting++
			return nil
		}
		if e.CurrentStep >= len(steps) {
			return a.finish(ctx, e, models.EnrollmentCompleted, "", stats)
		}
	}

	n := e.CurrentStep + 1
	started := e.CreatedAt
	if e.StartedAt != nil {
		started = *e.StartedAt
	}
	fireAt := models.StepFireTime(started, steps, n)
	if fireAt.After(a.now()) {
		stats.Waiting++
		return nil
	}

	step := steps[n-1]
	enrollmentID := e.ID
	job := &models.FollowUpJob{
		UserID:               e.UserID,
		ConnectionID:         e.ConnectionID,
		OriginalRecipient:    e.RecipientEmail,
		RecipientName:        e.RecipientName,
		OriginalSubject:      step.Subject,
		OriginalBody:         step.Body,
		DelayHours:           step.DelayDays * 24,
		Tone:                 step.Tone,
		MaxFollowups:         1,
		StopOnReply:          seq.StopOnReply,
		SequenceEnrollmentID: &enrollmentID,
		StepNumber:           n,
		DraftSubject:         step.Subject,
		DraftBody:            step.Body,
		Status:               models.FollowUpPending,
		ScheduledAt:          fireAt,
	}
	if prev != nil {
		job.OriginalMessageID = prev.ProviderMessageID
	}

	err = a.Store.Transaction(ctx, func(tx store.Store) error {
		if err := tx.AdvanceEnrollment(ctx, e.ID, n-1, n); err != nil {
			return err
		}
		return tx.CreateFollowUp(ctx, job)
	})
	if errors.Is(err, store.ErrConflict) {
		stats.Skipped++
		return nil
	}
	if err != nil {
		return fmt.Errorf("materialize step %d: %w", n, err)
	}
	stats.Advanced++
	e.CurrentStep = n

	a.log().WithFields(logrus.Fields{
		"enrollment_id": e.ID,
		"step":          n,
		"job_id":        job.ID,
	}).Info("Sequence step materialized")

	res, err := a.Engine.Deliver(ctx, job.ID)
	if err != nil {
		return err
	}
	switch res.Outcome {
	case delivery.OutcomeSent:
		stats.Sent++
		if n == len(steps) {
			return a.finish(ctx, e, models.EnrollmentCompleted, "", stats)
		}
	case delivery.OutcomeFailed:
		msg := "Step failed"
		if res.Err != nil {
			msg = res.Err.Error()
		}
		return a.finish(ctx, e, models.EnrollmentFailed, msg, stats)
	}
	return nil
}

// stepJob returns the job created for the enrollment's current step.
func (a *Advancer) stepJob(ctx context.Context, e *models.SequenceEnrollment) (*models.FollowUpJob, error) {
	jobs, err := a.Store.ListEnrollmentFollowUps(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	for i := range jobs {
		if jobs[i].StepNumber == e.CurrentStep {
			return &jobs[i], nil
		}
	}
	return nil, nil
}

func (a *Advancer) finish(ctx context.Context, e *models.SequenceEnrollment, status, reason string, stats *AdvanceStats) error {
	var lastErr *string
	if reason != "" {
		lastErr = &reason
	}
	err := a.Store.FinishEnrollment(ctx, e.ID, status, a.now(), lastErr)
	if errors.Is(err, store.ErrConflict) {
		stats.Skipped++
		return nil
	}
	if err != nil {
		return err
	}
	switch status {
	case models.EnrollmentCompleted:
		stats.Completed++
	case models.EnrollmentStopped:
		stats.Stopped++
	case models.EnrollmentFailed:
		stats.Failed++
	}
	a.log().WithFields(logrus.Fields{
		"enrollment_id": e.ID,
		"status":        status,
		"reason":        reason,
	}).Info("Enrollment finished")
	return nil
}

func jobError(j *models.FollowUpJob, fallback string) string {
	if j.ErrorMessage != nil && *j.ErrorMessage != "" {
		return *j.ErrorMessage
	}
	return fallback
}
