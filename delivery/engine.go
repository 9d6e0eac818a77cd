// Package delivery attempts a single follow-up send and records the outcome
// on the job: sent, retry scheduled, or failed.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"mailfollow/models"
	"mailfollow/provider"
	"mailfollow/store"
	"mailfollow/utils"
)

type Outcome string

const (
	OutcomeSent           Outcome = "sent"
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	OutcomeFailed         Outcome = "failed"
	// OutcomeSkipped: the job was no longer awaiting send (cancelled,
	// replied or changed by another worker).
	OutcomeSkipped Outcome = "skipped"
)

// Result of one Deliver call. Err holds the classified failure for
// retry_scheduled and failed outcomes.
type Result struct {
	JobID     uint
	Outcome   Outcome
	MessageID string
	Attempts  int
	RetryAt   *time.Time
	Err       error
}

// ProviderSource resolves the provider for a connection.
type ProviderSource interface {
	ForConnection(conn *models.Connection) (provider.Provider, error)
}

type DraftResolver interface {
	EnsureDraft(ctx context.Context, job *models.FollowUpJob) (subject, body string, err error)
}

// DefaultClaimLease is how long a claimed job stays hidden from other
// deliverers before it counts as due again.
const DefaultClaimLease = 10 * time.Minute

// Engine delivers jobs. It holds no state of its own; every collaborator is
// injected.
type Engine struct {
	Store      store.Store
	Drafts     DraftResolver
	Providers  ProviderSource
	Policy     RetryPolicy
	ClaimLease time.Duration // defaults to DefaultClaimLease
	Now        func() time.Time
	Logger     *logrus.Entry
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

func (e *Engine) lease() time.Duration {
	if e.ClaimLease > 0 {
		return e.ClaimLease
	}
	return DefaultClaimLease
}

func (e *Engine) log() *logrus.Entry {
	if e.Logger != nil {
		return e.Logger
	}
	return utils.NewLogger("delivery")
}

// Deliver makes one delivery attempt for the job. The returned error is
// reserved for persistence failures; send failures are reported through
// Result.Outcome and Result.Err.
func (e *Engine) Deliver(ctx context.Context, jobID uint) (Result, error) {
	res := Result{JobID: jobID}

	job, err := e.Store.GetFollowUp(ctx, jobID)
	if err != nil {
		return res, fmt.Errorf("load follow-up %d: %w", jobID, err)
	}
	res.Attempts = job.Attempts

	if job.Status == models.FollowUpSent {
		res.Outcome = OutcomeSent
		res.MessageID = job.ProviderMessageID
		return res, nil
	}
	if !job.AwaitingSend() {
		res.Outcome = OutcomeSkipped
		return res, nil
	}

	// Only the worker whose claim lands may talk to the provider.
	switch err := e.Store.ClaimFollowUp(ctx, job.ID, job.ScheduledAt, e.now().Add(e.lease())); {
	case errors.Is(err, store.ErrConflict):
		e.log().WithField("job_id", job.ID).Debug("Follow-up claimed by another worker, skipping")
		res.Outcome = OutcomeSkipped
		return res, nil
	case err != nil:
		return res, fmt.Errorf("claim follow-up %d: %w", job.ID, err)
	}

	conn, prov, cfgErr := e.resolveProvider(ctx, job)
	if cfgErr != nil {
		return e.fail(ctx, job, cfgErr)
	}

	sr, sendErr := e.attempt(ctx, job, conn, prov)
	if sendErr != nil {
		return e.fail(ctx, job, sendErr)
	}

	sentAt := e.now()
	if sr.SentAt != nil {
		sentAt = *sr.SentAt
	}
	res.Outcome = OutcomeSent
	res.MessageID = sr.MessageID

	switch err := e.Store.MarkSent(ctx, job.ID, sentAt, sr.MessageID); {
	case errors.Is(err, store.ErrConflict):
		// The job left pending while the provider call was in flight. The
		// email is out; keep the state the other writer chose.
		utils.LogError("followup_sent_after_state_change", errors.New("follow-up delivered after its status changed"), map[string]interface{}{
			"job_id":     job.ID,
			"message_id": sr.MessageID,
		})
	case err != nil:
		return res, fmt.Errorf("record sent follow-up %d: %w", job.ID, err)
	}

	e.log().WithFields(logrus.Fields{
		"job_id":     job.ID,
		"provider":   sr.Provider,
		"message_id": sr.MessageID,
	}).Info("Follow-up sent")
	return res, nil
}

// resolveProvider loads the job's connection and builds its provider.
// Every failure here is a configuration error.
func (e *Engine) resolveProvider(ctx context.Context, job *models.FollowUpJob) (*models.Connection, provider.Provider, *Error) {
	conn, err := e.Store.GetConnection(ctx, job.ConnectionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, nil, newError(KindConfiguration, "connection", fmt.Errorf("connection %d not found", job.ConnectionID))
	case err != nil:
		return nil, nil, newError(KindTransient, "connection", fmt.Errorf("load connection: %w", err))
	}
	if conn.UserID != job.UserID {
		return nil, nil, newError(KindConfiguration, "connection", fmt.Errorf("connection %d not found", job.ConnectionID))
	}
	if !conn.Usable() {
		return nil, nil, newError(KindConfiguration, "connection", fmt.Errorf("connection is %s, not active", connectionState(conn)))
	}

	prov, err := e.Providers.ForConnection(conn)
	if err != nil {
		return nil, nil, newError(KindConfiguration, "provider", err)
	}
	return conn, prov, nil
}

func connectionState(conn *models.Connection) string {
	if !conn.IsActive {
		return models.ConnectionDisabled
	}
	return conn.Status
}

// attempt resolves the draft, renders and sends. A panic in any
// collaborator is reported as a transient failure.
func (e *Engine) attempt(ctx context.Context, job *models.FollowUpJob, conn *models.Connection, prov provider.Provider) (sr provider.SendResult, failure *Error) {
	defer func() {
		if r := recover(); r != nil {
			failure = newError(KindTransient, "send", fmt.Errorf("panic during delivery: %v", r))
		}
	}()

	subject, body, err := e.Drafts.EnsureDraft(ctx, job)
	if err != nil {
		return sr, newError(KindDraftGeneration, "draft", err)
	}

	settings, err := e.Store.GetUserSettings(ctx, job.UserID)
	if err != nil {
		return sr, newError(KindTransient, "settings", fmt.Errorf("load user settings: %w", err))
	}
	html, err := utils.RenderEmailHTML(body, settings.EmailSignature,
		utils.UnsubscribeLink(settings.UnsubscribeBaseURL, job.OriginalRecipient))
	if err != nil {
		return sr, newError(KindTransient, "render", err)
	}

	started := e.now()
	sr = prov.Send(ctx, provider.Message{
		To:        job.OriginalRecipient,
		ToName:    job.RecipientName,
		Subject:   subject,
		HTML:      html,
		FromEmail: conn.ProviderEmail,
		FromName:  conn.FromName,
		InReplyTo: job.OriginalMessageID,
	})
	e.recordAttempt(ctx, job, sr, started)

	if sr.Success {
		return sr, nil
	}
	if sr.ConnectionFailed {
		e.markConnectionError(ctx, conn, sr.Error)
	}
	msg := sr.Error
	if msg == "" {
		msg = "provider reported failure without details"
	}
	return sr, newError(KindTransient, "send", errors.New(msg))
}

func (e *Engine) recordAttempt(ctx context.Context, job *models.FollowUpJob, sr provider.SendResult, started time.Time) {
	a := &models.DeliveryAttempt{
		JobID:         job.ID,
		AttemptNumber: job.Attempts + 1,
		Success:       sr.Success,
		Provider:      sr.Provider,
		MessageID:     sr.MessageID,
		StartedAt:     started,
		FinishedAt:    e.now(),
	}
	if !sr.Success {
		a.Error = utils.Pointer(sr.Error)
	}
	if err := e.Store.RecordAttempt(ctx, a); err != nil {
		e.log().WithError(err).WithField("job_id", job.ID).Warn("Failed to record delivery attempt")
	}
}

func (e *Engine) markConnectionError(ctx context.Context, conn *models.Connection, msg string) {
	if err := e.Store.SetConnectionStatus(ctx, conn.ID, models.ConnectionError, &msg, nil); err != nil {
		e.log().WithError(err).WithField("connection_id", conn.ID).Warn("Failed to mark connection as errored")
		return
	}
	utils.LogEvent("connection_error", map[string]interface{}{
		"connection_id": conn.ID,
		"provider":      conn.Provider,
		"error":         msg,
	})
}

// fail records a failed attempt: a retry while budget remains for
// retryable kinds, otherwise terminal failure.
func (e *Engine) fail(ctx context.Context, job *models.FollowUpJob, cause *Error) (Result, error) {
	res := Result{JobID: job.ID, Err: cause}
	attempts := job.Attempts + 1
	res.Attempts = attempts
	msg := cause.Error()

	fields := logrus.Fields{
		"job_id":  job.ID,
		"attempt": attempts,
		"kind":    cause.Kind,
		"error":   msg,
		"op":      cause.Op,
	}

	var err error
	if delay, ok := e.Policy.Next(job.Attempts); ok && cause.Kind.Retryable() {
		retryAt := e.now().Add(delay)
		err = e.Store.ScheduleRetry(ctx, job.ID, attempts, retryAt, msg)
		res.Outcome = OutcomeRetryScheduled
		res.RetryAt = &retryAt
		e.log().WithFields(fields).WithField("retry_at", retryAt).Warn("Follow-up delivery failed, retry scheduled")
	} else {
		err = e.Store.MarkFailed(ctx, job.ID, attempts, msg)
		res.Outcome = OutcomeFailed
		e.log().WithFields(fields).Error("Follow-up delivery failed permanently")
	}

	if errors.Is(err, store.ErrConflict) {
		return Result{JobID: job.ID, Outcome: OutcomeSkipped, Attempts: job.Attempts}, nil
	}
	if err != nil {
		return res, fmt.Errorf("record failed follow-up %d: %w", job.ID, err)
	}
	return res, nil
}
