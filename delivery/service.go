package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"mailfollow/models"
	"mailfollow/provider"
	"mailfollow/store"
	"mailfollow/utils"
)

// CreateInput describes a new follow-up. Zero values take the defaults:
// 24h delay, professional tone, one follow-up, stop on reply.
type CreateInput struct {
	ConnectionID      *uint  `json:"connection_id"`
	OriginalRecipient string `json:"original_recipient" validate:"required,email"`
	OriginalSubject   string `json:"original_subject" validate:"required,max=998"`
	OriginalBody      string `json:"original_body" validate:"required"`
	OriginalMessageID string `json:"original_message_id" validate:"max=998"`
	RecipientName     string `json:"recipient_name" validate:"max=255"`
	DelayHours        int    `json:"delay_hours" validate:"min=1,max=168"`
	Tone              string `json:"tone" validate:"required,tone"`
	MaxFollowups      int    `json:"max_followups" validate:"min=1,max=5"`
	StopOnReply       *bool  `json:"stop_on_reply"`
	DraftSubject      string `json:"draft_subject" validate:"max=998"`
	DraftBody         string `json:"draft_body"`
}

func (in *CreateInput) applyDefaults() {
	if in.DelayHours == 0 {
		in.DelayHours = 24
	}
	if in.Tone == "" {
		in.Tone = models.ToneProfessional
	}
	if in.MaxFollowups == 0 {
		in.MaxFollowups = 1
	}
	if in.StopOnReply == nil {
		in.StopOnReply = utils.Pointer(true)
	}
	in.OriginalRecipient = utils.NormalizeEmail(in.OriginalRecipient)
	in.DraftSubject = strings.TrimSpace(in.DraftSubject)
	in.DraftBody = strings.TrimSpace(in.DraftBody)
}

// Service is the user-facing follow-up API. Sends go through the Engine so
// manual sends follow the same retry rules as the scheduler.
type Service struct {
	Store     store.Store
	Engine    *Engine
	Providers ProviderSource
	Now       func() time.Time
	Logger    *logrus.Entry
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Service) log() *logrus.Entry {
	if s.Logger != nil {
		return s.Logger
	}
	return utils.NewLogger("followups")
}

// usableConnection returns the user's connection by id, or their first
// active one when id is nil.
func (s *Service) usableConnection(ctx context.Context, userID uint, id *uint) (*models.Connection, error) {
	if id == nil {
		conn, err := s.Store.FirstActiveConnection(ctx, userID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, Validationf("No active email connections found. Please add an email connection first.")
		}
		return conn, err
	}

	conn, err := s.Store.GetUserConnection(ctx, userID, *id)
	if err != nil {
		return nil, err
	}
	if !conn.Usable() {
		return nil, Validationf("Connection is %s, not active", connectionState(conn))
	}
	return conn, nil
}

// Create validates and stores a pending job due delay_hours from now.
func (s *Service) Create(ctx context.Context, userID uint, in CreateInput) (*models.FollowUpJob, error) {
	in.applyDefaults()
	if err := utils.ValidateStruct(in); err != nil {
		return nil, &Error{Kind: KindValidation, Op: "create", Err: err}
	}
	if err := utils.ValidateRecipient(in.OriginalRecipient); err != nil {
		return nil, &Error{Kind: KindValidation, Op: "create", Err: err}
	}
	if (in.DraftSubject == "") != (in.DraftBody == "") {
		return nil, Validationf("draft_subject and draft_body must be provided together")
	}

	conn, err := s.usableConnection(ctx, userID, in.ConnectionID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	job := &models.FollowUpJob{
		UserID:            userID,
		ConnectionID:      conn.ID,
		OriginalRecipient: in.OriginalRecipient,
		OriginalSubject:   in.OriginalSubject,
		OriginalBody:      in.OriginalBody,
		OriginalMessageID: in.OriginalMessageID,
		RecipientName:     in.RecipientName,
		DelayHours:        in.DelayHours,
		Tone:              in.Tone,
		MaxFollowups:      in.MaxFollowups,
		StopOnReply:       *in.StopOnReply,
		DraftSubject:      in.DraftSubject,
		DraftBody:         in.DraftBody,
		Status:            models.FollowUpPending,
		ScheduledAt:       now.Add(time.Duration(in.DelayHours) * time.Hour),
	}
	if err := s.Store.CreateFollowUp(ctx, job); err != nil {
		return nil, fmt.Errorf("create follow-up: %w", err)
	}

	s.log().WithFields(logrus.Fields{
		"job_id":       job.ID,
		"user_id":      userID,
		"scheduled_at": job.ScheduledAt,
	}).Info("Follow-up scheduled")
	return job, nil
}

// Cancel stops a job that has not been sent or replied to.
func (s *Service) Cancel(ctx context.Context, userID, jobID uint) (*models.FollowUpJob, error) {
	job, err := s.Store.GetUserFollowUp(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	if !job.CanCancel() {
		if job.Status == models.FollowUpCancelled {
			return nil, Validationf("Job is already cancelled")
		}
		return nil, Validationf("Cannot cancel job with status '%s'", job.Status)
	}

	if err := s.Store.CancelFollowUp(ctx, job.ID, "Cancelled by user", models.CancellableStatuses); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, Validationf("Follow-up status changed, please reload")
		}
		return nil, err
	}
	return s.Store.GetUserFollowUp(ctx, userID, jobID)
}

// SendNow moves the job's schedule to now and delivers it immediately.
func (s *Service) SendNow(ctx context.Context, userID, jobID uint) (*models.FollowUpJob, Result, error) {
	job, err := s.Store.GetUserFollowUp(ctx, userID, jobID)
	if err != nil {
		return nil, Result{}, err
	}
	switch job.Status {
	case models.FollowUpSent:
		return nil, Result{}, Validationf("Follow-up has already been sent")
	case models.FollowUpCancelled:
		return nil, Result{}, Validationf("Cannot send cancelled follow-up")
	case models.FollowUpReplied:
		return nil, Result{}, Validationf("Recipient already replied")
	}

	from := []string{models.FollowUpPending, models.FollowUpScheduled, models.FollowUpFailed}
	if err := s.Store.ResetFollowUp(ctx, job.ID, s.now(), from, false); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, Result{}, Validationf("Follow-up status changed, please reload")
		}
		return nil, Result{}, err
	}
	return s.deliver(ctx, userID, jobID)
}

// Retry resets the retry budget of a failed or pending job and delivers it.
func (s *Service) Retry(ctx context.Context, userID, jobID uint) (*models.FollowUpJob, Result, error) {
	job, err := s.Store.GetUserFollowUp(ctx, userID, jobID)
	if err != nil {
		return nil, Result{}, err
	}
	if !job.CanRetry() {
		return nil, Result{}, Validationf("Can only retry failed or pending jobs, current status: %s", job.Status)
	}

	from := []string{models.FollowUpFailed, models.FollowUpPending}
	if err := s.Store.ResetFollowUp(ctx, job.ID, s.now(), from, true); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, Result{}, Validationf("Follow-up status changed, please reload")
		}
		return nil, Result{}, err
	}
	return s.deliver(ctx, userID, jobID)
}

func (s *Service) deliver(ctx context.Context, userID, jobID uint) (*models.FollowUpJob, Result, error) {
	res, err := s.Engine.Deliver(ctx, jobID)
	if err != nil {
		return nil, res, err
	}
	job, err := s.Store.GetUserFollowUp(ctx, userID, jobID)
	return job, res, err
}

// SendTest sends the connection test email to the given address.
func (s *Service) SendTest(ctx context.Context, userID, connectionID uint, to string) (provider.SendResult, error) {
	conn, err := s.Store.GetUserConnection(ctx, userID, connectionID)
	if err != nil {
		return provider.SendResult{}, err
	}
	if err := utils.ValidateRecipient(to); err != nil {
		return provider.SendResult{}, &Error{Kind: KindValidation, Op: "send_test", Err: err}
	}

	prov, err := s.Providers.ForConnection(conn)
	if err != nil {
		return provider.SendResult{}, newError(KindConfiguration, "provider", err)
	}

	fromName := conn.FromName
	if fromName == "" {
		fromName = conn.ProviderEmail
	}
	subject, html, err := utils.RenderTestEmail(fromName)
	if err != nil {
		return provider.SendResult{}, err
	}

	sr := prov.Send(ctx, provider.Message{
		To:        strings.TrimSpace(to),
		Subject:   subject,
		HTML:      html,
		FromEmail: conn.ProviderEmail,
		FromName:  conn.FromName,
	})
	if sr.Success {
		utils.LogEvent("test_email_sent", map[string]interface{}{
			"connection_id": conn.ID,
			"provider":      sr.Provider,
		})
		return sr, nil
	}
	if sr.ConnectionFailed {
		if err := s.Store.SetConnectionStatus(ctx, conn.ID, models.ConnectionError, utils.Pointer(sr.Error), nil); err != nil {
			s.log().WithError(err).Warn("Failed to mark connection as errored")
		}
	}
	return sr, newError(KindTransient, "send_test", fmt.Errorf("Test email failed: %s", sr.Error))
}

// Validate checks the connection against its provider and records the result.
func (s *Service) Validate(ctx context.Context, userID, connectionID uint) (*models.Connection, error) {
	conn, err := s.Store.GetUserConnection(ctx, userID, connectionID)
	if err != nil {
		return nil, err
	}

	var checkErr error
	var kind Kind = KindTransient
	prov, err := s.Providers.ForConnection(conn)
	if err != nil {
		checkErr, kind = err, KindConfiguration
	} else {
		checkErr = prov.Validate(ctx)
	}

	if checkErr != nil {
		msg := checkErr.Error()
		if err := s.Store.SetConnectionStatus(ctx, conn.ID, models.ConnectionError, &msg, nil); err != nil {
			return nil, err
		}
		return nil, newError(kind, "validate", checkErr)
	}

	now := s.now()
	if err := s.Store.SetConnectionStatus(ctx, conn.ID, models.ConnectionActive, nil, &now); err != nil {
		return nil, err
	}
	return s.Store.GetUserConnection(ctx, userID, connectionID)
}
