// Package sequences manages multi-step follow-up sequences and walks active
// enrollments through their steps.
package sequences

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"mailfollow/delivery"
	"mailfollow/models"
	"mailfollow/store"
	"mailfollow/utils"
)

const (
	MinSteps = 2
	MaxSteps = 5
)

type StepInput struct {
	StepNumber int    `json:"step_number" validate:"min=1"`
	Subject    string `json:"subject" validate:"required,max=255"`
	Body       string `json:"body" validate:"required"`
	Tone       string `json:"tone" validate:"required,tone"`
	DelayDays  int    `json:"delay_days" validate:"min=0"`
}

type CreateInput struct {
	Name        string      `json:"name" validate:"required,max=255"`
	Description string      `json:"description"`
	StopOnReply *bool       `json:"stop_on_reply"`
	IsActive    *bool       `json:"is_active"`
	Steps       []StepInput `json:"steps" validate:"required,dive"`
}

// UpdateInput changes sequence settings; steps are fixed once created.
type UpdateInput struct {
	Name        *string `json:"name" validate:"omitempty,min=1,max=255"`
	Description *string `json:"description"`
	StopOnReply *bool   `json:"stop_on_reply"`
	IsActive    *bool   `json:"is_active"`
}

type StartInput struct {
	RecipientEmail string `json:"recipient_email" validate:"required,email"`
	RecipientName  string `json:"recipient_name"`
	ConnectionID   uint   `json:"connection_id" validate:"required"`
}

type Service struct {
	Store  store.Store
	Now    func() time.Time
	Logger *logrus.Entry
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
	return utils.NewLogger("sequences")
}

// ValidateSteps checks the step list: 2 to 5 steps numbered 1..n in order,
// the first with no delay.
func ValidateSteps(steps []StepInput) error {
	if len(steps) < MinSteps || len(steps) > MaxSteps {
		return delivery.Validationf("A sequence needs between %d and %d steps, got %d", MinSteps, MaxSteps, len(steps))
	}
	for i, st := range steps {
		if st.StepNumber != i+1 {
			return delivery.Validationf("Step numbers must be sequential starting from 1")
		}
		if st.DelayDays < 0 {
			return delivery.Validationf("Step %d: delay_days must be >= 0", st.StepNumber)
		}
		if strings.TrimSpace(st.Subject) == "" || strings.TrimSpace(st.Body) == "" {
			return delivery.Validationf("Step %d: subject and body are required", st.StepNumber)
		}
		switch st.Tone {
		case models.ToneProfessional, models.ToneFriendly, models.ToneUrgent:
		default:
			return delivery.Validationf("Step %d: invalid tone %q", st.StepNumber, st.Tone)
		}
	}
	if steps[0].DelayDays != 0 {
		return delivery.Validationf("First step (step 1) must have delay_days = 0")
	}
	return nil
}

func (s *Service) Create(ctx context.Context, userID uint, in CreateInput) (*models.Sequence, error) {
	if err := utils.ValidateStruct(in); err != nil {
		return nil, &delivery.Error{Kind: delivery.KindValidation, Op: "create_sequence", Err: err}
	}
	if err := ValidateSteps(in.Steps); err != nil {
		return nil, err
	}

	seq := &models.Sequence{
		UserID:      userID,
		Name:        strings.TrimSpace(in.Name),
		Description: in.Description,
		StopOnReply: in.StopOnReply == nil || *in.StopOnReply,
		IsActive:    in.IsActive == nil || *in.IsActive,
	}
	for _, st := range in.Steps {
		seq.Steps = append(seq.Steps, models.SequenceStep{
			StepNumber: st.StepNumber,
			Subject:    st.Subject,
			Body:       st.Body,
			Tone:       st.Tone,
			DelayDays:  st.DelayDays,
		})
	}
	if err := s.Store.CreateSequence(ctx, seq); err != nil {
		return nil, fmt.Errorf("create sequence: %w", err)
	}

	s.log().WithFields(logrus.Fields{"sequence_id": seq.ID, "steps": len(seq.Steps)}).Info("Sequence created")
	return seq, nil
}

func (s *Service) Get(ctx context.Context, userID, id uint) (*models.Sequence, error) {
	return s.Store.GetUserSequence(ctx, userID, id)
}

func (s *Service) List(ctx context.Context, userID uint, isActive *bool, limit, offset int) ([]models.Sequence, error) {
	return s.Store.ListSequences(ctx, userID, isActive, limit, offset)
}

func (s *Service) Update(ctx context.Context, userID, id uint, in UpdateInput) (*models.Sequence, error) {
	if err := utils.ValidateStruct(in); err != nil {
		return nil, &delivery.Error{Kind: delivery.KindValidation, Op: "update_sequence", Err: err}
	}
	seq, err := s.Store.GetUserSequence(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if in.Name != nil {
		seq.Name = strings.TrimSpace(*in.Name)
	}
	if in.Description != nil {
		seq.Description = *in.Description
	}
	if in.StopOnReply != nil {
		seq.StopOnReply = *in.StopOnReply
	}
	if in.IsActive != nil {
		seq.IsActive = *in.IsActive
	}
	if err := s.Store.SaveSequence(ctx, seq); err != nil {
		return nil, err
	}
	return s.Store.GetUserSequence(ctx, userID, id)
}

func (s *Service) Delete(ctx context.Context, userID, id uint) error {
	return s.Store.DeleteSequence(ctx, userID, id)
}

const alreadyEnrolled = "Recipient is already enrolled in this sequence"

// Start enrolls a recipient. The first step fires on the next advancer pass.
func (s *Service) Start(ctx context.Context, userID, sequenceID uint, in StartInput) (*models.SequenceEnrollment, error) {
	in.RecipientEmail = utils.NormalizeEmail(in.RecipientEmail)
	if err := utils.ValidateStruct(in); err != nil {
		return nil, &delivery.Error{Kind: delivery.KindValidation, Op: "start_sequence", Err: err}
	}
	if err := utils.ValidateRecipient(in.RecipientEmail); err != nil {
		return nil, &delivery.Error{Kind: delivery.KindValidation, Op: "start_sequence", Err: err}
	}

	seq, err := s.Store.GetUserSequence(ctx, userID, sequenceID)
	if err != nil {
		return nil, err
	}
	if !seq.IsActive {
		return nil, delivery.Validationf("Cannot start an inactive sequence")
	}

	conn, err := s.Store.GetUserConnection(ctx, userID, in.ConnectionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, delivery.Validationf("Email connection not found")
	}
	if err != nil {
		return nil, err
	}
	if !conn.Usable() {
		return nil, delivery.Validationf("Email connection is not active")
	}

	var enrollment *models.SequenceEnrollment
	err = s.Store.Transaction(ctx, func(tx store.Store) error {
		enrolled, err := tx.HasActiveEnrollment(ctx, seq.ID, in.RecipientEmail)
		if err != nil {
			return err
		}
		if enrolled {
			return delivery.Validationf(alreadyEnrolled)
		}
		now := s.now()
		enrollment = &models.SequenceEnrollment{
			SequenceID:     seq.ID,
			UserID:         userID,
			ConnectionID:   conn.ID,
			RecipientEmail: in.RecipientEmail,
			RecipientName:  in.RecipientName,
			Status:         models.EnrollmentActive,
			CurrentStep:    0,
			StartedAt:      &now,
		}
		return tx.CreateEnrollment(ctx, enrollment)
	})
	if errors.Is(err, store.ErrDuplicate) {
		return nil, delivery.Validationf(alreadyEnrolled)
	}
	if err != nil {
		return nil, err
	}

	utils.LogEvent("sequence_started", map[string]interface{}{
		"sequence_id":   seq.ID,
		"enrollment_id": enrollment.ID,
	})
	return enrollment, nil
}

// Stop ends an active enrollment and cancels its unsent step.
func (s *Service) Stop(ctx context.Context, userID, sequenceID, enrollmentID uint) (*models.SequenceEnrollment, error) {
	e, err := s.Store.GetUserEnrollment(ctx, userID, sequenceID, enrollmentID)
	if err != nil {
		return nil, err
	}
	if e.Status != models.EnrollmentActive {
		return nil, delivery.Validationf("Can only stop active enrollments")
	}

	err = s.Store.Transaction(ctx, func(tx store.Store) error {
		reason := "Stopped by user"
		if err := tx.FinishEnrollment(ctx, e.ID, models.EnrollmentStopped, s.now(), &reason); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return delivery.Validationf("Can only stop active enrollments")
			}
			return err
		}
		jobs, err := tx.ListEnrollmentFollowUps(ctx, e.ID)
		if err != nil {
			return err
		}
		for _, j := range jobs {
			if !j.AwaitingSend() {
				continue
			}
			err := tx.CancelFollowUp(ctx, j.ID, "Cancelled: sequence enrollment stopped", models.AwaitingSendStatuses)
			if err != nil && !errors.Is(err, store.ErrConflict) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Store.GetUserEnrollment(ctx, userID, sequenceID, enrollmentID)
}

func (s *Service) ListEnrollments(ctx context.Context, userID, sequenceID uint, status string, limit, offset int) ([]models.SequenceEnrollment, error) {
	if _, err := s.Store.GetUserSequence(ctx, userID, sequenceID); err != nil {
		return nil, err
	}
	return s.Store.ListEnrollments(ctx, sequenceID, status, limit, offset)
}
