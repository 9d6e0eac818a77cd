// Package replies records inbound replies to follow-ups and cancels the
// follow-ups the reply makes pointless.
package replies

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"mailfollow/delivery"
	"mailfollow/models"
	"mailfollow/store"
	"mailfollow/utils"
)

var (
	// ErrNoMatch means an inbound message could not be tied to any follow-up.
	ErrNoMatch = errors.New("no follow-up matches the reply")
	// ErrAlreadyRecorded means a reply with the same Message-ID exists.
	ErrAlreadyRecorded = errors.New("reply already recorded")
)

// Input is a reply to a known job. Empty fields are filled from the job.
type Input struct {
	JobID      uint      `json:"followup_job_id" validate:"required"`
	FromEmail  string    `json:"from_email" validate:"omitempty,email"`
	FromName   string    `json:"from_name"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body" validate:"required"`
	HTMLBody   string    `json:"html_body"`
	MessageID  string    `json:"message_id"`
	InReplyTo  string    `json:"in_reply_to"`
	Source     string    `json:"-"`
	ReceivedAt time.Time `json:"-"`
}

// Inbound is a raw inbound message that still needs correlating.
type Inbound struct {
	MessageID  string    `json:"message_id"`
	InReplyTo  string    `json:"in_reply_to"`
	References []string  `json:"references"`
	FromEmail  string    `json:"from_email" validate:"required,email"`
	FromName   string    `json:"from_name"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	HTMLBody   string    `json:"html_body"`
	Source     string    `json:"-"`
	ReceivedAt time.Time `json:"received_at"`
}

type Handler struct {
	Store  store.Store
	Now    func() time.Time
	Logger *logrus.Entry
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now().UTC()
}

func (h *Handler) log() *logrus.Entry {
	if h.Logger != nil {
		return h.Logger
	}
	return utils.NewLogger("replies")
}

var replyableStatuses = []string{models.FollowUpSent, models.FollowUpPending, models.FollowUpScheduled}

// Record stores the reply, marks the job replied and, when the job stops on
// reply, cancels the user's other awaiting follow-ups to the same recipient.
// It returns the number of follow-ups cancelled.
func (h *Handler) Record(ctx context.Context, userID uint, in Input) (*models.Reply, int64, error) {
	var (
		reply     *models.Reply
		cancelled int64
	)
	err := h.Store.Transaction(ctx, func(tx store.Store) error {
		job, err := tx.GetUserFollowUp(ctx, userID, in.JobID)
		if err != nil {
			return err
		}
		if !contains(replyableStatuses, job.Status) {
			return delivery.Validationf("Cannot record reply for follow-up with status '%s'", job.Status)
		}

		reply, err = h.createReply(ctx, tx, job, in)
		if err != nil {
			return err
		}

		at := reply.ReceivedAt
		if err := tx.MarkReplied(ctx, job.ID, at, replyableStatuses); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return delivery.Validationf("Follow-up status changed, please reload")
			}
			return err
		}

		if job.StopOnReply {
			reason := fmt.Sprintf("Cancelled: Reply received to follow-up #%d", job.ID)
			cancelled, err = tx.CancelSiblingFollowUps(ctx, userID, job.OriginalRecipient, job.ID, reason)
			if err != nil {
				return fmt.Errorf("cancel sibling follow-ups: %w", err)
			}
		}
		return h.stopEnrollments(ctx, tx, userID, job.OriginalRecipient, job.ID, at)
	})
	if err != nil {
		return nil, 0, err
	}

	utils.LogEvent("reply_recorded", map[string]interface{}{
		"job_id":    in.JobID,
		"reply_id":  reply.ID,
		"source":    reply.Source,
		"cancelled": cancelled,
	})
	return reply, cancelled, nil
}

func (h *Handler) createReply(ctx context.Context, tx store.Store, job *models.FollowUpJob, in Input) (*models.Reply, error) {
	subject := in.Subject
	if subject == "" {
		original := job.DraftSubject
		if original == "" {
			original = job.OriginalSubject
		}
		subject = "Re: " + original
	}
	from := utils.NormalizeEmail(in.FromEmail)
	if from == "" {
		from = job.OriginalRecipient
	}
	inReplyTo := in.InReplyTo
	if inReplyTo == "" {
		inReplyTo = job.OriginalMessageID
	}
	messageID := in.MessageID
	if messageID == "" {
		messageID = fmt.Sprintf("<%s@mailfollow.local>", uuid.NewString())
	}
	source := in.Source
	if source == "" {
		source = models.ReplySourceSimulated
	}
	received := in.ReceivedAt
	if received.IsZero() {
		received = h.now()
	}

	reply := &models.Reply{
		FollowUpJobID: job.ID,
		UserID:        job.UserID,
		FromEmail:     from,
		FromName:      in.FromName,
		Subject:       subject,
		Body:          in.Body,
		HTMLBody:      in.HTMLBody,
		MessageID:     messageID,
		InReplyTo:     inReplyTo,
		Source:        source,
		ReceivedAt:    received,
	}
	if err := tx.CreateReply(ctx, reply); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrAlreadyRecorded
		}
		return nil, fmt.Errorf("create reply: %w", err)
	}
	return reply, nil
}

// stopEnrollments ends the recipient's active enrollments in sequences that
// stop on reply.
func (h *Handler) stopEnrollments(ctx context.Context, tx store.Store, userID uint, recipient string, jobID uint, at time.Time) error {
	enrollments, err := tx.ListActiveEnrollmentsForRecipient(ctx, userID, recipient)
	if err != nil {
		return fmt.Errorf("list enrollments: %w", err)
	}
	reason := fmt.Sprintf("Stopped: Reply received to follow-up #%d", jobID)
	for _, e := range enrollments {
		seq, err := tx.GetSequence(ctx, e.SequenceID)
		if err != nil {
			return fmt.Errorf("load sequence %d: %w", e.SequenceID, err)
		}
		if !seq.StopOnReply {
			continue
		}
		err = tx.FinishEnrollment(ctx, e.ID, models.EnrollmentStopped, at, &reason)
		if err != nil && !errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("stop enrollment %d: %w", e.ID, err)
		}
	}
	return nil
}

// Ingest correlates an inbound message to a follow-up and records it. Threads
// are matched on In-Reply-To and References first, then on the sender.
func (h *Handler) Ingest(ctx context.Context, userID uint, msg Inbound) (*models.Reply, error) {
	if msg.MessageID != "" {
		exists, err := h.Store.ReplyExists(ctx, msg.MessageID)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, ErrAlreadyRecorded
		}
	}

	job, err := h.correlate(ctx, userID, msg)
	if err != nil {
		return nil, err
	}

	in := Input{
		JobID:      job.ID,
		FromEmail:  msg.FromEmail,
		FromName:   msg.FromName,
		Subject:    msg.Subject,
		Body:       msg.Body,
		HTMLBody:   msg.HTMLBody,
		MessageID:  msg.MessageID,
		InReplyTo:  msg.InReplyTo,
		Source:     msg.Source,
		ReceivedAt: msg.ReceivedAt,
	}
	if in.Source == "" {
		in.Source = models.ReplySourceWebhook
	}

	// A further message on a thread that already got a reply is kept for the
	// inbox but changes nothing.
	if job.Status == models.FollowUpReplied {
		return h.createReply(ctx, h.Store, job, in)
	}

	reply, cancelled, err := h.Record(ctx, userID, in)
	if err != nil {
		return nil, err
	}
	h.log().WithFields(logrus.Fields{
		"job_id":    job.ID,
		"from":      reply.FromEmail,
		"cancelled": cancelled,
	}).Info("Inbound reply matched")
	return reply, nil
}

func (h *Handler) correlate(ctx context.Context, userID uint, msg Inbound) (*models.FollowUpJob, error) {
	ids := append([]string{msg.InReplyTo}, msg.References...)
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		// Providers disagree on whether stored ids keep their angle brackets.
		for _, candidate := range []string{id, strings.Trim(id, "<>")} {
			job, err := h.Store.FindFollowUpByMessageID(ctx, userID, candidate)
			if err == nil {
				return job, nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
		}
	}

	job, err := h.Store.LatestFollowUpForRecipient(ctx, userID, utils.NormalizeEmail(msg.FromEmail))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoMatch
	}
	return job, err
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
