package replies

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"mailfollow/delivery"
	"mailfollow/models"
	"mailfollow/store"
)

var now = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func seedJob(t *testing.T, s *store.MemoryStore, recipient, status string, mutate func(j *models.FollowUpJob)) *models.FollowUpJob {
	t.Helper()
	j := &models.FollowUpJob{
		UserID: 1, ConnectionID: 1, OriginalRecipient: recipient, OriginalSubject: "Demo",
		Tone: models.ToneProfessional, StopOnReply: true, Status: status, ScheduledAt: now,
	}
	if mutate != nil {
		mutate(j)
	}
	if err := s.CreateFollowUp(context.Background(), j); err != nil {
		t.Fatal(err)
	}
	return j
}

func newHandler(s *store.MemoryStore) *Handler {
	return &Handler{Store: s, Now: func() time.Time { return now }}
}

func status(t *testing.T, s *store.MemoryStore, id uint) string {
	t.Helper()
	j, err := s.GetFollowUp(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return j.Status
}

func TestRecordCancelsSiblings(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	replied := seedJob(t, s, "lead@example.com", models.FollowUpSent, func(j *models.FollowUpJob) {
		j.DraftSubject = "Checking in"
		j.OriginalMessageID = "<orig@example.com>"
	})
	sibling := seedJob(t, s, "Lead@Example.com", models.FollowUpPending, nil)
	otherSent := seedJob(t, s, "lead@example.com", models.FollowUpSent, nil)
	stranger := seedJob(t, s, "other@example.com", models.FollowUpPending, nil)

	reply, cancelled, err := newHandler(s).Record(ctx, 1, Input{JobID: replied.ID, Body: "Sounds good"})
	if err != nil {
		t.Fatal(err)
	}
	if cancelled != 1 {
		t.Errorf("cancelled = %d, want 1", cancelled)
	}
	if reply.Subject != "Re: Checking in" || reply.FromEmail != "lead@example.com" || reply.InReplyTo != "<orig@example.com>" {
		t.Errorf("reply = %+v", reply)
	}
	if reply.Source != models.ReplySourceSimulated || !strings.HasSuffix(reply.MessageID, "@mailfollow.local>") {
		t.Errorf("reply defaults = %+v", reply)
	}

	if got := status(t, s, replied.ID); got != models.FollowUpReplied {
		t.Errorf("replied job status = %s", got)
	}
	sib, _ := s.GetFollowUp(ctx, sibling.ID)
	want := fmt.Sprintf("Cancelled: Reply received to follow-up #%d", replied.ID)
	if sib.Status != models.FollowUpCancelled || sib.ErrorMessage == nil || *sib.ErrorMessage != want {
		t.Errorf("sibling = %s %v", sib.Status, sib.ErrorMessage)
	}
	if got := status(t, s, otherSent.ID); got != models.FollowUpSent {
		t.Errorf("sent sibling changed to %s", got)
	}
	if got := status(t, s, stranger.ID); got != models.FollowUpPending {
		t.Errorf("other recipient changed to %s", got)
	}
}

func TestRecordWithoutStopOnReplyKeepsSiblings(t *testing.T) {
	s := store.NewMemoryStore()
	job := seedJob(t, s, "lead@example.com", models.FollowUpSent, func(j *models.FollowUpJob) { j.StopOnReply = false })
	sibling := seedJob(t, s, "lead@example.com", models.FollowUpPending, nil)

	_, cancelled, err := newHandler(s).Record(context.Background(), 1, Input{JobID: job.ID, Body: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if cancelled != 0 || status(t, s, sibling.ID) != models.FollowUpPending {
		t.Errorf("sibling cancelled without stop_on_reply")
	}
}

func TestRecordRejectsTerminalJobs(t *testing.T) {
	s := store.NewMemoryStore()
	for _, st := range []string{models.FollowUpCancelled, models.FollowUpFailed, models.FollowUpReplied} {
		job := seedJob(t, s, "lead@example.com", st, nil)
		_, _, err := newHandler(s).Record(context.Background(), 1, Input{JobID: job.ID, Body: "hi"})
		if delivery.KindOf(err) != delivery.KindValidation {
			t.Errorf("%s: expected validation error, got %v", st, err)
		}
	}

	_, _, err := newHandler(s).Record(context.Background(), 2, Input{JobID: 1, Body: "hi"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("other user: %v", err)
	}
}

func TestRecordRollsBackOnDuplicate(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	first := seedJob(t, s, "a@example.com", models.FollowUpSent, nil)
	second := seedJob(t, s, "b@example.com", models.FollowUpSent, nil)
	h := newHandler(s)

	if _, _, err := h.Record(ctx, 1, Input{JobID: first.ID, Body: "x", MessageID: "<dup@x>"}); err != nil {
		t.Fatal(err)
	}
	_, _, err := h.Record(ctx, 1, Input{JobID: second.ID, Body: "x", MessageID: "<dup@x>"})
	if !errors.Is(err, ErrAlreadyRecorded) {
		t.Fatalf("expected ErrAlreadyRecorded, got %v", err)
	}
	if got := status(t, s, second.ID); got != models.FollowUpSent {
		t.Errorf("status = %s after rolled back reply", got)
	}
}

func TestRecordStopsEnrollments(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	stopping := &models.Sequence{UserID: 1, Name: "stops", StopOnReply: true, IsActive: true}
	continuing := &models.Sequence{UserID: 1, Name: "continues", StopOnReply: false, IsActive: true}
	_ = s.CreateSequence(ctx, stopping)
	_ = s.CreateSequence(ctx, continuing)
	e1 := &models.SequenceEnrollment{SequenceID: stopping.ID, UserID: 1, RecipientEmail: "lead@example.com", Status: models.EnrollmentActive}
	e2 := &models.SequenceEnrollment{SequenceID: continuing.ID, UserID: 1, RecipientEmail: "lead@example.com", Status: models.EnrollmentActive}
	_ = s.CreateEnrollment(ctx, e1)
	_ = s.CreateEnrollment(ctx, e2)

	job := seedJob(t, s, "lead@example.com", models.FollowUpSent, nil)
	if _, _, err := newHandler(s).Record(ctx, 1, Input{JobID: job.ID, Body: "stop"}); err != nil {
		t.Fatal(err)
	}

	got1, _ := s.GetUserEnrollment(ctx, 1, stopping.ID, e1.ID)
	got2, _ := s.GetUserEnrollment(ctx, 1, continuing.ID, e2.ID)
	if got1.Status != models.EnrollmentStopped || got1.StoppedAt == nil {
		t.Errorf("stop_on_reply enrollment = %+v", got1)
	}
	if got2.Status != models.EnrollmentActive {
		t.Errorf("enrollment without stop_on_reply = %s", got2.Status)
	}
}

func TestIngestCorrelation(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	byThread := seedJob(t, s, "a@example.com", models.FollowUpSent, func(j *models.FollowUpJob) { j.ProviderMessageID = "<sent-1@x>" })
	bySender := seedJob(t, s, "b@example.com", models.FollowUpSent, nil)
	h := newHandler(s)

	r, err := h.Ingest(ctx, 1, Inbound{MessageID: "<r1@x>", References: []string{"<unknown@x>", "<sent-1@x>"}, FromEmail: "someone@else.com", Body: "yes"})
	if err != nil {
		t.Fatal(err)
	}
	if r.FollowUpJobID != byThread.ID || r.Source != models.ReplySourceWebhook {
		t.Errorf("thread match = %+v", r)
	}

	r, err = h.Ingest(ctx, 1, Inbound{MessageID: "<r2@x>", FromEmail: "B@example.com", Body: "sure"})
	if err != nil {
		t.Fatal(err)
	}
	if r.FollowUpJobID != bySender.ID {
		t.Errorf("sender match = %+v", r)
	}

	if _, err := h.Ingest(ctx, 1, Inbound{MessageID: "<r2@x>", FromEmail: "b@example.com"}); !errors.Is(err, ErrAlreadyRecorded) {
		t.Errorf("duplicate: %v", err)
	}
	if _, err := h.Ingest(ctx, 1, Inbound{MessageID: "<r3@x>", FromEmail: "nobody@example.com"}); !errors.Is(err, ErrNoMatch) {
		t.Errorf("unknown sender: %v", err)
	}

	// A second message on a replied thread is stored without further effect.
	r, err = h.Ingest(ctx, 1, Inbound{MessageID: "<r4@x>", InReplyTo: "<sent-1@x>", FromEmail: "a@example.com", Body: "one more"})
	if err != nil || r.FollowUpJobID != byThread.ID {
		t.Errorf("follow-on reply: %+v %v", r, err)
	}
}
