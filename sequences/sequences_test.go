package sequences

import (
	"context"
	"errors"
	"testing"
	"time"

	"mailfollow/delivery"
	"mailfollow/models"
	"mailfollow/store"
)

type fakeDeliverer struct {
	store   *store.MemoryStore
	outcome delivery.Outcome
	calls   []uint
}

func (d *fakeDeliverer) Deliver(ctx context.Context, jobID uint) (delivery.Result, error) {
	d.calls = append(d.calls, jobID)
	switch d.outcome {
	case delivery.OutcomeFailed:
		_ = d.store.MarkFailed(ctx, jobID, 1, "connection is error, not active")
		return delivery.Result{JobID: jobID, Outcome: delivery.OutcomeFailed, Err: errors.New("connection is error, not active")}, nil
	case delivery.OutcomeRetryScheduled:
		return delivery.Result{JobID: jobID, Outcome: delivery.OutcomeRetryScheduled}, nil
	}
	msgID := "<step-" + time.Now().Format("150405.000000000") + "@x>"
	_ = d.store.MarkSent(ctx, jobID, time.Now(), msgID)
	return delivery.Result{JobID: jobID, Outcome: delivery.OutcomeSent, MessageID: msgID}, nil
}

type seqFixture struct {
	ctx      context.Context
	store    *store.MemoryStore
	clock    time.Time
	svc      *Service
	advancer *Advancer
	deliver  *fakeDeliverer
	conn     *models.Connection
}

func newSeqFixture(t *testing.T) *seqFixture {
	t.Helper()
	f := &seqFixture{
		ctx:   context.Background(),
		store: store.NewMemoryStore(),
		clock: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	f.conn = &models.Connection{UserID: 1, Provider: models.ProviderResend, ProviderEmail: "me@example.com", Status: models.ConnectionActive, IsActive: true}
	if err := f.store.CreateConnection(f.ctx, f.conn); err != nil {
		t.Fatal(err)
	}
	now := func() time.Time { return f.clock }
	f.deliver = &fakeDeliverer{store: f.store, outcome: delivery.OutcomeSent}
	f.svc = &Service{Store: f.store, Now: now}
	f.advancer = &Advancer{Store: f.store, Engine: f.deliver, Now: now}
	return f
}

func threeSteps() []StepInput {
	return []StepInput{
		{StepNumber: 1, Subject: "Intro", Body: "Hello", Tone: models.ToneFriendly, DelayDays: 0},
		{StepNumber: 2, Subject: "Nudge", Body: "Following up", Tone: models.ToneProfessional, DelayDays: 2},
		{StepNumber: 3, Subject: "Last call", Body: "Closing the loop", Tone: models.ToneUrgent, DelayDays: 3},
	}
}

func (f *seqFixture) start(t *testing.T) (*models.Sequence, *models.SequenceEnrollment) {
	t.Helper()
	seq, err := f.svc.Create(f.ctx, 1, CreateInput{Name: "Outreach", Steps: threeSteps()})
	if err != nil {
		t.Fatal(err)
	}
	e, err := f.svc.Start(f.ctx, 1, seq.ID, StartInput{RecipientEmail: "Lead@Example.com", ConnectionID: f.conn.ID})
	if err != nil {
		t.Fatal(err)
	}
	return seq, e
}

func (f *seqFixture) enrollment(t *testing.T, seqID, id uint) *models.SequenceEnrollment {
	t.Helper()
	e, err := f.store.GetUserEnrollment(f.ctx, 1, seqID, id)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestValidateSteps(t *testing.T) {
	tests := []struct {
		name  string
		steps func() []StepInput
		ok    bool
	}{
		{"valid", threeSteps, true},
		{"too few", func() []StepInput { return threeSteps()[:1] }, false},
		{"too many", func() []StepInput {
			s := threeSteps()
			for i := 4; i <= 6; i++ {
				s = append(s, StepInput{StepNumber: i, Subject: "s", Body: "b", Tone: models.ToneFriendly, DelayDays: 1})
			}
			return s
		}, false},
		{"gap in numbering", func() []StepInput { s := threeSteps(); s[2].StepNumber = 4; return s }, false},
		{"first step delayed", func() []StepInput { s := threeSteps(); s[0].DelayDays = 1; return s }, false},
		{"negative delay", func() []StepInput { s := threeSteps(); s[1].DelayDays = -1; return s }, false},
		{"bad tone", func() []StepInput { s := threeSteps(); s[1].Tone = "angry"; return s }, false},
		{"empty body", func() []StepInput { s := threeSteps(); s[2].Body = "  "; return s }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSteps(tt.steps())
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && delivery.KindOf(err) != delivery.KindValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestStartRules(t *testing.T) {
	f := newSeqFixture(t)
	seq, e := f.start(t)
	if e.Status != models.EnrollmentActive || e.CurrentStep != 0 || e.RecipientEmail != "lead@example.com" || e.StartedAt == nil {
		t.Errorf("enrollment = %+v", e)
	}

	_, err := f.svc.Start(f.ctx, 1, seq.ID, StartInput{RecipientEmail: "lead@example.com", ConnectionID: f.conn.ID})
	if delivery.KindOf(err) != delivery.KindValidation {
		t.Errorf("duplicate enrollment: %v", err)
	}

	inactive := false
	if _, err := f.svc.Update(f.ctx, 1, seq.ID, UpdateInput{IsActive: &inactive}); err != nil {
		t.Fatal(err)
	}
	_, err = f.svc.Start(f.ctx, 1, seq.ID, StartInput{RecipientEmail: "new@example.com", ConnectionID: f.conn.ID})
	if delivery.KindOf(err) != delivery.KindValidation {
		t.Errorf("inactive sequence: %v", err)
	}

	if _, err := f.svc.Start(f.ctx, 2, seq.ID, StartInput{RecipientEmail: "new@example.com", ConnectionID: f.conn.ID}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("other user's sequence: %v", err)
	}
}

// staleCheckStore answers the active-enrollment check as if a concurrent
// start had not committed yet.
type staleCheckStore struct{ *store.MemoryStore }

func (s staleCheckStore) HasActiveEnrollment(ctx context.Context, sequenceID uint, email string) (bool, error) {
	return false, nil
}

func (s staleCheckStore) Transaction(ctx context.Context, fn func(tx store.Store) error) error {
	return s.MemoryStore.Transaction(ctx, func(store.Store) error { return fn(s) })
}

func TestStartConcurrentDuplicateIsValidationError(t *testing.T) {
	f := newSeqFixture(t)
	seq, first := f.start(t)

	f.svc.Store = staleCheckStore{f.store}
	_, err := f.svc.Start(f.ctx, 1, seq.ID, StartInput{RecipientEmail: "lead@example.com", ConnectionID: f.conn.ID})
	if delivery.KindOf(err) != delivery.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	active, _ := f.store.ListEnrollments(f.ctx, seq.ID, models.EnrollmentActive, 10, 0)
	if len(active) != 1 || active[0].ID != first.ID {
		t.Errorf("active enrollments = %+v", active)
	}
}

func TestStartRequiresActiveConnection(t *testing.T) {
	f := newSeqFixture(t)
	seq, err := f.svc.Create(f.ctx, 1, CreateInput{Name: "Outreach", Steps: threeSteps()})
	if err != nil {
		t.Fatal(err)
	}
	_ = f.store.SetConnectionStatus(f.ctx, f.conn.ID, models.ConnectionError, nil, nil)

	_, err = f.svc.Start(f.ctx, 1, seq.ID, StartInput{RecipientEmail: "a@example.com", ConnectionID: f.conn.ID})
	if delivery.KindOf(err) != delivery.KindValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestAdvanceWalksAllSteps(t *testing.T) {
	f := newSeqFixture(t)
	seq, e := f.start(t)

	stats := f.advancer.Advance(f.ctx)
	if stats.Advanced != 1 || stats.Sent != 1 {
		t.Fatalf("first pass = %+v", stats)
	}
	jobs, _ := f.store.ListEnrollmentFollowUps(f.ctx, e.ID)
	if len(jobs) != 1 || jobs[0].StepNumber != 1 || jobs[0].DraftSubject != "Intro" || jobs[0].OriginalRecipient != "lead@example.com" {
		t.Fatalf("step 1 job = %+v", jobs)
	}

	// Step 2 is due two days after the start.
	f.clock = f.clock.Add(47 * time.Hour)
	if stats := f.advancer.Advance(f.ctx); stats.Waiting != 1 || stats.Advanced != 0 {
		t.Fatalf("early pass = %+v", stats)
	}
	f.clock = f.clock.Add(time.Hour)
	if stats := f.advancer.Advance(f.ctx); stats.Advanced != 1 {
		t.Fatalf("step 2 pass = %+v", stats)
	}
	jobs, _ = f.store.ListEnrollmentFollowUps(f.ctx, e.ID)
	if len(jobs) != 2 || jobs[1].OriginalMessageID != jobs[0].ProviderMessageID {
		t.Errorf("step 2 not threaded onto step 1: %+v", jobs)
	}

	f.clock = f.clock.Add(3 * 24 * time.Hour)
	stats = f.advancer.Advance(f.ctx)
	if stats.Advanced != 1 || stats.Completed != 1 {
		t.Fatalf("last pass = %+v", stats)
	}
	got := f.enrollment(t, seq.ID, e.ID)
	if got.Status != models.EnrollmentCompleted || got.CompletedAt == nil || got.CurrentStep != 3 {
		t.Errorf("enrollment = %+v", got)
	}
}

func TestAdvanceFailedStepFailsEnrollment(t *testing.T) {
	f := newSeqFixture(t)
	f.deliver.outcome = delivery.OutcomeFailed
	seq, e := f.start(t)

	stats := f.advancer.Advance(f.ctx)
	if stats.Failed != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	got := f.enrollment(t, seq.ID, e.ID)
	if got.Status != models.EnrollmentFailed || got.LastError == nil || *got.LastError != "connection is error, not active" {
		t.Errorf("enrollment = %+v", got)
	}
}

func TestAdvanceWaitsOnRetryThenStopsOnCancel(t *testing.T) {
	f := newSeqFixture(t)
	f.deliver.outcome = delivery.OutcomeRetryScheduled
	seq, e := f.start(t)

	f.advancer.Advance(f.ctx)
	if stats := f.advancer.Advance(f.ctx); stats.Waiting != 1 {
		t.Fatalf("retrying step should wait: %+v", stats)
	}

	jobs, _ := f.store.ListEnrollmentFollowUps(f.ctx, e.ID)
	if err := f.store.CancelFollowUp(f.ctx, jobs[0].ID, "Cancelled: Reply received to follow-up #9", models.AwaitingSendStatuses); err != nil {
		t.Fatal(err)
	}
	if stats := f.advancer.Advance(f.ctx); stats.Stopped != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if got := f.enrollment(t, seq.ID, e.ID); got.Status != models.EnrollmentStopped || got.StoppedAt == nil {
		t.Errorf("enrollment = %+v", got)
	}
}

func TestAdvanceLosesClaimRace(t *testing.T) {
	f := newSeqFixture(t)
	_, e := f.start(t)
	f.store.BeforeUpdate = func(op string, id uint) {
		if op == "advance_enrollment" && id == e.ID {
			f.store.BeforeUpdate = nil
			_ = f.store.AdvanceEnrollment(f.ctx, id, 0, 1)
		}
	}

	stats := f.advancer.Advance(f.ctx)
	if stats.Skipped != 1 || stats.Advanced != 0 || len(f.deliver.calls) != 0 {
		t.Errorf("stats = %+v calls = %v", stats, f.deliver.calls)
	}
	if jobs, _ := f.store.ListEnrollmentFollowUps(f.ctx, e.ID); len(jobs) != 0 {
		t.Errorf("loser created a job: %+v", jobs)
	}
}

func TestStopCancelsPendingStep(t *testing.T) {
	f := newSeqFixture(t)
	f.deliver.outcome = delivery.OutcomeRetryScheduled
	seq, e := f.start(t)
	f.advancer.Advance(f.ctx)

	got, err := f.svc.Stop(f.ctx, 1, seq.ID, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.EnrollmentStopped {
		t.Errorf("status = %s", got.Status)
	}
	jobs, _ := f.store.ListEnrollmentFollowUps(f.ctx, e.ID)
	if len(jobs) != 1 || jobs[0].Status != models.FollowUpCancelled {
		t.Errorf("jobs = %+v", jobs)
	}

	if _, err := f.svc.Stop(f.ctx, 1, seq.ID, e.ID); delivery.KindOf(err) != delivery.KindValidation {
		t.Errorf("second stop: %v", err)
	}
}

func TestListIncludesCounts(t *testing.T) {
	f := newSeqFixture(t)
	f.start(t)

	list, err := f.svc.List(f.ctx, 1, nil, 20, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].StepCount != 3 || list[0].EnrollmentCount != 1 || list[0].ActiveEnrollmentCount != 1 {
		t.Errorf("list = %+v", list)
	}
}
