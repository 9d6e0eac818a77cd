package delivery

import (
	"errors"
	"testing"
	"time"

	"mailfollow/models"
	"mailfollow/provider"
	"mailfollow/store"
)

func newService(f *fixture) *Service {
	return &Service{
		Store:     f.store,
		Engine:    f.engine,
		Providers: f.engine.Providers,
		Now:       func() time.Time { return f.clock },
	}
}

func TestCreateAppliesDefaults(t *testing.T) {
	f := newFixture(t)
	svc := newService(f)

	job, err := svc.Create(f.ctx, 1, CreateInput{
		OriginalRecipient: "  Lead@Example.COM ",
		OriginalSubject:   "Demo",
		OriginalBody:      "Hello",
	})
	if err != nil {
		t.Fatal(err)
	}
	if job.ConnectionID != f.conn.ID || job.OriginalRecipient != "lead@example.com" {
		t.Errorf("job = %+v", job)
	}
	if job.DelayHours != 24 || job.Tone != models.ToneProfessional || job.MaxFollowups != 1 || !job.StopOnReply {
		t.Errorf("defaults not applied: %+v", job)
	}
	if job.Status != models.FollowUpPending || !job.ScheduledAt.Equal(f.clock.Add(24*time.Hour)) {
		t.Errorf("status=%s scheduled_at=%v", job.Status, job.ScheduledAt)
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	svc := newService(f)
	other := uint(999)

	tests := []struct {
		name string
		in   CreateInput
	}{
		{"bad tone", CreateInput{OriginalRecipient: "a@example.com", OriginalSubject: "s", OriginalBody: "b", Tone: "sarcastic"}},
		{"delay too long", CreateInput{OriginalRecipient: "a@example.com", OriginalSubject: "s", OriginalBody: "b", DelayHours: 200}},
		{"bad email", CreateInput{OriginalRecipient: "not-an-email", OriginalSubject: "s", OriginalBody: "b"}},
		{"half a draft", CreateInput{OriginalRecipient: "a@example.com", OriginalSubject: "s", OriginalBody: "b", DraftSubject: "only subject"}},
		{"foreign connection", CreateInput{ConnectionID: &other, OriginalRecipient: "a@example.com", OriginalSubject: "s", OriginalBody: "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Create(f.ctx, 1, tt.in); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestCreateWithoutActiveConnection(t *testing.T) {
	f := newFixture(t)
	_ = f.store.SetConnectionStatus(f.ctx, f.conn.ID, models.ConnectionError, nil, nil)

	_, err := newService(f).Create(f.ctx, 1, CreateInput{OriginalRecipient: "a@example.com", OriginalSubject: "s", OriginalBody: "b"})
	if KindOf(err) != KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	svc := newService(f)

	pending := f.job(t, nil)
	job, err := svc.Cancel(f.ctx, 1, pending.ID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != models.FollowUpCancelled || job.ErrorMessage == nil || *job.ErrorMessage != "Cancelled by user" {
		t.Errorf("job = %+v", job)
	}

	if _, err := svc.Cancel(f.ctx, 1, pending.ID); KindOf(err) != KindValidation {
		t.Errorf("second cancel: %v", err)
	}

	sent := f.job(t, func(j *models.FollowUpJob) { j.Status = models.FollowUpSent })
	if _, err := svc.Cancel(f.ctx, 1, sent.ID); KindOf(err) != KindValidation {
		t.Errorf("cancel sent: %v", err)
	}

	if _, err := svc.Cancel(f.ctx, 2, sent.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("other user's job: %v", err)
	}
}

func TestCancelByStatus(t *testing.T) {
	f := newFixture(t)
	svc := newService(f)

	tests := []struct {
		status string
		ok     bool
	}{
		{models.FollowUpPending, true},
		{models.FollowUpScheduled, true},
		{models.FollowUpFailed, true},
		{models.FollowUpSent, false},
		{models.FollowUpReplied, false},
		{models.FollowUpCancelled, false},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			job := f.job(t, func(j *models.FollowUpJob) { j.Status = tt.status })
			if job.CanCancel() != tt.ok {
				t.Errorf("CanCancel() = %v, want %v", job.CanCancel(), tt.ok)
			}
			got, err := svc.Cancel(f.ctx, 1, job.ID)
			if tt.ok {
				if err != nil || got.Status != models.FollowUpCancelled {
					t.Errorf("cancel: job=%+v err=%v", got, err)
				}
				return
			}
			if KindOf(err) != KindValidation {
				t.Errorf("expected validation error, got %v", err)
			}
			if stored := f.reload(t, job.ID); stored.Status != tt.status {
				t.Errorf("status changed to %s", stored.Status)
			}
		})
	}
}

func TestSendNowKeepsAttempts(t *testing.T) {
	f := newFixture(t)
	svc := newService(f)
	job := f.job(t, func(j *models.FollowUpJob) {
		j.Status = models.FollowUpFailed
		j.Attempts = 4
		j.ScheduledAt = f.clock.Add(48 * time.Hour)
	})

	got, res, err := svc.SendNow(f.ctx, 1, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeSent || got.Status != models.FollowUpSent || got.Attempts != 4 {
		t.Errorf("result=%+v job=%+v", res, got)
	}

	if _, _, err := svc.SendNow(f.ctx, 1, job.ID); KindOf(err) != KindValidation {
		t.Errorf("send-now on sent job: %v", err)
	}
}

func TestRetryResetsBudget(t *testing.T) {
	f := newFixture(t)
	svc := newService(f)
	f.prov.results = []provider.SendResult{{Provider: "fake", Error: "still down"}}
	job := f.job(t, func(j *models.FollowUpJob) {
		j.Status = models.FollowUpFailed
		j.Attempts = 4
	})

	got, res, err := svc.Retry(f.ctx, 1, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeRetryScheduled || got.Attempts != 1 || got.Status != models.FollowUpPending {
		t.Errorf("result=%+v job=%+v", res, got)
	}

	cancelled := f.job(t, func(j *models.FollowUpJob) { j.Status = models.FollowUpCancelled })
	if _, _, err := svc.Retry(f.ctx, 1, cancelled.ID); KindOf(err) != KindValidation {
		t.Errorf("retry cancelled: %v", err)
	}
}

func TestValidateConnection(t *testing.T) {
	f := newFixture(t)
	svc := newService(f)

	conn, err := svc.Validate(f.ctx, 1, f.conn.ID)
	if err != nil {
		t.Fatal(err)
	}
	if conn.Status != models.ConnectionActive || conn.LastValidatedAt == nil {
		t.Errorf("connection = %+v", conn)
	}

	f.prov.valErr = errors.New("resend API error (401): invalid key")
	if _, err := svc.Validate(f.ctx, 1, f.conn.ID); err == nil {
		t.Fatal("expected validation failure")
	}
	stored, _ := f.store.GetConnection(f.ctx, f.conn.ID)
	if stored.Status != models.ConnectionError || stored.LastError == nil || *stored.LastError != "resend API error (401): invalid key" {
		t.Errorf("connection = %+v", stored)
	}
}

func TestSendTest(t *testing.T) {
	f := newFixture(t)
	svc := newService(f)

	if _, err := svc.SendTest(f.ctx, 1, f.conn.ID, "bad"); KindOf(err) != KindValidation {
		t.Errorf("bad address: %v", err)
	}

	sr, err := svc.SendTest(f.ctx, 1, f.conn.ID, "me+test@example.com")
	if err != nil || !sr.Success {
		t.Fatalf("sr=%+v err=%v", sr, err)
	}
	if len(f.prov.sent) != 1 || f.prov.sent[0].To != "me+test@example.com" || f.prov.sent[0].Subject == "" {
		t.Errorf("sent = %+v", f.prov.sent)
	}
}
