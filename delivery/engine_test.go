package delivery

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"mailfollow/draft"
	"mailfollow/models"
	"mailfollow/provider"
	"mailfollow/store"
)

type fakeProvider struct {
	results []provider.SendResult
	sent    []provider.Message
	panics  bool
	valErr  error
	// onSend runs once, before the first send is recorded.
	onSend func()
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Send(ctx context.Context, msg provider.Message) provider.SendResult {
	if p.panics {
		panic("nil credentials")
	}
	if hook := p.onSend; hook != nil {
		p.onSend = nil
		hook()
	}
	p.sent = append(p.sent, msg)
	if len(p.results) == 0 {
		return provider.SendResult{Success: true, MessageID: "msg-1", Provider: "fake"}
	}
	r := p.results[0]
	if len(p.results) > 1 {
		p.results = p.results[1:]
	}
	return r
}

func (p *fakeProvider) Validate(ctx context.Context) error { return p.valErr }

type fakeProviders struct {
	prov provider.Provider
	err  error
}

func (f fakeProviders) ForConnection(conn *models.Connection) (provider.Provider, error) {
	return f.prov, f.err
}

type fakeDrafts struct {
	err   error
	calls int
}

func (d *fakeDrafts) EnsureDraft(ctx context.Context, job *models.FollowUpJob) (string, string, error) {
	d.calls++
	if d.err != nil {
		return "", "", d.err
	}
	if job.HasDraft() {
		return job.DraftSubject, job.DraftBody, nil
	}
	return "Generated subject", "Generated body", nil
}

type fixture struct {
	ctx    context.Context
	store  *store.MemoryStore
	prov   *fakeProvider
	drafts *fakeDrafts
	engine *Engine
	clock  time.Time
	conn   *models.Connection
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ctx:    context.Background(),
		store:  store.NewMemoryStore(),
		prov:   &fakeProvider{},
		drafts: &fakeDrafts{},
		clock:  time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	f.conn = &models.Connection{
		UserID: 1, Provider: models.ProviderResend, ProviderEmail: "me@example.com",
		FromName: "Jo", Status: models.ConnectionActive, IsActive: true,
	}
	if err := f.store.CreateConnection(f.ctx, f.conn); err != nil {
		t.Fatal(err)
	}
	f.engine = &Engine{
		Store:     f.store,
		Drafts:    f.drafts,
		Providers: fakeProviders{prov: f.prov},
		Policy:    DefaultRetryPolicy(),
		Now:       func() time.Time { return f.clock },
	}
	return f
}

func (f *fixture) job(t *testing.T, mutate func(j *models.FollowUpJob)) *models.FollowUpJob {
	t.Helper()
	j := &models.FollowUpJob{
		UserID: 1, ConnectionID: f.conn.ID, OriginalRecipient: "lead@example.com",
		OriginalSubject: "Demo", OriginalBody: "Hi", Tone: models.ToneProfessional,
		DelayHours: 24, MaxFollowups: 1, StopOnReply: true,
		Status: models.FollowUpPending, ScheduledAt: f.clock.Add(-time.Minute),
	}
	if mutate != nil {
		mutate(j)
	}
	if err := f.store.CreateFollowUp(f.ctx, j); err != nil {
		t.Fatal(err)
	}
	return j
}

func (f *fixture) reload(t *testing.T, id uint) *models.FollowUpJob {
	t.Helper()
	j, err := f.store.GetFollowUp(f.ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	return j
}

func TestDeliverSendsAndRecords(t *testing.T) {
	f := newFixture(t)
	job := f.job(t, func(j *models.FollowUpJob) {
		j.DraftSubject, j.DraftBody = "Checking in", "Any news?"
		j.OriginalMessageID = "<orig@example.com>"
	})

	res, err := f.engine.Deliver(f.ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeSent || res.MessageID != "msg-1" {
		t.Fatalf("result = %+v", res)
	}

	stored := f.reload(t, job.ID)
	if stored.Status != models.FollowUpSent || stored.ProviderMessageID != "msg-1" || stored.SentAt == nil {
		t.Errorf("job = %+v", stored)
	}
	if len(f.prov.sent) != 1 {
		t.Fatalf("sent %d messages", len(f.prov.sent))
	}
	msg := f.prov.sent[0]
	if msg.To != "lead@example.com" || msg.Subject != "Checking in" || msg.InReplyTo != "<orig@example.com>" || msg.FromEmail != "me@example.com" {
		t.Errorf("message = %+v", msg)
	}
	if !strings.Contains(msg.HTML, "Any news?") {
		t.Errorf("html missing body: %s", msg.HTML)
	}

	attempts, _ := f.store.ListAttempts(f.ctx, job.ID)
	if len(attempts) != 1 || !attempts[0].Success || attempts[0].AttemptNumber != 1 {
		t.Errorf("attempts = %+v", attempts)
	}
}

func TestDeliverRetryScheduleThenFails(t *testing.T) {
	f := newFixture(t)
	f.prov.results = []provider.SendResult{{Provider: "fake", Error: "resend API error (503): unavailable"}}
	job := f.job(t, nil)

	wantDelays := []time.Duration{60 * time.Second, 300 * time.Second, 900 * time.Second}
	for i, delay := range wantDelays {
		res, err := f.engine.Deliver(f.ctx, job.ID)
		if err != nil {
			t.Fatal(err)
		}
		if res.Outcome != OutcomeRetryScheduled || KindOf(res.Err) != KindTransient {
			t.Fatalf("attempt %d: result = %+v", i+1, res)
		}
		stored := f.reload(t, job.ID)
		if stored.Status != models.FollowUpPending || stored.Attempts != i+1 {
			t.Fatalf("attempt %d: status=%s attempts=%d", i+1, stored.Status, stored.Attempts)
		}
		if !stored.ScheduledAt.Equal(f.clock.Add(delay)) {
			t.Errorf("attempt %d: scheduled_at = %v, want %v", i+1, stored.ScheduledAt, f.clock.Add(delay))
		}
		f.clock = stored.ScheduledAt
	}

	res, err := f.engine.Deliver(f.ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeFailed {
		t.Fatalf("fourth attempt: %+v", res)
	}
	stored := f.reload(t, job.ID)
	if stored.Status != models.FollowUpFailed || stored.Attempts != 4 {
		t.Errorf("status=%s attempts=%d", stored.Status, stored.Attempts)
	}
	if stored.ErrorMessage == nil || *stored.ErrorMessage != "resend API error (503): unavailable" {
		t.Errorf("error_message = %v", stored.ErrorMessage)
	}
}

func TestDeliverRecoversAfterTwoFailures(t *testing.T) {
	f := newFixture(t)
	f.prov.results = []provider.SendResult{
		{Provider: "fake", Error: "timeout"},
		{Provider: "fake", Error: "timeout"},
		{Success: true, MessageID: "msg-3", Provider: "fake"},
	}
	job := f.job(t, nil)
	start := f.clock

	wantOutcomes := []Outcome{OutcomeRetryScheduled, OutcomeRetryScheduled, OutcomeSent}
	wantSchedules := []time.Time{start.Add(60 * time.Second), start.Add(60*time.Second + 300*time.Second)}
	for i, want := range wantOutcomes {
		res, err := f.engine.Deliver(f.ctx, job.ID)
		if err != nil {
			t.Fatal(err)
		}
		if res.Outcome != want {
			t.Fatalf("attempt %d: outcome = %s, want %s", i+1, res.Outcome, want)
		}
		stored := f.reload(t, job.ID)
		if i < len(wantSchedules) {
			if !stored.ScheduledAt.Equal(wantSchedules[i]) {
				t.Errorf("attempt %d: scheduled_at = %v, want %v", i+1, stored.ScheduledAt, wantSchedules[i])
			}
			f.clock = stored.ScheduledAt
		}
	}

	stored := f.reload(t, job.ID)
	if stored.Status != models.FollowUpSent || stored.ProviderMessageID != "msg-3" || stored.Attempts != 2 {
		t.Errorf("status=%s message_id=%s attempts=%d", stored.Status, stored.ProviderMessageID, stored.Attempts)
	}
	if stored.ErrorMessage != nil {
		t.Errorf("error_message not cleared: %q", *stored.ErrorMessage)
	}
	if len(f.prov.sent) != 3 {
		t.Errorf("provider called %d times, want 3", len(f.prov.sent))
	}
	if attempts, _ := f.store.ListAttempts(f.ctx, job.ID); len(attempts) != 3 {
		t.Errorf("attempt rows = %d, want 3", len(attempts))
	}
}

type countingGenerator struct{ calls int }

func (g *countingGenerator) Generate(ctx context.Context, req draft.Request) (draft.Draft, error) {
	g.calls++
	return draft.Draft{Subject: "Following up", Body: "Did you get a chance to look?"}, nil
}

func TestDeliverGeneratesDraftOnceAcrossRetries(t *testing.T) {
	f := newFixture(t)
	gen := &countingGenerator{}
	f.engine.Drafts = &draft.Resolver{Store: f.store, Generator: gen}
	f.prov.results = []provider.SendResult{
		{Provider: "fake", Error: "timeout"},
		{Success: true, MessageID: "msg-2", Provider: "fake"},
	}
	job := f.job(t, nil)

	for i := 0; i < 2; i++ {
		if _, err := f.engine.Deliver(f.ctx, job.ID); err != nil {
			t.Fatal(err)
		}
		f.clock = f.reload(t, job.ID).ScheduledAt
	}

	if gen.calls != 1 {
		t.Errorf("generator called %d times, want 1", gen.calls)
	}
	if len(f.prov.sent) != 2 || f.prov.sent[0].Subject != "Following up" || f.prov.sent[1].Subject != "Following up" {
		t.Errorf("sent = %+v", f.prov.sent)
	}
	stored := f.reload(t, job.ID)
	if stored.Status != models.FollowUpSent || stored.DraftSubject != "Following up" {
		t.Errorf("job = %+v", stored)
	}
}

func TestDeliverSecondWorkerSkipsClaimedJob(t *testing.T) {
	f := newFixture(t)
	job := f.job(t, nil)
	other := &Engine{
		Store:     f.store,
		Drafts:    &fakeDrafts{},
		Providers: fakeProviders{prov: f.prov},
		Policy:    DefaultRetryPolicy(),
		Now:       func() time.Time { return f.clock },
	}

	var second Result
	var secondErr error
	f.prov.onSend = func() {
		second, secondErr = other.Deliver(f.ctx, job.ID)
	}

	res, err := f.engine.Deliver(f.ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if secondErr != nil {
		t.Fatal(secondErr)
	}
	if res.Outcome != OutcomeSent || second.Outcome != OutcomeSkipped {
		t.Errorf("first = %s, second = %s", res.Outcome, second.Outcome)
	}
	if len(f.prov.sent) != 1 {
		t.Errorf("provider called %d times, want 1", len(f.prov.sent))
	}
	if attempts, _ := f.store.ListAttempts(f.ctx, job.ID); len(attempts) != 1 {
		t.Errorf("attempt rows = %d, want 1", len(attempts))
	}
	if stored := f.reload(t, job.ID); stored.Status != models.FollowUpSent {
		t.Errorf("status = %s", stored.Status)
	}
}

func TestDeliverClaimHidesJobFromScan(t *testing.T) {
	f := newFixture(t)
	job := f.job(t, nil)
	f.engine.ClaimLease = 5 * time.Minute
	var dueDuringSend []models.FollowUpJob
	f.prov.onSend = func() {
		dueDuringSend, _ = f.store.ListDueFollowUps(f.ctx, f.clock, 10)
	}

	if _, err := f.engine.Deliver(f.ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	if len(dueDuringSend) != 0 {
		t.Errorf("job visible to scanner while in flight: %+v", dueDuringSend)
	}
}

func TestDeliverInactiveConnectionFailsImmediately(t *testing.T) {
	f := newFixture(t)
	_ = f.store.SetConnectionStatus(f.ctx, f.conn.ID, models.ConnectionError, nil, nil)
	job := f.job(t, nil)

	res, err := f.engine.Deliver(f.ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeFailed || KindOf(res.Err) != KindConfiguration {
		t.Fatalf("result = %+v", res)
	}
	stored := f.reload(t, job.ID)
	if stored.Status != models.FollowUpFailed || stored.Attempts != 1 {
		t.Errorf("status=%s attempts=%d", stored.Status, stored.Attempts)
	}
	if len(f.prov.sent) != 0 || f.drafts.calls != 0 {
		t.Error("provider or draft resolver called for misconfigured connection")
	}
}

func TestDeliverMissingCredentialsIsConfiguration(t *testing.T) {
	f := newFixture(t)
	f.engine.Providers = fakeProviders{err: &provider.CredentialsError{Provider: "resend", Reason: "api key missing"}}
	job := f.job(t, nil)

	res, _ := f.engine.Deliver(f.ctx, job.ID)
	if res.Outcome != OutcomeFailed || KindOf(res.Err) != KindConfiguration {
		t.Fatalf("result = %+v", res)
	}
}

func TestDeliverAlreadySentIsIdempotent(t *testing.T) {
	f := newFixture(t)
	job := f.job(t, nil)
	if err := f.store.MarkSent(f.ctx, job.ID, f.clock, "prev-id"); err != nil {
		t.Fatal(err)
	}

	res, err := f.engine.Deliver(f.ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeSent || res.MessageID != "prev-id" || len(f.prov.sent) != 0 {
		t.Errorf("result = %+v, sends = %d", res, len(f.prov.sent))
	}
}

func TestDeliverSkipsCancelledJob(t *testing.T) {
	f := newFixture(t)
	job := f.job(t, func(j *models.FollowUpJob) { j.Status = models.FollowUpCancelled })

	res, err := f.engine.Deliver(f.ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeSkipped || len(f.prov.sent) != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestDeliverCancelledDuringSendKeepsCancellation(t *testing.T) {
	f := newFixture(t)
	job := f.job(t, nil)
	f.store.BeforeUpdate = func(op string, id uint) {
		if op == "mark_sent" {
			_ = f.store.CancelFollowUp(f.ctx, id, "Cancelled by user", models.AwaitingSendStatuses)
		}
	}

	res, err := f.engine.Deliver(f.ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeSent {
		t.Errorf("outcome = %s", res.Outcome)
	}
	if stored := f.reload(t, job.ID); stored.Status != models.FollowUpCancelled {
		t.Errorf("status = %s, want cancelled", stored.Status)
	}
}

func TestDeliverConnectionFailureMarksConnection(t *testing.T) {
	f := newFixture(t)
	f.prov.results = []provider.SendResult{{Provider: "gmail", Error: "connection 1: oauth2: invalid_grant", ConnectionFailed: true}}
	job := f.job(t, nil)

	res, _ := f.engine.Deliver(f.ctx, job.ID)
	if res.Outcome != OutcomeRetryScheduled {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	conn, _ := f.store.GetConnection(f.ctx, f.conn.ID)
	if conn.Status != models.ConnectionError || conn.LastError == nil {
		t.Errorf("connection = %+v", conn)
	}

	// The next attempt sees the errored connection and fails for good.
	res, _ = f.engine.Deliver(f.ctx, job.ID)
	if res.Outcome != OutcomeFailed || KindOf(res.Err) != KindConfiguration {
		t.Errorf("second attempt = %+v", res)
	}
}

func TestDeliverRecoversProviderPanic(t *testing.T) {
	f := newFixture(t)
	f.prov.panics = true
	job := f.job(t, nil)

	res, err := f.engine.Deliver(f.ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeRetryScheduled || !strings.Contains(res.Err.Error(), "panic") {
		t.Errorf("result = %+v", res)
	}
}

func TestDeliverDraftFailureIsRetried(t *testing.T) {
	f := newFixture(t)
	f.drafts.err = errors.New("openai: status 500")
	job := f.job(t, nil)

	res, _ := f.engine.Deliver(f.ctx, job.ID)
	if res.Outcome != OutcomeRetryScheduled || KindOf(res.Err) != KindDraftGeneration {
		t.Fatalf("result = %+v", res)
	}
	if len(f.prov.sent) != 0 {
		t.Error("sent without a draft")
	}
}

func TestRetryPolicyNext(t *testing.T) {
	p := DefaultRetryPolicy()
	for attempts, want := range []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute} {
		got, ok := p.Next(attempts)
		if !ok || got != want {
			t.Errorf("Next(%d) = %v, %v", attempts, got, ok)
		}
	}
	if _, ok := p.Next(3); ok {
		t.Error("Next(3) should exhaust the budget")
	}

	short := RetryPolicy{MaxRetries: 5, Backoff: []time.Duration{time.Second}}
	if got, _ := short.Next(4); got != time.Second {
		t.Errorf("short backoff reuses last delay, got %v", got)
	}
}
