package draft

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mailfollow/config"
	"mailfollow/models"
	"mailfollow/store"
)

type countingGenerator struct {
	calls int
	draft Draft
	err   error
}

func (g *countingGenerator) Generate(ctx context.Context, req Request) (Draft, error) {
	g.calls++
	return g.draft, g.err
}

func TestParseDraft(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		subject string
		body    string
		wantErr bool
	}{
		{
			name:    "multi-line body",
			in:      "SUBJECT: Quick follow-up\nBODY: Hi Sam,\n\nJust checking in.\n\nBest,\nJo",
			subject: "Quick follow-up",
			body:    "Hi Sam,\n\nJust checking in.\n\nBest,\nJo",
		},
		{
			name:    "leading chatter and CRLF",
			in:      "Sure! Here it is:\r\nSUBJECT:  Re: Pricing \r\nBODY:\r\nThanks for your time.\r\n",
			subject: "Re: Pricing",
			body:    "Thanks for your time.",
		},
		{name: "missing body", in: "SUBJECT: Hello", wantErr: true},
		{name: "missing subject", in: "BODY: Hello", wantErr: true},
		{name: "empty", in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := ParseDraft(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrUnparsable) {
					t.Fatalf("expected ErrUnparsable, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if d.Subject != tt.subject || d.Body != tt.body {
				t.Errorf("got %q / %q", d.Subject, d.Body)
			}
		})
	}
}

func TestPromptsUseToneInstruction(t *testing.T) {
	system, user := Prompts(Request{OriginalSubject: "Demo", OriginalBody: "Body", RecipientName: "Sam", Tone: "urgent", BrandVoice: "playful"})
	if !strings.Contains(system, "polite but with a sense of urgency") || !strings.Contains(system, "playful") {
		t.Errorf("system prompt:\n%s", system)
	}
	if !strings.Contains(user, "to Sam") || !strings.Contains(user, "SUBJECT: [follow-up subject line]") {
		t.Errorf("user prompt:\n%s", user)
	}

	system, _ = Prompts(Request{Tone: "sarcastic"})
	if !strings.Contains(system, "professional and polite") {
		t.Errorf("unknown tone did not fall back:\n%s", system)
	}
}

func newStoredJob(t *testing.T, s *store.MemoryStore, subject, body string) *models.FollowUpJob {
	t.Helper()
	j := &models.FollowUpJob{
		UserID: 1, ConnectionID: 1, OriginalRecipient: "lead@example.com", OriginalSubject: "Demo",
		Tone: models.ToneFriendly, Status: models.FollowUpPending, ScheduledAt: time.Now(),
		DraftSubject: subject, DraftBody: body,
	}
	if err := s.CreateFollowUp(context.Background(), j); err != nil {
		t.Fatal(err)
	}
	return j
}

func TestEnsureDraftKeepsExistingDraft(t *testing.T) {
	s := store.NewMemoryStore()
	gen := &countingGenerator{draft: Draft{Subject: "new", Body: "new"}}
	r := &Resolver{Store: s, Generator: gen}
	job := newStoredJob(t, s, "Existing", "Kept body")

	subject, body, err := r.EnsureDraft(context.Background(), job)
	if err != nil {
		t.Fatal(err)
	}
	if subject != "Existing" || body != "Kept body" || gen.calls != 0 {
		t.Errorf("draft regenerated: %q %q calls=%d", subject, body, gen.calls)
	}
}

func TestEnsureDraftGeneratesAndPersistsWithSettings(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	_ = s.SaveUserSettings(ctx, &models.UserSettings{UserID: 1, BrandVoice: "crisp", EmailSignature: "Jo"})

	var seen Request
	gen := generatorFunc(func(ctx context.Context, req Request) (Draft, error) {
		seen = req
		return Draft{Subject: "Following up", Body: "Hi again"}, nil
	})
	r := &Resolver{Store: s, Generator: gen}
	job := newStoredJob(t, s, "", "")

	subject, body, err := r.EnsureDraft(ctx, job)
	if err != nil {
		t.Fatal(err)
	}
	if subject != "Following up" || body != "Hi again" {
		t.Errorf("got %q %q", subject, body)
	}
	if seen.BrandVoice != "crisp" || seen.Signature != "Jo" || seen.Tone != models.ToneFriendly {
		t.Errorf("request = %+v", seen)
	}
	stored, _ := s.GetFollowUp(ctx, job.ID)
	if stored.DraftSubject != "Following up" || stored.DraftBody != "Hi again" {
		t.Errorf("draft not persisted: %+v", stored)
	}
}

func TestEnsureDraftLosesRaceToStoredDraft(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	job := newStoredJob(t, s, "", "")

	gen := generatorFunc(func(ctx context.Context, req Request) (Draft, error) {
		// Another worker persists its draft while this one is generating.
		_ = s.SaveDraft(ctx, job.ID, "Winner", "Winner body")
		return Draft{Subject: "Loser", Body: "Loser body"}, nil
	})
	r := &Resolver{Store: s, Generator: gen}

	subject, body, err := r.EnsureDraft(ctx, job)
	if err != nil {
		t.Fatal(err)
	}
	if subject != "Winner" || body != "Winner body" {
		t.Errorf("got %q %q, want stored draft", subject, body)
	}
}

func TestEnsureDraftWrapsGeneratorFailure(t *testing.T) {
	s := store.NewMemoryStore()
	r := &Resolver{Store: s, Generator: &countingGenerator{err: errors.New("boom")}}
	job := newStoredJob(t, s, "", "")

	_, _, err := r.EnsureDraft(context.Background(), job)
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("expected *GenerationError, got %v", err)
	}
	stored, _ := s.GetFollowUp(context.Background(), job.ID)
	if stored.DraftSubject != "" || stored.DraftBody != "" {
		t.Error("partial draft persisted")
	}
}

type generatorFunc func(ctx context.Context, req Request) (Draft, error)

func (f generatorFunc) Generate(ctx context.Context, req Request) (Draft, error) { return f(ctx, req) }

func TestOpenAIGenerator(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" || r.Header.Get("Authorization") != "Bearer sk-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"SUBJECT: Checking in\nBODY: Hi Sam,\nAny thoughts?"}}]}`))
	}))
	defer srv.Close()

	g := &OpenAIGenerator{APIKey: "sk-test", BaseURL: srv.URL}
	d, err := g.Generate(context.Background(), Request{OriginalSubject: "Demo", Tone: "friendly"})
	if err != nil {
		t.Fatal(err)
	}
	if d.Subject != "Checking in" || d.Body != "Hi Sam,\nAny thoughts?" {
		t.Errorf("draft = %+v", d)
	}
	if got.Model != "gpt-4o-mini" || got.Temperature != 0.7 || got.MaxTokens != 500 || len(got.Messages) != 2 {
		t.Errorf("request = %+v", got)
	}
}

func TestOpenAIRateLimitIsTemporary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"quota"}}`))
	}))
	defer srv.Close()

	_, err := (&OpenAIGenerator{APIKey: "k", BaseURL: srv.URL}).Generate(context.Background(), Request{})
	var genErr *GenerationError
	if !errors.As(err, &genErr) || !genErr.Temporary {
		t.Fatalf("expected temporary GenerationError, got %v", err)
	}
}

func TestGeminiGenerator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/models/gemini-test:generateContent") || r.URL.Query().Get("key") != "g-key" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"SUBJECT: Hello again\n"},{"text":"BODY: Body text"}]}}]}`))
	}))
	defer srv.Close()

	g := &GeminiGenerator{APIKey: "g-key", BaseURL: srv.URL, Model: "gemini-test"}
	d, err := g.Generate(context.Background(), Request{})
	if err != nil {
		t.Fatal(err)
	}
	if d.Subject != "Hello again" || d.Body != "Body text" {
		t.Errorf("draft = %+v", d)
	}
}

func TestFallbackGenerator(t *testing.T) {
	secondary := &countingGenerator{draft: Draft{Subject: "s", Body: "b"}}

	temp := &FallbackGenerator{
		Primary:   &countingGenerator{err: &GenerationError{Provider: "openai", Temporary: true, Err: errors.New("down")}},
		Secondary: secondary,
	}
	if _, err := temp.Generate(context.Background(), Request{}); err != nil || secondary.calls != 1 {
		t.Fatalf("fallback not used: err=%v calls=%d", err, secondary.calls)
	}

	permanent := &FallbackGenerator{
		Primary:   &countingGenerator{err: &GenerationError{Provider: "openai", Err: ErrUnparsable}},
		Secondary: secondary,
	}
	if _, err := permanent.Generate(context.Background(), Request{}); err == nil || secondary.calls != 1 {
		t.Fatalf("fallback used for permanent error: err=%v calls=%d", err, secondary.calls)
	}
}

func TestNewGeneratorSelection(t *testing.T) {
	if _, ok := NewGenerator(config.AIConfig{Provider: "openai", OpenAIAPIKey: "k"}, nil, nil).(*OpenAIGenerator); !ok {
		t.Error("openai without gemini key should be a bare OpenAIGenerator")
	}
	g, ok := NewGenerator(config.AIConfig{Provider: "gemini", GeminiAPIKey: "g", OpenAIAPIKey: "k"}, nil, nil).(*FallbackGenerator)
	if !ok {
		t.Fatal("expected fallback generator")
	}
	if _, ok := g.Primary.(*GeminiGenerator); !ok {
		t.Error("gemini should be primary")
	}
}
