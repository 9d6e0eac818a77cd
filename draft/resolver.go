package draft

import (
	"context"
	"errors"
	"fmt"

	"mailfollow/models"
	"mailfollow/store"
)

// DraftStore is the slice of store.Store the resolver needs.
type DraftStore interface {
	GetFollowUp(ctx context.Context, id uint) (*models.FollowUpJob, error)
	GetUserSettings(ctx context.Context, userID uint) (*models.UserSettings, error)
	SaveDraft(ctx context.Context, id uint, subject, body string) error
}

// Resolver guarantees a job has a draft before it is sent.
type Resolver struct {
	Store     DraftStore
	Generator Generator
}

// EnsureDraft returns the job's stored draft, generating and saving one
// first if it has none. Once saved, a draft is never regenerated.
func (r *Resolver) EnsureDraft(ctx context.Context, job *models.FollowUpJob) (string, string, error) {
	if job.HasDraft() {
		return job.DraftSubject, job.DraftBody, nil
	}

	settings, err := r.Store.GetUserSettings(ctx, job.UserID)
	if err != nil {
		return "", "", fmt.Errorf("load user settings: %w", err)
	}

	d, err := r.Generator.Generate(ctx, Request{
		OriginalSubject: job.OriginalSubject,
		OriginalBody:    job.OriginalBody,
		RecipientName:   job.RecipientName,
		Tone:            job.Tone,
		BrandVoice:      settings.BrandVoice,
		Signature:       settings.EmailSignature,
	})
	if err != nil {
		var genErr *GenerationError
		if errors.As(err, &genErr) {
			return "", "", err
		}
		return "", "", &GenerationError{Provider: "unknown", Err: err}
	}
	if d.Subject == "" || d.Body == "" {
		return "", "", &GenerationError{Provider: "unknown", Err: ErrUnparsable}
	}

	switch err := r.Store.SaveDraft(ctx, job.ID, d.Subject, d.Body); {
	case err == nil:
		job.DraftSubject, job.DraftBody = d.Subject, d.Body
		return d.Subject, d.Body, nil
	case errors.Is(err, store.ErrConflict):
		// Another worker saved a draft first; theirs wins.
		stored, err := r.Store.GetFollowUp(ctx, job.ID)
		if err != nil {
			return "", "", fmt.Errorf("reload draft: %w", err)
		}
		job.DraftSubject, job.DraftBody = stored.DraftSubject, stored.DraftBody
		return stored.DraftSubject, stored.DraftBody, nil
	default:
		return "", "", fmt.Errorf("save draft: %w", err)
	}
}
