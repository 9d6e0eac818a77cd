// Package draft produces follow-up subject/body drafts with an AI text
// generator and stores them on the job exactly once.
package draft

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"mailfollow/models"
)

// Request is the context handed to a generator.
type Request struct {
	OriginalSubject string
	OriginalBody    string
	RecipientName   string
	Tone            string
	BrandVoice      string
	Signature       string
}

type Draft struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type Generator interface {
	Generate(ctx context.Context, req Request) (Draft, error)
}

// GenerationError wraps any generator failure. Temporary is set for
// transport errors, rate limits and 5xx responses.
type GenerationError struct {
	Provider  string
	Temporary bool
	Err       error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("failed to generate draft (%s): %v", e.Provider, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

var ErrUnparsable = errors.New("failed to parse AI response")

var toneInstructions = map[string]string{
	models.ToneProfessional: "professional and polite",
	models.ToneFriendly:     "warm and friendly, but still professional",
	models.ToneUrgent:       "polite but with a sense of urgency",
}

// ToneInstruction maps a tone to its prompt wording; unknown tones read as professional.
func ToneInstruction(tone string) string {
	if s, ok := toneInstructions[tone]; ok {
		return s
	}
	return toneInstructions[models.ToneProfessional]
}

// Prompts builds the system and user prompts for req.
func Prompts(req Request) (system, user string) {
	tone := req.Tone
	if _, ok := toneInstructions[tone]; !ok {
		tone = models.ToneProfessional
	}

	var sys strings.Builder
	fmt.Fprintf(&sys, "You are an expert email assistant helping write follow-up emails.\n")
	fmt.Fprintf(&sys, "Your task is to generate a %s follow-up email based on the context provided.\n\n", ToneInstruction(tone))
	sys.WriteString("Guidelines:\n")
	sys.WriteString("- Keep the follow-up concise (2-3 short paragraphs max)\n")
	sys.WriteString("- Reference the original email naturally\n")
	sys.WriteString("- Be respectful of the recipient's time\n")
	sys.WriteString("- Include a clear call-to-action\n")
	fmt.Fprintf(&sys, "- Match the %s tone requested\n", tone)
	sys.WriteString("- Don't be pushy or aggressive\n")
	if v := strings.TrimSpace(req.BrandVoice); v != "" {
		fmt.Fprintf(&sys, "\nWrite in this brand voice: %s\n", v)
	}

	var usr strings.Builder
	usr.WriteString("Write a follow-up email")
	if req.RecipientName != "" {
		fmt.Fprintf(&usr, " to %s", req.RecipientName)
	}
	usr.WriteString(" for this original email:\n\n")
	fmt.Fprintf(&usr, "Subject: %s\nBody: %s\n\n", req.OriginalSubject, req.OriginalBody)
	usr.WriteString("Generate a follow-up that:\n")
	usr.WriteString("1. Politely reminds them about the original email\n")
	usr.WriteString("2. Provides value or context\n")
	usr.WriteString("3. Has a clear next step\n\n")
	if s := strings.TrimSpace(req.Signature); s != "" {
		fmt.Fprintf(&usr, "The email will be signed with:\n%s\nDo not repeat the signature in the body.\n\n", s)
	}
	usr.WriteString("Return ONLY the follow-up email in this exact format:\n")
	usr.WriteString("SUBJECT: [follow-up subject line]\n")
	usr.WriteString("BODY: [follow-up email body]\n")

	return sys.String(), usr.String()
}

// ParseDraft extracts the SUBJECT/BODY pair from generator output. Lines
// after BODY: belong to the body.
func ParseDraft(text string) (Draft, error) {
	var d Draft
	var body []string
	inBody := false

	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case !inBody && strings.HasPrefix(line, "SUBJECT:"):
			d.Subject = strings.TrimSpace(strings.TrimPrefix(line, "SUBJECT:"))
		case !inBody && strings.HasPrefix(line, "BODY:"):
			body = append(body, strings.TrimSpace(strings.TrimPrefix(line, "BODY:")))
			inBody = true
		case inBody:
			body = append(body, line)
		}
	}

	d.Body = strings.TrimSpace(strings.Join(body, "\n"))
	if d.Subject == "" || d.Body == "" {
		return Draft{}, ErrUnparsable
	}
	return d, nil
}
