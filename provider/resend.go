package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
)

// ResendProvider sends through the Resend HTTP API with a bearer API key.
type ResendProvider struct {
	apiKey  string
	baseURL string
	client  *fasthttp.Client
	timeout time.Duration
}

func (p *ResendProvider) Name() string { return "resend" }

type resendEmail struct {
	From    string            `json:"from"`
	To      []string          `json:"to"`
	Subject string            `json:"subject"`
	HTML    string            `json:"html"`
	ReplyTo string            `json:"reply_to,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type resendResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	Name    string `json:"name"`
}

func (p *ResendProvider) do(ctx context.Context, method, path string, payload interface{}) ([]byte, int, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(p.baseURL + path)
	req.Header.SetMethod(method)
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, err
		}
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}

	deadline := time.Now().Add(p.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := p.client.DoDeadline(req, resp, deadline); err != nil {
		return nil, 0, err
	}
	return append([]byte(nil), resp.Body()...), resp.StatusCode(), nil
}

func apiError(status int, body []byte) error {
	var parsed resendResponse
	if json.Unmarshal(body, &parsed) == nil && parsed.Message != "" {
		return fmt.Errorf("resend API error (%d): %s", status, parsed.Message)
	}
	return fmt.Errorf("resend API error (%d): %s", status, string(body))
}

func (p *ResendProvider) Send(ctx context.Context, msg Message) SendResult {
	from := msg.FromEmail
	if msg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", msg.FromName, msg.FromEmail)
	}
	payload := resendEmail{
		From:    from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		HTML:    msg.HTML,
		ReplyTo: msg.ReplyTo,
	}
	if msg.InReplyTo != "" {
		payload.Headers = map[string]string{"In-Reply-To": msg.InReplyTo, "References": msg.InReplyTo}
	}

	body, status, err := p.do(ctx, fasthttp.MethodPost, "/emails", payload)
	if err != nil {
		return failure(p.Name(), err)
	}
	if status >= 300 {
		return failure(p.Name(), apiError(status, body))
	}

	var parsed resendResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return failure(p.Name(), fmt.Errorf("decode resend response: %w", err))
	}
	if parsed.ID == "" {
		return failure(p.Name(), errors.New("resend response missing id"))
	}
	return success(p.Name(), parsed.ID, time.Now().UTC())
}

func (p *ResendProvider) Validate(ctx context.Context) error {
	body, status, err := p.do(ctx, fasthttp.MethodGet, "/domains", nil)
	if err != nil {
		return err
	}
	if status >= 300 {
		return apiError(status, body)
	}
	return nil
}
