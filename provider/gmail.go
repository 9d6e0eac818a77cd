package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// GmailProvider sends through the Gmail API on behalf of an OAuth-connected
// account. Expired access tokens are refreshed before use and the refreshed
// token is persisted.
type GmailProvider struct {
	connectionID uint
	creds        Credentials
	oauth        *oauth2.Config
	endpoint     string
	persist      func(context.Context, Credentials)
}

func (p *GmailProvider) Name() string { return "gmail" }

// token returns a usable access token, refreshing it if it has expired.
// A failed refresh is a *ConnectionError.
func (p *GmailProvider) token(ctx context.Context) (*oauth2.Token, error) {
	tok := &oauth2.Token{
		AccessToken:  p.creds.AccessToken,
		RefreshToken: p.creds.RefreshToken,
		TokenType:    "Bearer",
	}
	if p.creds.TokenExpiry != nil {
		tok.Expiry = *p.creds.TokenExpiry
	}
	if tok.Valid() {
		return tok, nil
	}

	fresh, err := p.oauth.TokenSource(ctx, tok).Token()
	if err != nil {
		return nil, &ConnectionError{ConnectionID: p.connectionID, Err: fmt.Errorf("gmail token refresh failed: %w", err)}
	}

	p.creds.AccessToken = fresh.AccessToken
	if fresh.RefreshToken != "" {
		p.creds.RefreshToken = fresh.RefreshToken
	}
	if !fresh.Expiry.IsZero() {
		expiry := fresh.Expiry.UTC()
		p.creds.TokenExpiry = &expiry
	}
	if p.persist != nil {
		p.persist(ctx, p.creds)
	}
	return fresh, nil
}

func (p *GmailProvider) service(ctx context.Context) (*gmail.Service, error) {
	tok, err := p.token(ctx)
	if err != nil {
		return nil, err
	}
	opts := []option.ClientOption{
		option.WithHTTPClient(oauth2.NewClient(ctx, oauth2.StaticTokenSource(tok))),
	}
	if p.endpoint != "" {
		opts = append(opts, option.WithEndpoint(p.endpoint))
	}
	srv, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create Gmail service: %w", err)
	}
	return srv, nil
}

func (p *GmailProvider) Send(ctx context.Context, msg Message) SendResult {
	srv, err := p.service(ctx)
	if err != nil {
		return failure(p.Name(), err)
	}

	var raw bytes.Buffer
	if _, err := buildMIME(msg, "").WriteTo(&raw); err != nil {
		return failure(p.Name(), fmt.Errorf("build message: %w", err))
	}

	sent, err := srv.Users.Messages.Send("me", &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString(raw.Bytes()),
	}).Context(ctx).Do()
	if err != nil {
		return failure(p.Name(), fmt.Errorf("unable to send message: %w", err))
	}
	return success(p.Name(), sent.Id, time.Now().UTC())
}

func (p *GmailProvider) Validate(ctx context.Context) error {
	srv, err := p.service(ctx)
	if err != nil {
		return err
	}
	if _, err := srv.Users.GetProfile("me").Context(ctx).Do(); err != nil {
		return fmt.Errorf("invalid or expired access token: %w", err)
	}
	return nil
}
