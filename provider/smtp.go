package provider

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// SMTPProvider sends through a password-authenticated SMTP server.
type SMTPProvider struct {
	host       string
	port       int
	username   string
	password   string
	encryption string
}

func (p *SMTPProvider) Name() string { return "smtp" }

func (p *SMTPProvider) dialer() *gomail.Dialer {
	d := gomail.NewDialer(p.host, p.port, p.username, p.password)
	d.TLSConfig = &tls.Config{ServerName: p.host}
	if p.encryption == "SSL" || p.port == 465 {
		d.SSL = true
	}
	return d
}

// buildMIME renders msg as a gomail message. messageID may be empty.
func buildMIME(msg Message, messageID string) *gomail.Message {
	m := gomail.NewMessage()
	if msg.FromName != "" {
		m.SetAddressHeader("From", msg.FromEmail, msg.FromName)
	} else {
		m.SetHeader("From", msg.FromEmail)
	}
	if msg.ToName != "" {
		m.SetAddressHeader("To", msg.To, msg.ToName)
	} else {
		m.SetHeader("To", msg.To)
	}
	m.SetHeader("Subject", msg.Subject)
	if msg.ReplyTo != "" {
		m.SetHeader("Reply-To", msg.ReplyTo)
	}
	if msg.InReplyTo != "" {
		m.SetHeader("In-Reply-To", msg.InReplyTo)
		m.SetHeader("References", msg.InReplyTo)
	}
	if messageID != "" {
		m.SetHeader("Message-ID", messageID)
	}
	m.SetBody("text/html", msg.HTML)
	return m
}

func messageIDFor(from string) string {
	domain := "localhost"
	if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
		domain = from[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

func (p *SMTPProvider) Send(ctx context.Context, msg Message) SendResult {
	if err := ctx.Err(); err != nil {
		return failure(p.Name(), err)
	}
	messageID := messageIDFor(msg.FromEmail)
	if err := p.dialer().DialAndSend(buildMIME(msg, messageID)); err != nil {
		return failure(p.Name(), fmt.Errorf("send failed: %w", err))
	}
	return success(p.Name(), messageID, time.Now().UTC())
}

func (p *SMTPProvider) Validate(ctx context.Context) error {
	closer, err := p.dialer().Dial()
	if err != nil {
		return fmt.Errorf("SMTP connection failed: %w", err)
	}
	return closer.Close()
}
