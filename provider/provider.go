// Package provider sends mail through a user's connected account.
//
// The set of providers is closed: resend (API key), gmail (OAuth) and smtp
// (password). Factory.ForConnection picks one from a stored connection.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Message is one outbound email.
type Message struct {
	To        string
	ToName    string
	Subject   string
	HTML      string
	FromEmail string
	FromName  string
	ReplyTo   string
	InReplyTo string
}

// SendResult reports the outcome of a single send. Failures are values,
// not errors: every provider returns a result with Success=false and the
// provider's error text.
type SendResult struct {
	Success   bool
	MessageID string
	Error     string
	Provider  string
	SentAt    *time.Time

	// ConnectionFailed marks failures of the account itself (for example
	// an OAuth refresh that was rejected) rather than of this message.
	ConnectionFailed bool
}

type Provider interface {
	Name() string
	Send(ctx context.Context, msg Message) SendResult
	Validate(ctx context.Context) error
}

func success(name, messageID string, now time.Time) SendResult {
	return SendResult{Success: true, MessageID: messageID, Provider: name, SentAt: &now}
}

func failure(name string, err error) SendResult {
	var connErr *ConnectionError
	return SendResult{
		Provider:         name,
		Error:            err.Error(),
		ConnectionFailed: errors.As(err, &connErr),
	}
}

// CredentialsError means a connection cannot be turned into a provider:
// unknown provider type or missing/undecodable credentials.
type CredentialsError struct {
	Provider string
	Reason   string
}

func (e *CredentialsError) Error() string {
	return fmt.Sprintf("%s connection credentials: %s", e.Provider, e.Reason)
}

// ConnectionError is a failure of the connected account, such as a
// rejected OAuth refresh.
type ConnectionError struct {
	ConnectionID uint
	Err          error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %d: %v", e.ConnectionID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
