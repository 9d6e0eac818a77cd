package models

import (
	"time"

	"gorm.io/gorm"
)

// Provider types.
const (
	ProviderResend = "resend"
	ProviderGmail  = "gmail"
	ProviderSMTP   = "smtp"
)

// Connection statuses.
const (
	ConnectionActive   = "active"
	ConnectionDisabled = "disabled"
	ConnectionError    = "error"
)

// Connection holds the credentials for one sending account
type Connection struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Provider      string `gorm:"not null" json:"provider"` // resend, gmail, smtp
	ProviderEmail string `gorm:"not null" json:"provider_email"`
	FromName      string `json:"from_name"`

	Status   string `gorm:"not null;default:'active'" json:"status"` // active, disabled, error
	IsActive bool   `gorm:"not null;default:true" json:"is_active"`

	// Encrypted JSON, see provider.Credentials
	Credentials string `gorm:"type:text" json:"-"`

	// ========= IMAP (reply polling) =========
	IMAPHost       string `json:"imap_host"`
	IMAPPort       int    `json:"imap_port" gorm:"default:993"`
	IMAPUsername   string `json:"imap_username"`
	IMAPEncryption string `json:"imap_encryption" gorm:"default:'SSL'"`
	IMAPMailbox    string `json:"imap_mailbox" gorm:"default:'INBOX'"`

	LastValidatedAt *time.Time `json:"last_validated_at"`
	LastError       *string    `json:"last_error"`
}

// Usable reports whether jobs may be sent through this connection.
func (c *Connection) Usable() bool {
	return c.IsActive && c.Status == ConnectionActive
}

// PollsReplies reports whether the connection has an inbox to poll.
func (c *Connection) PollsReplies() bool {
	return c.IMAPHost != ""
}

// Sanitize blanks credentials before the connection leaves the API.
func (c *Connection) Sanitize() {
	c.Credentials = ""
}
