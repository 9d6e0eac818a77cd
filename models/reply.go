package models

import (
	"time"

	"gorm.io/gorm"
)

// Reply sources.
const (
	ReplySourceSimulated = "simulated"
	ReplySourceWebhook   = "webhook"
	ReplySourceIMAP      = "imap"
)

// Reply is an inbound message correlated to one follow-up job
type Reply struct {
	gorm.Model
	FollowUpJobID uint `gorm:"column:followup_job_id;not null;index" json:"followup_job_id"`
	UserID        uint `gorm:"not null;index" json:"user_id"`

	FromEmail string `gorm:"not null;index" json:"from_email"`
	FromName  string `json:"from_name,omitempty"`
	Subject   string `json:"subject"`
	Body      string `gorm:"type:text" json:"body"`
	HTMLBody  string `gorm:"type:text" json:"html_body,omitempty"`

	MessageID string `gorm:"uniqueIndex" json:"message_id"`
	InReplyTo string `json:"in_reply_to,omitempty"`
	Source    string `gorm:"default:'webhook'" json:"source"` // simulated, webhook, imap

	ReceivedAt time.Time `gorm:"not null;index" json:"received_at"`
}
