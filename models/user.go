package models

import (
	"gorm.io/gorm"
)

// User represents an account in the system
type User struct {
	gorm.Model

	Email    string  `gorm:"uniqueIndex;not null" json:"email"`
	Name     *string `json:"name,omitempty"`
	Timezone string  `gorm:"default:'UTC'" json:"timezone"`
	IsActive bool    `gorm:"default:true" json:"is_active"`

	// Relations
	Settings    *UserSettings `gorm:"foreignKey:UserID" json:"settings,omitempty"`
	Connections []Connection  `gorm:"foreignKey:UserID" json:"connections,omitempty"`
}

// UserSettings holds the per-user context used when drafting and rendering follow-ups
type UserSettings struct {
	gorm.Model
	UserID uint `gorm:"not null;uniqueIndex" json:"user_id"`

	EmailSignature     string `gorm:"type:text" json:"email_signature"`
	BrandVoice         string `gorm:"type:text" json:"brand_voice"` // free-form voice description passed to the generator
	UnsubscribeBaseURL string `json:"unsubscribe_base_url"`
}
