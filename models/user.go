package models

import (
	"time"

	"gorm.io/gorm"
)

// User represents a workspace account. Every funnel, lead and event row is
// scoped to one user; the engine never reads or writes across users.
type User struct {
	gorm.Model

	// Authentication fields
	Email        string `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash string `gorm:"not null" json:"-"`

	// Profile information
	Name     *string `json:"name,omitempty"`
	Company  *string `json:"company,omitempty"`
	Timezone string  `gorm:"default:'UTC'" json:"timezone"`

	// Account status
	IsActive bool `gorm:"default:true" json:"is_active"`

	// Relations
	Funnels []Funnel `gorm:"foreignKey:UserID" json:"funnels,omitempty"`
	Leads   []Lead   `gorm:"foreignKey:UserID" json:"leads,omitempty"`
}

// RefreshToken stores issued refresh tokens so logout can revoke them
type RefreshToken struct {
	gorm.Model
	UserID    uint      `gorm:"not null;index" json:"user_id"`
	Token     string    `gorm:"not null;uniqueIndex" json:"-"`
	ExpiresAt time.Time `gorm:"not null" json:"expires_at"`
	Revoked   bool      `gorm:"default:false" json:"revoked"`
}
