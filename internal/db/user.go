package db

import (
	"time"
)

// User represents an operator that can sign in and manage prompts,
// experiments, and API keys. The bootstrap admin user (from env) will
// be created as a row in this table on startup.
type User struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time
	UpdatedAt time.Time

	Username     string `gorm:"uniqueIndex;size:64;not null"`
	PasswordHash string `gorm:"size:255;not null"`

	// IsAdmin marks users that can manage other users. The bootstrap
	// admin will have IsAdmin=true.
	IsAdmin bool `gorm:"default:false"`
}
