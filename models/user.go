package models

import (
	"time"

	"gorm.io/gorm"
)

// User represents a platform account. Passwords are stored as bcrypt hashes only.
// ID 0 is reserved as the anonymous sentinel and is never persisted.
type User struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	UID          int64          `gorm:"uniqueIndex" json:"uid"`
	Username     string         `gorm:"size:64;uniqueIndex;not null" json:"username"`
	Email        string         `gorm:"size:255" json:"email"`
	PasswordHash string         `gorm:"size:255" json:"-"`
	DisplayName  string         `gorm:"size:128" json:"display_name"`
	Provider     string         `gorm:"size:32" json:"provider"`
	ProviderID   string         `gorm:"size:255" json:"provider_id"`
	Disabled     bool           `gorm:"default:false" json:"disabled"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
}

// Anonymous returns the unauthenticated sentinel user.
func Anonymous() *User {
	return &User{ID: 0, Username: ""}
}

// IsAnonymous reports whether the user is the unauthenticated sentinel.
// A nil receiver counts as anonymous so callers may pass through optional users.
func (u *User) IsAnonymous() bool {
	return u == nil || u.ID == 0
}

// BeforeCreate hook ensures timestamps are set even when not provided.
func (u *User) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	return nil
}
