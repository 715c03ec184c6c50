package models

import (
	"time"
)

// AuthorizedApp is a user's standing consent for a client
type AuthorizedApp struct {
	ID         uint   `gorm:"primaryKey"`
	TenantID   uint   `gorm:"uniqueIndex:idx_authorized_apps_owner;not null"`
	ClientID   string `gorm:"uniqueIndex:idx_authorized_apps_owner;size:48;not null"`
	UserID     uint   `gorm:"uniqueIndex:idx_authorized_apps_owner;not null"`
	Scope      string
	ApprovedAt time.Time `gorm:"not null"`
}

func (AuthorizedApp) TableName() string {
	return "oauth_authorized_apps"
}

// Covers reports whether every requested scope was already approved
func (a *AuthorizedApp) Covers(requested []string) bool {
	approved := ParseScope(a.Scope)
	for _, s := range requested {
		if !containsScope(approved, s) {
			return false
		}
	}
	return true
}
