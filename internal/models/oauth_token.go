package models

import (
	"time"
)

// OAuthToken records one issuance: an access token and, optionally, its refresh token
type OAuthToken struct {
	ID       uint   `gorm:"primaryKey"`
	TenantID uint   `gorm:"index;not null"`
	ClientID string `gorm:"index;size:48;not null"`
	UserID   *uint  // nil for client_credentials
	Scope    string

	AccessJTI  string  `gorm:"uniqueIndex;size:64;not null"`
	RefreshJTI *string `gorm:"uniqueIndex;size:64"`

	// AuthorizationCodeID links tokens minted from a code so a replayed code can revoke them
	AuthorizationCodeID *uint `gorm:"index"`
	// ParentID is the issuance whose refresh token was rotated into this one
	ParentID *uint `gorm:"index"`

	IssuedAt         time.Time `gorm:"not null"`
	AccessExpiresAt  time.Time `gorm:"not null"`
	RefreshExpiresAt *time.Time
	Revoked          bool `gorm:"not null;default:false"`
	RevokedAt        *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (OAuthToken) TableName() string {
	return "oauth_tokens"
}

func (t *OAuthToken) AccessActive(now time.Time) bool {
	return !t.Revoked && now.Before(t.AccessExpiresAt)
}

func (t *OAuthToken) RefreshActive(now time.Time) bool {
	return !t.Revoked && t.RefreshJTI != nil && t.RefreshExpiresAt != nil && now.Before(*t.RefreshExpiresAt)
}
