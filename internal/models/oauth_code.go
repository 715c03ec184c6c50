package models

import (
	"time"
)

// AuthorizationCode is persisted by hash; the plaintext code only exists in the redirect
type AuthorizationCode struct {
	ID                  uint   `gorm:"primaryKey"`
	CodeHash            string `gorm:"uniqueIndex;size:64;not null"`
	TenantID            uint   `gorm:"index;not null"`
	ClientID            string `gorm:"index;size:48;not null"`
	UserID              uint   `gorm:"index;not null"`
	RedirectURI         string `gorm:"not null"`
	Scope               string
	ResponseType        string `gorm:"size:32;not null"`
	Nonce               string `gorm:"size:255"`
	CodeChallenge       string `gorm:"size:128"`
	CodeChallengeMethod string `gorm:"size:8"`
	AuthTime            time.Time
	ExpiresAt           time.Time `gorm:"not null"`
	ConsumedAt          *time.Time
	CreatedAt           time.Time
}

func (AuthorizationCode) TableName() string {
	return "oauth_codes"
}

func (c *AuthorizationCode) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

func (c *AuthorizationCode) Consumed() bool {
	return c.ConsumedAt != nil
}

// NonceClaim holds a client's nonce while the code carrying it is unconsumed and unexpired
type NonceClaim struct {
	ID                  uint      `gorm:"primaryKey"`
	TenantID            uint      `gorm:"index;not null"`
	ClientID            string    `gorm:"uniqueIndex:idx_nonce_claims_client_nonce;size:48;not null"`
	Nonce               string    `gorm:"uniqueIndex:idx_nonce_claims_client_nonce;size:255;not null"`
	UserID              uint      `gorm:"index;not null"`
	AuthorizationCodeID uint      `gorm:"index;not null"`
	ExpiresAt           time.Time `gorm:"not null"`
	CreatedAt           time.Time
}

func (NonceClaim) TableName() string {
	return "oauth_nonce_claims"
}
