package models

import (
	"time"
)

// ClientCredential is a public key registered for private_key_jwt authentication
type ClientCredential struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	TenantID    uint   `gorm:"index;not null" json:"tenant_id"`
	ClientRefID uint   `gorm:"index;not null" json:"-"`
	Name        string `json:"name"`
	PEMData     string `gorm:"type:text;not null" json:"-"`
	// Thumbprint is the RFC 7638 SHA-256 thumbprint, matched against the assertion kid
	Thumbprint string     `gorm:"uniqueIndex;size:64;not null" json:"thumbprint"`
	Algorithm  string     `gorm:"size:16;not null" json:"algorithm"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func (ClientCredential) TableName() string {
	return "oauth_client_credentials"
}

func (c *ClientCredential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}
