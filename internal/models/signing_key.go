package models

import (
	"time"
)

// SigningKey is a tenant keypair; PrivateKeyPEM holds PKCS#8
type SigningKey struct {
	ID            uint       `gorm:"primaryKey"`
	TenantID      uint       `gorm:"index;not null"`
	KeyID         string     `gorm:"uniqueIndex;size:128;not null"`
	Algorithm     string     `gorm:"size:16;not null"`
	PrivateKeyPEM string     `gorm:"type:text;not null"`
	Active        bool       `gorm:"not null;default:false"`
	RetiredAt     *time.Time `gorm:"index"`
	CreatedAt     time.Time
}

func (SigningKey) TableName() string {
	return "signing_keys"
}
