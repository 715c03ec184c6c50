package models

import (
	"time"
)

// Tenant is an isolated issuer: its own clients, users and signing keys
type Tenant struct {
	ID   uint   `gorm:"primaryKey" json:"id"`
	Name string `gorm:"uniqueIndex;size:100;not null" json:"name"`
	// IssuerURL is the iss claim of every token this tenant signs
	IssuerURL        string `gorm:"not null" json:"issuer_url"`
	SigningAlgorithm string `gorm:"size:16;not null;default:'RS256'" json:"signing_algorithm"`
	// KeyReference is the kid of the active signing key
	KeyReference string    `gorm:"size:128" json:"key_reference"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (Tenant) TableName() string {
	return "tenants"
}
