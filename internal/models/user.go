package models

import (
	"time"

	"golang.org/x/crypto/bcrypt"
)

type User struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	TenantID      uint   `gorm:"uniqueIndex:idx_users_tenant_email;not null" json:"tenant_id"`
	Email         string `gorm:"uniqueIndex:idx_users_tenant_email;not null" json:"email"`
	PasswordHash  string `json:"-"`
	Name          string `json:"name"`
	GivenName     string `json:"given_name,omitempty"`
	FamilyName    string `json:"family_name,omitempty"`
	IsActive      bool   `gorm:"not null;default:true" json:"is_active"`
	EmailVerified bool   `json:"email_verified"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (User) TableName() string {
	return "users"
}

// SetPassword stores a bcrypt hash of password
func (u *User) SetPassword(password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.PasswordHash = string(hash)
	return nil
}

func (u *User) CheckPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
}
