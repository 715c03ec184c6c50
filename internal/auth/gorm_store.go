package auth

import (
	"context"
	"errors"
	"time"

	"github.com/franciscosanchezn/gin-sso/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrRecordNotFound is returned by store lookups that miss
var ErrRecordNotFound = errors.New("record not found")

// Store persists authorization codes, token issuances and consents
type Store interface {
	CreateCode(ctx context.Context, code *models.AuthorizationCode) error
	// PeekCode reads a code without consuming it
	PeekCode(ctx context.Context, tenantID uint, codeHash string) (*models.AuthorizationCode, error)
	// ConsumeCode marks a code consumed; false means another request got there first
	ConsumeCode(ctx context.Context, codeID uint, now time.Time) (bool, error)
	// NonceInUse reports whether an unconsumed, unexpired code already carries the nonce
	NonceInUse(ctx context.Context, clientID, nonce string, now time.Time) (bool, error)
	// ClaimNonce reserves the code's nonce; false means a live code of the client holds it
	ClaimNonce(ctx context.Context, code *models.AuthorizationCode, now time.Time) (bool, error)

	CreateToken(ctx context.Context, token *models.OAuthToken) error
	TokenByAccessJTI(ctx context.Context, tenantID uint, jti string) (*models.OAuthToken, error)
	TokenByRefreshJTI(ctx context.Context, tenantID uint, jti string) (*models.OAuthToken, error)
	// RevokeToken flips revoked once; false means it was already revoked
	RevokeToken(ctx context.Context, tokenID uint, now time.Time) (bool, error)
	// RevokeByCode revokes every issuance descended from an authorization code
	RevokeByCode(ctx context.Context, codeID uint, now time.Time) (int64, error)

	FindConsent(ctx context.Context, tenantID uint, clientID string, userID uint) (*models.AuthorizedApp, error)
	SaveConsent(ctx context.Context, consent *models.AuthorizedApp) error

	// Transaction runs fn against a store bound to one database transaction
	Transaction(ctx context.Context, fn func(tx Store) error) error
}

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

func (s *GormStore) CreateCode(ctx context.Context, code *models.AuthorizationCode) error {
	return s.db.WithContext(ctx).Create(code).Error
}

func (s *GormStore) PeekCode(ctx context.Context, tenantID uint, codeHash string) (*models.AuthorizationCode, error) {
	var code models.AuthorizationCode
	err := s.db.WithContext(ctx).Where("tenant_id = ? AND code_hash = ?", tenantID, codeHash).First(&code).Error
	return &code, notFound(err)
}

func (s *GormStore) ConsumeCode(ctx context.Context, codeID uint, now time.Time) (bool, error) {
	db := s.db.WithContext(ctx)
	var code models.AuthorizationCode
	if err := db.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", codeID).First(&code).Error; err != nil {
		return false, notFound(err)
	}
	if code.Consumed() {
		return false, nil
	}
	res := db.Model(&models.AuthorizationCode{}).
		Where("id = ? AND consumed_at IS NULL", codeID).
		Update("consumed_at", now)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected != 1 {
		return false, nil
	}
	// a consumed code frees its nonce
	if err := db.Where("authorization_code_id = ?", codeID).Delete(&models.NonceClaim{}).Error; err != nil {
		return false, err
	}
	return true, nil
}

func (s *GormStore) NonceInUse(ctx context.Context, clientID, nonce string, now time.Time) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.NonceClaim{}).
		Where("client_id = ? AND nonce = ? AND expires_at > ?", clientID, nonce, now).
		Count(&count).Error
	return count > 0, err
}

// ClaimNonce clears an expired claim on the same nonce, then inserts; the unique index on
// (client_id, nonce) decides between concurrent claims
func (s *GormStore) ClaimNonce(ctx context.Context, code *models.AuthorizationCode, now time.Time) (bool, error) {
	db := s.db.WithContext(ctx)
	if err := db.Where("client_id = ? AND nonce = ? AND expires_at <= ?", code.ClientID, code.Nonce, now).
		Delete(&models.NonceClaim{}).Error; err != nil {
		return false, err
	}
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.NonceClaim{
		TenantID:            code.TenantID,
		ClientID:            code.ClientID,
		Nonce:               code.Nonce,
		UserID:              code.UserID,
		AuthorizationCodeID: code.ID,
		ExpiresAt:           code.ExpiresAt,
	})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) CreateToken(ctx context.Context, token *models.OAuthToken) error {
	return s.db.WithContext(ctx).Create(token).Error
}

func (s *GormStore) TokenByAccessJTI(ctx context.Context, tenantID uint, jti string) (*models.OAuthToken, error) {
	var token models.OAuthToken
	err := s.db.WithContext(ctx).Where("tenant_id = ? AND access_jti = ?", tenantID, jti).First(&token).Error
	return &token, notFound(err)
}

func (s *GormStore) TokenByRefreshJTI(ctx context.Context, tenantID uint, jti string) (*models.OAuthToken, error) {
	var token models.OAuthToken
	err := s.db.WithContext(ctx).Where("tenant_id = ? AND refresh_jti = ?", tenantID, jti).First(&token).Error
	return &token, notFound(err)
}

func (s *GormStore) RevokeToken(ctx context.Context, tokenID uint, now time.Time) (bool, error) {
	db := s.db.WithContext(ctx)
	var token models.OAuthToken
	if err := db.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", tokenID).First(&token).Error; err != nil {
		return false, notFound(err)
	}
	res := db.Model(&models.OAuthToken{}).
		Where("id = ? AND revoked = ?", tokenID, false).
		Updates(map[string]any{"revoked": true, "revoked_at": now})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) RevokeByCode(ctx context.Context, codeID uint, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.OAuthToken{}).
		Where("authorization_code_id = ? AND revoked = ?", codeID, false).
		Updates(map[string]any{"revoked": true, "revoked_at": now})
	return res.RowsAffected, res.Error
}

func (s *GormStore) FindConsent(ctx context.Context, tenantID uint, clientID string, userID uint) (*models.AuthorizedApp, error) {
	var consent models.AuthorizedApp
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND client_id = ? AND user_id = ?", tenantID, clientID, userID).
		First(&consent).Error
	return &consent, notFound(err)
}

// SaveConsent upserts on (tenant, client, user)
func (s *GormStore) SaveConsent(ctx context.Context, consent *models.AuthorizedApp) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "client_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"scope", "approved_at"}),
	}).Create(consent).Error
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrRecordNotFound
	}
	return err
}
