package services

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/franciscosanchezn/gin-sso/internal/models"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type UserService interface {
	// Authenticate checks email and password within the tenant
	Authenticate(ctx context.Context, tenant *models.Tenant, email, password string) (*models.User, error)
	GetUser(ctx context.Context, tenantID, userID uint) (*models.User, error)
	GetUserByEmail(ctx context.Context, tenantID uint, email string) (*models.User, error)
}

type userService struct {
	db *gorm.DB
}

func NewUserService(db *gorm.DB) UserService {
	return &userService{db: db}
}

// dummyHash is compared against on unknown emails so both paths cost one bcrypt
var dummyHash = sync.OnceValue(func() []byte {
	h, _ := bcrypt.GenerateFromPassword([]byte("dummy-password-for-timing"), bcrypt.DefaultCost)
	return h
})

func (s *userService) Authenticate(ctx context.Context, tenant *models.Tenant, email, password string) (*models.User, error) {
	user, err := s.GetUserByEmail(ctx, tenant.ID, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(password))
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !user.CheckPassword(password) || !user.IsActive {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

func (s *userService) GetUser(ctx context.Context, tenantID, userID uint) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, userID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *userService) GetUserByEmail(ctx context.Context, tenantID uint, email string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND email = ?", tenantID, strings.ToLower(strings.TrimSpace(email))).
		First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}
