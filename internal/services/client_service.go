package services

import (
	"context"
	"errors"
	"sync"

	"github.com/franciscosanchezn/gin-sso/internal/models"
	"gorm.io/gorm"
)

type ClientService interface {
	// ResolveClient looks the client up globally but only returns it within its own tenant
	ResolveClient(ctx context.Context, tenant *models.Tenant, clientID string) (*models.OAuthClient, error)
	// ListClients returns one page (1-based) of the tenant's clients, newest first, and the total count
	ListClients(ctx context.Context, tenantID uint, page, size int) ([]models.OAuthClient, int64, error)
	Invalidate(clientID string)
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

type clientService struct {
	db *gorm.DB

	mu    sync.RWMutex
	cache map[string]*models.OAuthClient
}

func NewClientService(db *gorm.DB) ClientService {
	return &clientService{db: db, cache: make(map[string]*models.OAuthClient)}
}

func (s *clientService) ResolveClient(ctx context.Context, tenant *models.Tenant, clientID string) (*models.OAuthClient, error) {
	if clientID == "" {
		return nil, ErrNotFound
	}

	s.mu.RLock()
	client, ok := s.cache[clientID]
	s.mu.RUnlock()

	if !ok {
		var loaded models.OAuthClient
		err := s.db.WithContext(ctx).Preload("Credentials").Where("client_id = ?", clientID).First(&loaded).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, ErrNotFound
			}
			return nil, err
		}
		client = &loaded
		s.mu.Lock()
		s.cache[clientID] = client
		s.mu.Unlock()
	}

	if client.TenantID != tenant.ID {
		return nil, ErrNotFound
	}
	return client, nil
}

func (s *clientService) ListClients(ctx context.Context, tenantID uint, page, size int) ([]models.OAuthClient, int64, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = DefaultPageSize
	}
	query := s.db.WithContext(ctx).Model(&models.OAuthClient{}).Where("tenant_id = ?", tenantID).Session(&gorm.Session{})

	var count int64
	if err := query.Count(&count).Error; err != nil {
		return nil, 0, err
	}
	var clients []models.OAuthClient
	if err := query.Order("created_at DESC, id DESC").Offset((page - 1) * size).Limit(size).Find(&clients).Error; err != nil {
		return nil, 0, err
	}
	return clients, count, nil
}

func (s *clientService) Invalidate(clientID string) {
	s.mu.Lock()
	delete(s.cache, clientID)
	s.mu.Unlock()
}
