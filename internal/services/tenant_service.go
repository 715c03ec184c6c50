package services

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/franciscosanchezn/gin-sso/internal/models"
	"gorm.io/gorm"
)

type TenantService interface {
	// ResolveTenant accepts a numeric id or the tenant name
	ResolveTenant(ctx context.Context, identifier string) (*models.Tenant, error)
	// ResolveHost maps the first DNS label of host onto a tenant name
	ResolveHost(ctx context.Context, host string) (*models.Tenant, error)
	ListTenants(ctx context.Context) ([]models.Tenant, error)
	Invalidate(tenantID uint)
}

type tenantService struct {
	db *gorm.DB

	mu     sync.RWMutex
	byID   map[uint]*models.Tenant
	byName map[string]*models.Tenant
}

func NewTenantService(db *gorm.DB) TenantService {
	return &tenantService{
		db:     db,
		byID:   make(map[uint]*models.Tenant),
		byName: make(map[string]*models.Tenant),
	}
}

func (s *tenantService) ResolveTenant(ctx context.Context, identifier string) (*models.Tenant, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, ErrNotFound
	}

	if id, err := strconv.ParseUint(identifier, 10, 64); err == nil {
		s.mu.RLock()
		t, ok := s.byID[uint(id)]
		s.mu.RUnlock()
		if ok {
			return t, nil
		}
		return s.load(ctx, "id = ?", uint(id))
	}

	s.mu.RLock()
	t, ok := s.byName[identifier]
	s.mu.RUnlock()
	if ok {
		return t, nil
	}
	return s.load(ctx, "name = ?", identifier)
}

func (s *tenantService) ResolveHost(ctx context.Context, host string) (*models.Tenant, error) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	label, _, _ := strings.Cut(host, ".")
	return s.ResolveTenant(ctx, label)
}

func (s *tenantService) ListTenants(ctx context.Context) ([]models.Tenant, error) {
	var tenants []models.Tenant
	err := s.db.WithContext(ctx).Order("id").Find(&tenants).Error
	return tenants, err
}

func (s *tenantService) Invalidate(tenantID uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.byID[tenantID]; ok {
		delete(s.byName, t.Name)
		delete(s.byID, tenantID)
	}
}

func (s *tenantService) load(ctx context.Context, query string, arg any) (*models.Tenant, error) {
	var tenant models.Tenant
	if err := s.db.WithContext(ctx).Where(query, arg).First(&tenant).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	s.mu.Lock()
	s.byID[tenant.ID] = &tenant
	s.byName[tenant.Name] = &tenant
	s.mu.Unlock()
	return &tenant, nil
}
