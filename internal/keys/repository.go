package keys

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/franciscosanchezn/gin-sso/internal/models"
	"gorm.io/gorm"
)

// Repository persists tenant signing keys
type Repository interface {
	// ListKeys returns the tenant's keys, newest first
	ListKeys(ctx context.Context, tenantID uint) ([]models.SigningKey, error)
	// Rotate retires the active key and stores next as the active one
	Rotate(ctx context.Context, tenantID uint, next *models.SigningKey, now time.Time) error
	// Prune deletes keys retired before cutoff
	Prune(ctx context.Context, tenantID uint, cutoff time.Time) error
}

type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) ListKeys(ctx context.Context, tenantID uint) ([]models.SigningKey, error) {
	var rows []models.SigningKey
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at desc, id desc").
		Find(&rows).Error
	return rows, err
}

func (r *GormRepository) Rotate(ctx context.Context, tenantID uint, next *models.SigningKey, now time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.SigningKey{}).
			Where("tenant_id = ? AND active = ?", tenantID, true).
			Updates(map[string]any{"active": false, "retired_at": now}).Error; err != nil {
			return err
		}
		next.TenantID = tenantID
		next.Active = true
		if err := tx.Create(next).Error; err != nil {
			return err
		}
		return tx.Model(&models.Tenant{}).
			Where("id = ?", tenantID).
			Update("key_reference", next.KeyID).Error
	})
}

func (r *GormRepository) Prune(ctx context.Context, tenantID uint, cutoff time.Time) error {
	return r.db.WithContext(ctx).
		Where("tenant_id = ? AND active = ? AND retired_at < ?", tenantID, false, cutoff).
		Delete(&models.SigningKey{}).Error
}

// MemoryRepository keeps keys in process, for tests and ephemeral deployments
type MemoryRepository struct {
	mu   sync.Mutex
	keys map[uint][]models.SigningKey
	seq  uint
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{keys: make(map[uint][]models.SigningKey)}
}

func (r *MemoryRepository) ListKeys(_ context.Context, tenantID uint) ([]models.SigningKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows := slices.Clone(r.keys[tenantID])
	slices.Reverse(rows)
	return rows, nil
}

func (r *MemoryRepository) Rotate(_ context.Context, tenantID uint, next *models.SigningKey, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows := r.keys[tenantID]
	for i := range rows {
		if rows[i].Active {
			rows[i].Active = false
			retired := now
			rows[i].RetiredAt = &retired
		}
	}
	r.seq++
	next.ID = r.seq
	next.TenantID = tenantID
	next.Active = true
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	r.keys[tenantID] = append(rows, *next)
	return nil
}

func (r *MemoryRepository) Prune(_ context.Context, tenantID uint, cutoff time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[tenantID] = slices.DeleteFunc(r.keys[tenantID], func(k models.SigningKey) bool {
		return !k.Active && k.RetiredAt != nil && k.RetiredAt.Before(cutoff)
	})
	return nil
}
