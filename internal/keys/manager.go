package keys

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/franciscosanchezn/gin-sso/internal/models"
	"github.com/go-jose/go-jose/v4"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Ring is the cached key material of one tenant
type Ring struct {
	TenantID uint
	Current  *Key
	// Previous is the most recently retired key, kept for in-flight tokens
	Previous *Key
}

// Lookup finds a verification key by kid
func (r *Ring) Lookup(kid string) (*Key, bool) {
	if r.Current != nil && r.Current.ID == kid {
		return r.Current, true
	}
	if r.Previous != nil && r.Previous.ID == kid {
		return r.Previous, true
	}
	return nil, false
}

// Manager owns per-tenant signing keys: lazy generation, caching and rotation
type Manager struct {
	repo      Repository
	retention time.Duration
	now       func() time.Time

	mu    sync.RWMutex
	rings map[uint]*Ring
	group singleflight.Group
}

// NewManager builds a key manager; retention bounds how long a retired key still verifies
func NewManager(repo Repository, retention time.Duration) *Manager {
	return &Manager{
		repo:      repo,
		retention: retention,
		now:       time.Now,
		rings:     make(map[uint]*Ring),
	}
}

// WithClock overrides the time source
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// SigningKey returns the tenant's active key, generating one on first use
func (m *Manager) SigningKey(ctx context.Context, tenant *models.Tenant) (*Key, error) {
	ring, err := m.ring(ctx, tenant)
	if err != nil {
		return nil, err
	}
	return ring.Current, nil
}

// VerificationKeys returns the current key and, while within retention, the previous one
func (m *Manager) VerificationKeys(ctx context.Context, tenant *models.Tenant) (*Ring, error) {
	ring, err := m.ring(ctx, tenant)
	if err != nil {
		return nil, err
	}
	if ring.Previous != nil && !m.withinRetention(ring.Previous) {
		return &Ring{TenantID: ring.TenantID, Current: ring.Current}, nil
	}
	return ring, nil
}

// PublicJWKS renders the tenant key set
func (m *Manager) PublicJWKS(ctx context.Context, tenant *models.Tenant) (jose.JSONWebKeySet, error) {
	ring, err := m.VerificationKeys(ctx, tenant)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{ring.Current.JWK()}}
	if ring.Previous != nil {
		set.Keys = append(set.Keys, ring.Previous.JWK())
	}
	return set, nil
}

// Rotate replaces the active key; the old one stays verifiable for the retention window
func (m *Manager) Rotate(ctx context.Context, tenant *models.Tenant) (*Key, error) {
	alg, err := ParseAlgorithm(tenant.SigningAlgorithm)
	if err != nil {
		return nil, err
	}
	next, err := m.store(ctx, tenant.ID, alg)
	if err != nil {
		return nil, err
	}
	cutoff := m.now().Add(-m.retention)
	if err := m.repo.Prune(ctx, tenant.ID, cutoff); err != nil {
		log.WithError(err).WithField("tenant_id", tenant.ID).Warn("Failed to prune retired signing keys")
	}
	m.Invalidate(tenant.ID)

	log.WithFields(log.Fields{
		"tenant_id": tenant.ID,
		"kid":       next.ID,
		"alg":       alg.String(),
	}).Info("Rotated tenant signing key")
	return next, nil
}

// Invalidate drops the cached ring; the next access reloads from the repository
func (m *Manager) Invalidate(tenantID uint) {
	m.mu.Lock()
	delete(m.rings, tenantID)
	m.mu.Unlock()
}

func (m *Manager) ring(ctx context.Context, tenant *models.Tenant) (*Ring, error) {
	m.mu.RLock()
	ring, ok := m.rings[tenant.ID]
	m.mu.RUnlock()
	if ok {
		return ring, nil
	}

	v, err, _ := m.group.Do(strconv.FormatUint(uint64(tenant.ID), 10), func() (any, error) {
		ring, err := m.load(ctx, tenant)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.rings[tenant.ID] = ring
		m.mu.Unlock()
		return ring, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Ring), nil
}

func (m *Manager) load(ctx context.Context, tenant *models.Tenant) (*Ring, error) {
	rows, err := m.repo.ListKeys(ctx, tenant.ID)
	if err != nil {
		return nil, fmt.Errorf("loading keys for tenant %d: %w", tenant.ID, err)
	}

	ring := &Ring{TenantID: tenant.ID}
	for i := range rows {
		row := &rows[i]
		switch {
		case row.Active && ring.Current == nil:
			if ring.Current, err = decode(row); err != nil {
				return nil, err
			}
		case !row.Active && ring.Previous == nil && row.RetiredAt != nil:
			if ring.Previous, err = decode(row); err != nil {
				return nil, err
			}
		}
	}

	if ring.Current == nil {
		alg, err := ParseAlgorithm(tenant.SigningAlgorithm)
		if err != nil {
			return nil, err
		}
		if ring.Current, err = m.store(ctx, tenant.ID, alg); err != nil {
			return nil, err
		}
		log.WithFields(log.Fields{
			"tenant_id": tenant.ID,
			"kid":       ring.Current.ID,
			"alg":       alg.String(),
		}).Info("Generated initial tenant signing key")
	}
	return ring, nil
}

func (m *Manager) store(ctx context.Context, tenantID uint, alg Algorithm) (*Key, error) {
	key, err := NewKey(alg, m.now())
	if err != nil {
		return nil, err
	}
	pemData, err := EncodePrivateKey(key.Signer)
	if err != nil {
		return nil, err
	}
	row := &models.SigningKey{
		KeyID:         key.ID,
		Algorithm:     alg.String(),
		PrivateKeyPEM: pemData,
		CreatedAt:     key.CreatedAt,
	}
	if err := m.repo.Rotate(ctx, tenantID, row, m.now()); err != nil {
		return nil, fmt.Errorf("storing key for tenant %d: %w", tenantID, err)
	}
	return key, nil
}

func (m *Manager) withinRetention(k *Key) bool {
	return k.RetiredAt == nil || m.now().Before(k.RetiredAt.Add(m.retention))
}

func decode(row *models.SigningKey) (*Key, error) {
	alg, err := ParseAlgorithm(row.Algorithm)
	if err != nil {
		return nil, err
	}
	signer, err := DecodePrivateKey(row.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("key %s: %w", row.KeyID, err)
	}
	return &Key{
		ID:        row.KeyID,
		Algorithm: alg,
		Signer:    signer,
		CreatedAt: row.CreatedAt,
		RetiredAt: row.RetiredAt,
	}, nil
}
