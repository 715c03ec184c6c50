package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/franciscosanchezn/gin-sso/internal/keys"
	"github.com/franciscosanchezn/gin-sso/internal/models"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// ClientSpec describes a client to register
type ClientSpec struct {
	// ClientID and ClientSecret are generated when empty
	ClientID                string
	ClientSecret            string
	Name                    string
	Description             string
	GrantTypes              []string
	ResponseTypes           []string
	RedirectURIs            []string
	Scopes                  []string
	TokenEndpointAuthMethod string
	RequirePKCE             bool
	AllowPlainPKCE          bool
	RequireNonce            bool
}

// UserSpec describes a user to register
type UserSpec struct {
	Email         string
	Password      string
	Name          string
	GivenName     string
	FamilyName    string
	EmailVerified bool
}

// ProvisionService creates and removes tenants, clients and users outside the request path
type ProvisionService interface {
	CreateTenant(ctx context.Context, name, signingAlgorithm string) (*models.Tenant, error)
	// CreateClient returns the plaintext secret, which is not retrievable afterwards
	CreateClient(ctx context.Context, tenantID uint, spec ClientSpec) (*models.OAuthClient, string, error)
	AddClientCredential(ctx context.Context, tenantID uint, clientID, name, pemData, algorithm string, expiresAt *time.Time) (*models.ClientCredential, error)
	CreateUser(ctx context.Context, tenantID uint, spec UserSpec) (*models.User, error)
	RotateKeys(ctx context.Context, tenantID uint) (*keys.Key, error)
	DeleteTenant(ctx context.Context, tenantID uint) error
	DeleteClient(ctx context.Context, tenantID uint, clientID string) error
	DeleteUser(ctx context.Context, tenantID, userID uint) error
}

type provisionService struct {
	db      *gorm.DB
	keys    *keys.Manager
	tenants TenantService
	clients ClientService
	baseURL string
}

func NewProvisionService(db *gorm.DB, keyManager *keys.Manager, tenants TenantService, clients ClientService, baseURL string) ProvisionService {
	return &provisionService{
		db:      db,
		keys:    keyManager,
		tenants: tenants,
		clients: clients,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func (s *provisionService) CreateTenant(ctx context.Context, name, signingAlgorithm string) (*models.Tenant, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: tenant name is required", ErrInvalidSpec)
	}
	// numeric path segments resolve by id, so such a name could never be looked up
	if _, err := strconv.ParseUint(name, 10, 64); err == nil {
		return nil, fmt.Errorf("%w: tenant name %q must not be numeric", ErrInvalidSpec, name)
	}
	if signingAlgorithm == "" {
		signingAlgorithm = keys.RS256.String()
	}
	if _, err := keys.ParseAlgorithm(signingAlgorithm); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSpec, err)
	}

	tenant := &models.Tenant{Name: name, SigningAlgorithm: signingAlgorithm, IssuerURL: "pending"}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Tenant{}).Where("name = ?", name).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("tenant %q: %w", name, ErrAlreadyExists)
		}
		if err := tx.Create(tenant).Error; err != nil {
			return err
		}
		tenant.IssuerURL = fmt.Sprintf("%s/tenant/%d", s.baseURL, tenant.ID)
		return tx.Model(tenant).Update("issuer_url", tenant.IssuerURL).Error
	})
	if err != nil {
		return nil, err
	}

	// keys are generated eagerly so the first token request does not pay for it
	key, err := s.keys.SigningKey(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("generating keys for tenant %s: %w", name, err)
	}
	tenant.KeyReference = key.ID

	log.WithFields(log.Fields{
		"tenant_id": tenant.ID,
		"tenant":    tenant.Name,
		"issuer":    tenant.IssuerURL,
		"alg":       tenant.SigningAlgorithm,
	}).Info("Tenant created")
	return tenant, nil
}

func (s *provisionService) CreateClient(ctx context.Context, tenantID uint, spec ClientSpec) (*models.OAuthClient, string, error) {
	if spec.Name == "" {
		return nil, "", fmt.Errorf("%w: client name is required", ErrInvalidSpec)
	}
	method := spec.TokenEndpointAuthMethod
	if method == "" {
		method = models.AuthMethodClientSecretBasic
	}
	switch method {
	case models.AuthMethodClientSecretBasic, models.AuthMethodClientSecretPost, models.AuthMethodClientSecretJWT,
		models.AuthMethodPrivateKeyJWT, models.AuthMethodNone:
	default:
		return nil, "", fmt.Errorf("%w: unsupported token_endpoint_auth_method %q", ErrInvalidSpec, method)
	}

	clientID := spec.ClientID
	if clientID == "" {
		clientID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	client := &models.OAuthClient{
		ClientID:                clientID,
		TenantID:                tenantID,
		Name:                    spec.Name,
		Description:             spec.Description,
		GrantTypes:              spec.GrantTypes,
		ResponseTypes:           spec.ResponseTypes,
		RedirectURIs:            spec.RedirectURIs,
		Scopes:                  spec.Scopes,
		TokenEndpointAuthMethod: method,
		RequirePKCE:             spec.RequirePKCE || method == models.AuthMethodNone,
		AllowPlainPKCE:          spec.AllowPlainPKCE,
		RequireNonce:            spec.RequireNonce,
	}
	if len(client.ResponseTypes) == 0 && client.AllowsGrant("authorization_code") {
		client.ResponseTypes = []string{"code"}
	}

	secret := ""
	switch method {
	case models.AuthMethodClientSecretBasic, models.AuthMethodClientSecretPost:
		secret = spec.ClientSecret
		if secret == "" {
			secret = randomSecret()
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, "", fmt.Errorf("hashing client secret: %w", err)
		}
		client.ClientSecret = string(hash)
	case models.AuthMethodClientSecretJWT:
		// the HMAC key has to stay recoverable
		secret = spec.ClientSecret
		if secret == "" {
			secret = randomSecret()
		}
		client.ClientSecret = secret
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&models.Tenant{}, tenantID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		var count int64
		if err := tx.Model(&models.OAuthClient{}).Where("client_id = ?", clientID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("client %q: %w", clientID, ErrAlreadyExists)
		}
		return tx.Create(client).Error
	})
	if err != nil {
		return nil, "", err
	}

	log.WithFields(log.Fields{
		"tenant_id":   tenantID,
		"client_id":   client.ClientID,
		"auth_method": method,
		"grant_types": client.GrantTypes,
	}).Info("Client registered")
	return client, secret, nil
}

func (s *provisionService) AddClientCredential(ctx context.Context, tenantID uint, clientID, name, pemData, algorithm string, expiresAt *time.Time) (*models.ClientCredential, error) {
	alg, err := keys.ParseAlgorithm(algorithm)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSpec, err)
	}
	pub, err := keys.ParsePublicKey(pemData)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSpec, err)
	}
	if !alg.Accepts(pub) {
		return nil, fmt.Errorf("%w: key type %T cannot be used with %s", ErrInvalidSpec, pub, alg)
	}
	thumbprint, err := keys.Thumbprint(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSpec, err)
	}

	var client models.OAuthClient
	if err := s.db.WithContext(ctx).Where("tenant_id = ? AND client_id = ?", tenantID, clientID).First(&client).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var taken int64
	if err := s.db.WithContext(ctx).Model(&models.ClientCredential{}).Where("thumbprint = ?", thumbprint).Count(&taken).Error; err != nil {
		return nil, err
	}
	if taken > 0 {
		return nil, fmt.Errorf("credential %s: %w", thumbprint, ErrAlreadyExists)
	}

	cred := &models.ClientCredential{
		TenantID:    tenantID,
		ClientRefID: client.ID,
		Name:        name,
		PEMData:     pemData,
		Thumbprint:  thumbprint,
		Algorithm:   alg.String(),
		ExpiresAt:   expiresAt,
	}
	if err := s.db.WithContext(ctx).Create(cred).Error; err != nil {
		return nil, err
	}
	s.clients.Invalidate(clientID)
	return cred, nil
}

func (s *provisionService) CreateUser(ctx context.Context, tenantID uint, spec UserSpec) (*models.User, error) {
	email := strings.ToLower(strings.TrimSpace(spec.Email))
	if email == "" || spec.Password == "" {
		return nil, fmt.Errorf("%w: email and password are required", ErrInvalidSpec)
	}

	user := &models.User{
		TenantID:      tenantID,
		Email:         email,
		Name:          spec.Name,
		GivenName:     spec.GivenName,
		FamilyName:    spec.FamilyName,
		IsActive:      true,
		EmailVerified: spec.EmailVerified,
	}
	if err := user.SetPassword(spec.Password); err != nil {
		return nil, err
	}

	var existing models.User
	err := s.db.WithContext(ctx).Where("tenant_id = ? AND email = ?", tenantID, email).First(&existing).Error
	if err == nil {
		return nil, fmt.Errorf("user %q: %w", email, ErrAlreadyExists)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return nil, err
	}
	return user, nil
}

func (s *provisionService) RotateKeys(ctx context.Context, tenantID uint) (*keys.Key, error) {
	var tenant models.Tenant
	if err := s.db.WithContext(ctx).First(&tenant, tenantID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	key, err := s.keys.Rotate(ctx, &tenant)
	if err != nil {
		return nil, err
	}
	s.tenants.Invalidate(tenantID)
	return key, nil
}

// DeleteTenant removes the tenant and everything it owns in one transaction
func (s *provisionService) DeleteTenant(ctx context.Context, tenantID uint) error {
	var clientIDs []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.OAuthClient{}).Where("tenant_id = ?", tenantID).Pluck("client_id", &clientIDs).Error; err != nil {
			return err
		}
		for _, model := range []any{
			&models.OAuthToken{},
			&models.AuthorizationCode{},
			&models.NonceClaim{},
			&models.AuthorizedApp{},
			&models.ClientCredential{},
			&models.OAuthClient{},
			&models.User{},
			&models.SigningKey{},
		} {
			if err := tx.Where("tenant_id = ?", tenantID).Delete(model).Error; err != nil {
				return err
			}
		}
		res := tx.Delete(&models.Tenant{}, tenantID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, id := range clientIDs {
		s.clients.Invalidate(id)
	}
	s.tenants.Invalidate(tenantID)
	s.keys.Invalidate(tenantID)
	log.WithField("tenant_id", tenantID).Info("Tenant deleted")
	return nil
}

func (s *provisionService) DeleteClient(ctx context.Context, tenantID uint, clientID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var client models.OAuthClient
		if err := tx.Where("tenant_id = ? AND client_id = ?", tenantID, clientID).First(&client).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		for _, model := range []any{&models.OAuthToken{}, &models.AuthorizationCode{}, &models.NonceClaim{}, &models.AuthorizedApp{}} {
			if err := tx.Where("tenant_id = ? AND client_id = ?", tenantID, clientID).Delete(model).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("client_ref_id = ?", client.ID).Delete(&models.ClientCredential{}).Error; err != nil {
			return err
		}
		return tx.Delete(&client).Error
	})
	if err != nil {
		return err
	}
	s.clients.Invalidate(clientID)
	return nil
}

func (s *provisionService) DeleteUser(ctx context.Context, tenantID, userID uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{&models.OAuthToken{}, &models.AuthorizationCode{}, &models.NonceClaim{}, &models.AuthorizedApp{}} {
			if err := tx.Where("tenant_id = ? AND user_id = ?", tenantID, userID).Delete(model).Error; err != nil {
				return err
			}
		}
		res := tx.Where("tenant_id = ?", tenantID).Delete(&models.User{}, userID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func randomSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
