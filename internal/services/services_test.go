package services

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"testing"
	"time"

	"github.com/franciscosanchezn/gin-sso/internal/keys"
	"github.com/franciscosanchezn/gin-sso/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fixture struct {
	db        *gorm.DB
	tenants   TenantService
	clients   ClientService
	users     UserService
	provision ProvisionService
	keys      *keys.Manager
}

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(models.All()...)
	require.NoError(t, err)

	return db
}

func newFixture(t *testing.T) *fixture {
	db := setupTestDB(t)
	f := &fixture{
		db:      db,
		tenants: NewTenantService(db),
		clients: NewClientService(db),
		users:   NewUserService(db),
		keys:    keys.NewManager(keys.NewGormRepository(db), time.Hour),
	}
	f.provision = NewProvisionService(db, f.keys, f.tenants, f.clients, "https://sso.example.com/")
	return f
}

func TestTenantResolution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	acme, err := f.provision.CreateTenant(ctx, "acme", "ES256")
	require.NoError(t, err)
	assert.Equal(t, "https://sso.example.com/tenant/1", acme.IssuerURL)
	assert.NotEmpty(t, acme.KeyReference)

	t.Run("by id", func(t *testing.T) {
		tenant, err := f.tenants.ResolveTenant(ctx, "1")
		require.NoError(t, err)
		assert.Equal(t, "acme", tenant.Name)
	})

	t.Run("by name", func(t *testing.T) {
		tenant, err := f.tenants.ResolveTenant(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, acme.ID, tenant.ID)
	})

	t.Run("by host", func(t *testing.T) {
		tenant, err := f.tenants.ResolveHost(ctx, "acme.sso.example.com:8443")
		require.NoError(t, err)
		assert.Equal(t, acme.ID, tenant.ID)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := f.tenants.ResolveTenant(ctx, "globex")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = f.tenants.ResolveTenant(ctx, "42")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("duplicate name", func(t *testing.T) {
		_, err := f.provision.CreateTenant(ctx, "acme", "RS256")
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("unsupported algorithm", func(t *testing.T) {
		_, err := f.provision.CreateTenant(ctx, "weak", "HS256")
		assert.ErrorIs(t, err, ErrInvalidSpec)
	})

	t.Run("numeric name", func(t *testing.T) {
		_, err := f.provision.CreateTenant(ctx, "2024", "RS256")
		assert.ErrorIs(t, err, ErrInvalidSpec)
		_, err = f.tenants.ResolveTenant(ctx, "2024")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestClientResolutionIsTenantScoped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.provision.CreateTenant(ctx, "a", "RS256")
	require.NoError(t, err)
	b, err := f.provision.CreateTenant(ctx, "b", "RS256")
	require.NoError(t, err)

	client, secret, err := f.provision.CreateClient(ctx, a.ID, ClientSpec{
		Name:       "web",
		GrantTypes: []string{"authorization_code"},
		Scopes:     []string{"openid"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, secret)
	assert.NotEqual(t, secret, client.ClientSecret, "basic secrets are stored hashed")
	assert.Equal(t, []string{"code"}, client.ResponseTypes)

	got, err := f.clients.ResolveClient(ctx, a, client.ClientID)
	require.NoError(t, err)
	assert.Equal(t, client.ClientID, got.ClientID)

	_, err = f.clients.ResolveClient(ctx, b, client.ClientID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.clients.ResolveClient(ctx, a, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPublicClientsAlwaysRequirePKCE(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant, err := f.provision.CreateTenant(ctx, "spa", "RS256")
	require.NoError(t, err)

	client, secret, err := f.provision.CreateClient(ctx, tenant.ID, ClientSpec{
		Name:                    "spa",
		TokenEndpointAuthMethod: models.AuthMethodNone,
		GrantTypes:              []string{"authorization_code"},
	})
	require.NoError(t, err)
	assert.Empty(t, secret)
	assert.True(t, client.RequirePKCE)
}

func TestUserAuthentication(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, err := f.provision.CreateTenant(ctx, "a", "RS256")
	require.NoError(t, err)
	b, err := f.provision.CreateTenant(ctx, "b", "RS256")
	require.NoError(t, err)

	_, err = f.provision.CreateUser(ctx, a.ID, UserSpec{Email: "Alice@Example.com", Password: "wonderland"})
	require.NoError(t, err)

	user, err := f.users.Authenticate(ctx, a, "alice@example.com", "wonderland")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", user.Email)

	_, err = f.users.Authenticate(ctx, a, "alice@example.com", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = f.users.Authenticate(ctx, b, "alice@example.com", "wonderland")
	assert.ErrorIs(t, err, ErrInvalidCredentials, "users are scoped to their tenant")

	_, err = f.users.Authenticate(ctx, a, "nobody@example.com", "wonderland")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	require.NoError(t, f.db.Model(&models.User{}).Where("id = ?", user.ID).Update("is_active", false).Error)
	_, err = f.users.Authenticate(ctx, a, "alice@example.com", "wonderland")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAddClientCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant, err := f.provision.CreateTenant(ctx, "acme", "RS256")
	require.NoError(t, err)
	client, _, err := f.provision.CreateClient(ctx, tenant.ID, ClientSpec{
		Name:                    "svc",
		TokenEndpointAuthMethod: models.AuthMethodPrivateKeyJWT,
		GrantTypes:              []string{"client_credentials"},
	})
	require.NoError(t, err)

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pemData, err := keys.EncodePublicKey(&priv.PublicKey)
	require.NoError(t, err)

	_, err = f.provision.AddClientCredential(ctx, tenant.ID, client.ClientID, "main", pemData, "RS256", nil)
	assert.ErrorIs(t, err, ErrInvalidSpec, "EC key cannot back an RSA algorithm")
	_, err = f.provision.AddClientCredential(ctx, tenant.ID, client.ClientID, "main", "not pem", "ES256", nil)
	assert.ErrorIs(t, err, ErrInvalidSpec)
	_, err = f.provision.AddClientCredential(ctx, tenant.ID, "missing", "main", pemData, "ES256", nil)
	assert.ErrorIs(t, err, ErrNotFound)

	cred, err := f.provision.AddClientCredential(ctx, tenant.ID, client.ClientID, "main", pemData, "ES256", nil)
	require.NoError(t, err)
	want, err := keys.Thumbprint(&priv.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, want, cred.Thumbprint)

	resolved, err := f.clients.ResolveClient(ctx, tenant, client.ClientID)
	require.NoError(t, err)
	require.Len(t, resolved.Credentials, 1)
	assert.Equal(t, want, resolved.Credentials[0].Thumbprint)

	_, err = f.provision.AddClientCredential(ctx, tenant.ID, client.ClientID, "again", pemData, "ES256", nil)
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestListClientsPages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant, err := f.provision.CreateTenant(ctx, "acme", "RS256")
	require.NoError(t, err)
	other, err := f.provision.CreateTenant(ctx, "globex", "RS256")
	require.NoError(t, err)
	for i := range 5 {
		_, _, err := f.provision.CreateClient(ctx, tenant.ID, ClientSpec{
			ClientID:   fmt.Sprintf("client-%d", i),
			Name:       "c",
			GrantTypes: []string{"client_credentials"},
		})
		require.NoError(t, err)
	}
	_, _, err = f.provision.CreateClient(ctx, other.ID, ClientSpec{Name: "elsewhere", GrantTypes: []string{"client_credentials"}})
	require.NoError(t, err)

	first, count, err := f.clients.ListClients(ctx, tenant.ID, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)
	require.Len(t, first, 2)

	last, count, err := f.clients.ListClients(ctx, tenant.ID, 3, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)
	require.Len(t, last, 1)

	seen := map[string]bool{}
	for page := 1; page <= 3; page++ {
		clients, _, err := f.clients.ListClients(ctx, tenant.ID, page, 2)
		require.NoError(t, err)
		for _, c := range clients {
			assert.Equal(t, tenant.ID, c.TenantID)
			seen[c.ClientID] = true
		}
	}
	assert.Len(t, seen, 5)

	beyond, count, err := f.clients.ListClients(ctx, tenant.ID, 4, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)
	assert.Empty(t, beyond)
}

func TestDeleteTenantCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant, err := f.provision.CreateTenant(ctx, "doomed", "RS256")
	require.NoError(t, err)
	client, _, err := f.provision.CreateClient(ctx, tenant.ID, ClientSpec{Name: "c", GrantTypes: []string{"client_credentials"}})
	require.NoError(t, err)
	user, err := f.provision.CreateUser(ctx, tenant.ID, UserSpec{Email: "u@example.com", Password: "pw"})
	require.NoError(t, err)
	uid := user.ID
	require.NoError(t, f.db.Create(&models.OAuthToken{
		TenantID: tenant.ID, ClientID: client.ClientID, UserID: &uid, AccessJTI: "jti-1",
		IssuedAt: time.Now(), AccessExpiresAt: time.Now().Add(time.Hour),
	}).Error)

	require.NoError(t, f.provision.DeleteTenant(ctx, tenant.ID))

	for _, model := range []any{&models.OAuthToken{}, &models.OAuthClient{}, &models.User{}, &models.SigningKey{}, &models.Tenant{}} {
		var count int64
		require.NoError(t, f.db.Model(model).Count(&count).Error)
		assert.Zero(t, count, "%T rows left behind", model)
	}

	_, err = f.tenants.ResolveTenant(ctx, "doomed")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, f.provision.DeleteTenant(ctx, tenant.ID), ErrNotFound)
}

func TestRotateKeysInvalidatesTenantCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant, err := f.provision.CreateTenant(ctx, "acme", "RS256")
	require.NoError(t, err)

	cached, err := f.tenants.ResolveTenant(ctx, "acme")
	require.NoError(t, err)
	before := cached.KeyReference

	key, err := f.provision.RotateKeys(ctx, tenant.ID)
	require.NoError(t, err)

	reloaded, err := f.tenants.ResolveTenant(ctx, "acme")
	require.NoError(t, err)
	assert.NotEqual(t, before, reloaded.KeyReference)
	assert.Equal(t, key.ID, reloaded.KeyReference)
}
