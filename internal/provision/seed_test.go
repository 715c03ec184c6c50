package provision

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/franciscosanchezn/gin-sso/internal/keys"
	"github.com/franciscosanchezn/gin-sso/internal/models"
	"github.com/franciscosanchezn/gin-sso/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const seedYAML = `
tenants:
  - name: acme
    signing_algorithm: ES256
    clients:
      - client_id: acme-web
        client_secret: "${SEED_TEST_SECRET}"
        name: Acme Web
        grant_types: [authorization_code, refresh_token]
        redirect_uris: [https://app.acme.test/cb]
        scopes: [openid, profile, email]
      - client_id: acme-batch
        name: Acme Batch
        grant_types: [client_credentials]
        scopes: [reports:read]
      - client_id: acme-signer
        name: Acme Signer
        token_endpoint_auth_method: private_key_jwt
        grant_types: [client_credentials]
        credentials:
          - name: primary
            algorithm: ES256
            pem_file: %s
            expires_in: 720h
    users:
      - email: Bob@Acme.test
        password: hunter22
        name: Bob
        email_verified: true
  - name: globex
`

type fixture struct {
	tenants   services.TenantService
	clients   services.ClientService
	users     services.UserService
	provision services.ProvisionService
}

func newFixture(t *testing.T) *fixture {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(models.All()...))

	f := &fixture{
		tenants: services.NewTenantService(db),
		clients: services.NewClientService(db),
		users:   services.NewUserService(db),
	}
	km := keys.NewManager(keys.NewGormRepository(db), time.Hour)
	f.provision = services.NewProvisionService(db, km, f.tenants, f.clients, "https://sso.example.com")
	return f
}

func writeSeed(t *testing.T) string {
	dir := t.TempDir()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pemPath := filepath.Join(dir, "signer.pem")
	require.NoError(t, os.WriteFile(pemPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600))

	seedPath := filepath.Join(dir, "seed.yaml")
	require.NoError(t, os.WriteFile(seedPath, []byte(fmt.Sprintf(seedYAML, pemPath)), 0o600))
	return seedPath
}

func TestLoadAndApply(t *testing.T) {
	t.Setenv("SEED_TEST_SECRET", "from-the-environment")
	f := newFixture(t)
	ctx := context.Background()

	seed, err := Load(writeSeed(t))
	require.NoError(t, err)
	require.Len(t, seed.Tenants, 2)
	assert.Equal(t, "from-the-environment", seed.Tenants[0].Clients[0].ClientSecret)
	assert.Equal(t, 720*time.Hour, seed.Tenants[0].Clients[2].Credentials[0].ExpiresIn)

	res, err := Apply(ctx, seed.WithDefaultAlgorithm("PS256"), f.tenants, f.provision)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Tenants)
	assert.Equal(t, 3, res.Clients)
	assert.Equal(t, 1, res.Users)
	// only the batch client had its secret generated
	require.Len(t, res.GeneratedSecrets, 1)
	assert.NotEmpty(t, res.GeneratedSecrets["acme-batch"])

	acme, err := f.tenants.ResolveTenant(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "ES256", acme.SigningAlgorithm)
	globex, err := f.tenants.ResolveTenant(ctx, "globex")
	require.NoError(t, err)
	assert.Equal(t, "PS256", globex.SigningAlgorithm)

	web, err := f.clients.ResolveClient(ctx, acme, "acme-web")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(web.ClientSecret), []byte("from-the-environment")))

	signer, err := f.clients.ResolveClient(ctx, acme, "acme-signer")
	require.NoError(t, err)
	require.Len(t, signer.Credentials, 1)
	require.NotNil(t, signer.Credentials[0].ExpiresAt)

	_, err = f.users.Authenticate(ctx, acme, "bob@acme.test", "hunter22")
	assert.NoError(t, err)

	// applying again creates nothing
	res, err = Apply(ctx, seed, f.tenants, f.provision)
	require.NoError(t, err)
	assert.Zero(t, res.Tenants+res.Clients+res.Users)
	assert.Empty(t, res.GeneratedSecrets)
}

func TestLoadRejectsIncompleteSeeds(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"tenant without name", `{"tenants": [{"signing_algorithm": "RS256"}]}`},
		{"client without id", `{"tenants": [{"name": "a", "clients": [{"name": "x"}]}]}`},
		{"credential without key", `{"tenants": [{"name": "a", "clients": [{"client_id": "x", "credentials": [{"name": "k"}]}]}]}`},
		{"user without email", `{"tenants": [{"name": "a", "users": [{"password": "p"}]}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "seed.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0o600))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
