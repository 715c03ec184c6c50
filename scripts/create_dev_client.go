package main

import (
	"context"
	"errors"
	"flag"
	"fmt"

	"github.com/franciscosanchezn/gin-sso/internal/config"
	"github.com/franciscosanchezn/gin-sso/internal/database"
	"github.com/franciscosanchezn/gin-sso/internal/keys"
	"github.com/franciscosanchezn/gin-sso/internal/models"
	"github.com/franciscosanchezn/gin-sso/internal/services"
	log "github.com/sirupsen/logrus"
)

func main() {
	// Parse command line flags
	tenantName := flag.String("tenant", "dev", "Tenant to provision into, created when missing")
	kind := flag.String("kind", "admin", "Client kind: admin (client_credentials with sso:admin) or web (authorization_code)")
	flag.Parse()

	ctx := context.Background()
	conf, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load configuration: ", err)
	}
	db, err := database.InitDatabase(ctx, database.FromConfig(conf))
	if err != nil {
		log.Fatal("Failed to connect to database: ", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatal("Failed to migrate database: ", err)
	}

	tenants := services.NewTenantService(db)
	clients := services.NewClientService(db)
	provisioner := services.NewProvisionService(db, keys.NewManager(keys.NewGormRepository(db), conf.KeyRetention), tenants, clients, conf.BaseURL)

	tenant := getOrCreateTenant(ctx, tenants, provisioner, *tenantName, conf.DefaultSigningAlg)

	clientID := fmt.Sprintf("%s-%s-client", tenant.Name, *kind)
	spec := services.ClientSpec{
		ClientID: clientID,
		Name:     fmt.Sprintf("Development %s client", *kind),
	}
	switch *kind {
	case "admin":
		spec.GrantTypes = []string{"client_credentials"}
		spec.Scopes = []string{"sso:admin"}
	case "web":
		spec.GrantTypes = []string{"authorization_code", "refresh_token"}
		spec.RedirectURIs = []string{"http://localhost:3000/callback"}
		spec.Scopes = []string{"openid", "profile", "email"}
	default:
		log.Fatalf("Unknown client kind %q", *kind)
	}

	_, secret, err := provisioner.CreateClient(ctx, tenant.ID, spec)
	if errors.Is(err, services.ErrAlreadyExists) {
		fmt.Printf("Development client %s already exists in tenant '%s'; its secret was shown when it was created.\n", clientID, tenant.Name)
		return
	}
	if err != nil {
		log.Fatal("Failed to create client: ", err)
	}

	if *kind == "web" {
		createDevUser(ctx, provisioner, tenant)
	}

	fmt.Printf("✓ Development OAuth client created in tenant '%s'!\n", tenant.Name)
	fmt.Printf("Issuer: %s\n", tenant.IssuerURL)
	fmt.Printf("Client ID: %s\n", clientID)
	fmt.Printf("Client Secret: %s\n", secret)
	fmt.Println("\nUse these credentials for testing:")
	if *kind == "admin" {
		fmt.Printf("curl -X POST %s/oauth2/token \\\n", tenant.IssuerURL)
		fmt.Printf("  -u '%s:%s' \\\n", clientID, secret)
		fmt.Printf("  -d 'grant_type=client_credentials' -d 'scope=sso:admin'\n")
		return
	}
	fmt.Printf("%s/oauth2/authorize?response_type=code&client_id=%s&redirect_uri=http://localhost:3000/callback&scope=openid+email&code_challenge=<S256 challenge>\n",
		tenant.IssuerURL, clientID)
}

// getOrCreateTenant resolves the tenant by name, creating it with fresh signing keys when missing
func getOrCreateTenant(ctx context.Context, tenants services.TenantService, provisioner services.ProvisionService, name, alg string) *models.Tenant {
	tenant, err := tenants.ResolveTenant(ctx, name)
	if err == nil {
		fmt.Printf("Found existing tenant: %s (ID: %d, Issuer: %s)\n", tenant.Name, tenant.ID, tenant.IssuerURL)
		return tenant
	}
	if !errors.Is(err, services.ErrNotFound) {
		log.Fatal("Failed to resolve tenant: ", err)
	}

	tenant, err = provisioner.CreateTenant(ctx, name, alg)
	if err != nil {
		log.Fatal("Failed to create tenant: ", err)
	}
	fmt.Printf("Created new tenant: %s (ID: %d, Issuer: %s)\n", tenant.Name, tenant.ID, tenant.IssuerURL)
	return tenant
}

// createDevUser registers dev@<tenant>.local so the web client has someone to log in as
func createDevUser(ctx context.Context, provisioner services.ProvisionService, tenant *models.Tenant) {
	email := fmt.Sprintf("dev@%s.local", tenant.Name)
	_, err := provisioner.CreateUser(ctx, tenant.ID, services.UserSpec{
		Email:         email,
		Password:      "dev-password-123",
		Name:          "Development User",
		EmailVerified: true,
	})
	switch {
	case err == nil:
		fmt.Printf("Created new user: %s (password: dev-password-123)\n", email)
	case errors.Is(err, services.ErrAlreadyExists):
		fmt.Printf("Found existing user: %s\n", email)
	default:
		log.Fatal("Failed to create user: ", err)
	}
}
