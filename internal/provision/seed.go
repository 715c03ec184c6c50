// Package provision loads tenants, clients and users from a seed file at startup.
package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/franciscosanchezn/gin-sso/internal/services"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Seed is the root of a YAML or JSON seed file
type Seed struct {
	Tenants []TenantSeed `mapstructure:"tenants"`
}

type TenantSeed struct {
	Name             string       `mapstructure:"name"`
	SigningAlgorithm string       `mapstructure:"signing_algorithm"`
	Clients          []ClientSeed `mapstructure:"clients"`
	Users            []UserSeed   `mapstructure:"users"`
}

type ClientSeed struct {
	ClientID                string           `mapstructure:"client_id"`
	ClientSecret            string           `mapstructure:"client_secret"`
	Name                    string           `mapstructure:"name"`
	Description             string           `mapstructure:"description"`
	GrantTypes              []string         `mapstructure:"grant_types"`
	ResponseTypes           []string         `mapstructure:"response_types"`
	RedirectURIs            []string         `mapstructure:"redirect_uris"`
	Scopes                  []string         `mapstructure:"scopes"`
	TokenEndpointAuthMethod string           `mapstructure:"token_endpoint_auth_method"`
	RequirePKCE             bool             `mapstructure:"require_pkce"`
	AllowPlainPKCE          bool             `mapstructure:"allow_plain_pkce"`
	RequireNonce            bool             `mapstructure:"require_nonce"`
	Credentials             []CredentialSeed `mapstructure:"credentials"`
}

// CredentialSeed is a public key for private_key_jwt, inline or from a file
type CredentialSeed struct {
	Name      string        `mapstructure:"name"`
	Algorithm string        `mapstructure:"algorithm"`
	PEM       string        `mapstructure:"pem"`
	PEMFile   string        `mapstructure:"pem_file"`
	ExpiresIn time.Duration `mapstructure:"expires_in"`
}

type UserSeed struct {
	Email         string `mapstructure:"email"`
	Password      string `mapstructure:"password"`
	Name          string `mapstructure:"name"`
	GivenName     string `mapstructure:"given_name"`
	FamilyName    string `mapstructure:"family_name"`
	EmailVerified bool   `mapstructure:"email_verified"`
}

// Result counts what Apply created; entries that already existed are skipped
type Result struct {
	Tenants int
	Clients int
	Users   int
	// GeneratedSecrets maps client ids to secrets the seed did not set
	GeneratedSecrets map[string]string
}

// Load reads a seed file. The format follows the file extension.
// Secrets and passwords may reference environment variables as ${NAME}.
func Load(path string) (*Seed, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading seed file %s: %w", path, err)
	}

	var seed Seed
	if err := v.Unmarshal(&seed); err != nil {
		return nil, fmt.Errorf("decoding seed file %s: %w", path, err)
	}
	if err := seed.validate(); err != nil {
		return nil, fmt.Errorf("seed file %s: %w", path, err)
	}

	for i := range seed.Tenants {
		t := &seed.Tenants[i]
		for j := range t.Clients {
			t.Clients[j].ClientSecret = os.ExpandEnv(t.Clients[j].ClientSecret)
		}
		for j := range t.Users {
			t.Users[j].Password = os.ExpandEnv(t.Users[j].Password)
		}
	}
	return &seed, nil
}

// WithDefaultAlgorithm fills in the signing algorithm of tenants that do not name one
func (s *Seed) WithDefaultAlgorithm(alg string) *Seed {
	for i := range s.Tenants {
		if s.Tenants[i].SigningAlgorithm == "" {
			s.Tenants[i].SigningAlgorithm = alg
		}
	}
	return s
}

func (s *Seed) validate() error {
	for _, t := range s.Tenants {
		if t.Name == "" {
			return errors.New("tenant without a name")
		}
		for _, c := range t.Clients {
			// generated ids would register a new client on every start
			if c.ClientID == "" {
				return fmt.Errorf("tenant %s: client %q needs a client_id", t.Name, c.Name)
			}
			for _, cred := range c.Credentials {
				if (cred.PEM == "") == (cred.PEMFile == "") {
					return fmt.Errorf("client %s: credential %q needs exactly one of pem and pem_file", c.ClientID, cred.Name)
				}
			}
		}
		for _, u := range t.Users {
			if u.Email == "" {
				return fmt.Errorf("tenant %s: user without an email", t.Name)
			}
		}
	}
	return nil
}

// Apply provisions the seed. It can run on every start: existing tenants,
// clients and users are left untouched.
func Apply(ctx context.Context, seed *Seed, tenants services.TenantService, provisioner services.ProvisionService) (*Result, error) {
	res := &Result{GeneratedSecrets: make(map[string]string)}

	for _, ts := range seed.Tenants {
		tenant, err := provisioner.CreateTenant(ctx, ts.Name, ts.SigningAlgorithm)
		switch {
		case err == nil:
			res.Tenants++
		case errors.Is(err, services.ErrAlreadyExists):
			if tenant, err = tenants.ResolveTenant(ctx, ts.Name); err != nil {
				return res, fmt.Errorf("resolving tenant %s: %w", ts.Name, err)
			}
		default:
			return res, fmt.Errorf("creating tenant %s: %w", ts.Name, err)
		}

		for _, cs := range ts.Clients {
			client, secret, err := provisioner.CreateClient(ctx, tenant.ID, services.ClientSpec{
				ClientID:                cs.ClientID,
				ClientSecret:            cs.ClientSecret,
				Name:                    cs.Name,
				Description:             cs.Description,
				GrantTypes:              cs.GrantTypes,
				ResponseTypes:           cs.ResponseTypes,
				RedirectURIs:            cs.RedirectURIs,
				Scopes:                  cs.Scopes,
				TokenEndpointAuthMethod: cs.TokenEndpointAuthMethod,
				RequirePKCE:             cs.RequirePKCE,
				AllowPlainPKCE:          cs.AllowPlainPKCE,
				RequireNonce:            cs.RequireNonce,
			})
			if errors.Is(err, services.ErrAlreadyExists) {
				log.WithField("client_id", cs.ClientID).Debug("Seed client already registered")
				continue
			}
			if err != nil {
				return res, fmt.Errorf("creating client %s: %w", cs.ClientID, err)
			}
			res.Clients++
			if cs.ClientSecret == "" && secret != "" {
				res.GeneratedSecrets[client.ClientID] = secret
			}

			for _, cred := range cs.Credentials {
				if err := addCredential(ctx, provisioner, tenant.ID, client.ClientID, cred); err != nil {
					return res, err
				}
			}
		}

		for _, us := range ts.Users {
			_, err := provisioner.CreateUser(ctx, tenant.ID, services.UserSpec{
				Email:         us.Email,
				Password:      us.Password,
				Name:          us.Name,
				GivenName:     us.GivenName,
				FamilyName:    us.FamilyName,
				EmailVerified: us.EmailVerified,
			})
			if errors.Is(err, services.ErrAlreadyExists) {
				continue
			}
			if err != nil {
				return res, fmt.Errorf("creating user %s in %s: %w", us.Email, ts.Name, err)
			}
			res.Users++
		}
	}

	log.WithFields(log.Fields{
		"tenants": res.Tenants,
		"clients": res.Clients,
		"users":   res.Users,
	}).Info("Seed applied")
	return res, nil
}

func addCredential(ctx context.Context, provisioner services.ProvisionService, tenantID uint, clientID string, cred CredentialSeed) error {
	pemData := cred.PEM
	if cred.PEMFile != "" {
		data, err := os.ReadFile(cred.PEMFile)
		if err != nil {
			return fmt.Errorf("reading credential %s of client %s: %w", cred.Name, clientID, err)
		}
		pemData = string(data)
	}

	var expiresAt *time.Time
	if cred.ExpiresIn > 0 {
		t := time.Now().Add(cred.ExpiresIn)
		expiresAt = &t
	}
	if _, err := provisioner.AddClientCredential(ctx, tenantID, clientID, cred.Name, pemData, cred.Algorithm, expiresAt); err != nil {
		return fmt.Errorf("adding credential %s to client %s: %w", cred.Name, clientID, err)
	}
	return nil
}
