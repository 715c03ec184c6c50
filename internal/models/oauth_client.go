package models

import (
	"slices"
	"time"
)

// Token endpoint authentication methods
const (
	AuthMethodClientSecretBasic = "client_secret_basic"
	AuthMethodClientSecretPost  = "client_secret_post"
	AuthMethodClientSecretJWT   = "client_secret_jwt"
	AuthMethodPrivateKeyJWT     = "private_key_jwt"
	AuthMethodNone              = "none"
)

// GrantImplicit covers the token and id_token response types
const GrantImplicit = "implicit"

type OAuthClient struct {
	ID           uint   `gorm:"primaryKey" json:"-"`
	ClientID     string `gorm:"uniqueIndex;size:48;not null" json:"client_id"`
	ClientSecret string `json:"-"`
	TenantID     uint   `gorm:"index;not null" json:"tenant_id"`
	Name         string `gorm:"not null" json:"name"`
	Description  string `json:"description,omitempty"`

	GrantTypes    []string `gorm:"serializer:json" json:"grant_types"`
	ResponseTypes []string `gorm:"serializer:json" json:"response_types"`
	RedirectURIs  []string `gorm:"serializer:json" json:"redirect_uris"`
	Scopes        []string `gorm:"serializer:json" json:"scopes"`

	TokenEndpointAuthMethod string `gorm:"size:32;not null;default:'client_secret_basic'" json:"token_endpoint_auth_method"`
	RequirePKCE             bool   `json:"require_pkce"`
	// AllowPlainPKCE permits code_challenge_method=plain
	AllowPlainPKCE bool `json:"allow_plain_pkce"`
	RequireNonce   bool `json:"require_nonce"`

	Credentials []ClientCredential `gorm:"foreignKey:ClientRefID" json:"credentials,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (OAuthClient) TableName() string {
	return "oauth_clients"
}

// IsPublic reports whether the client has no credentials at the token endpoint
func (c *OAuthClient) IsPublic() bool {
	return c.TokenEndpointAuthMethod == AuthMethodNone
}

func (c *OAuthClient) AllowsGrant(grantType string) bool {
	return slices.Contains(c.GrantTypes, grantType)
}

// AllowsResponseType compares response types as unordered sets
func (c *OAuthClient) AllowsResponseType(responseType string) bool {
	want := NormalizeResponseType(responseType)
	for _, rt := range c.ResponseTypes {
		if NormalizeResponseType(rt) == want {
			return true
		}
	}
	return false
}

// HasRedirectURI is an exact string match, no prefix or wildcard semantics
func (c *OAuthClient) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// AllowedScope returns the requested scopes the client may obtain, in request order
func (c *OAuthClient) AllowedScope(requested []string) []string {
	allowed := make([]string, 0, len(requested))
	for _, s := range requested {
		if slices.Contains(c.Scopes, s) && !slices.Contains(allowed, s) {
			allowed = append(allowed, s)
		}
	}
	return allowed
}
