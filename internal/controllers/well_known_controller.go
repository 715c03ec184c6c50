package controllers

import (
	"net/http"
	"slices"

	"github.com/franciscosanchezn/gin-sso/internal/auth"
	"github.com/franciscosanchezn/gin-sso/internal/keys"
	"github.com/franciscosanchezn/gin-sso/internal/middleware"
	"github.com/franciscosanchezn/gin-sso/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/go-oauth2/oauth2/v4"
	log "github.com/sirupsen/logrus"
)

const jwksCacheControl = "public, max-age=3600, stale-while-revalidate=3600"

// Discovery is the OpenID Provider metadata document
type Discovery struct {
	Issuer                                    string   `json:"issuer"`
	AuthorizationEndpoint                     string   `json:"authorization_endpoint"`
	TokenEndpoint                             string   `json:"token_endpoint"`
	IntrospectionEndpoint                     string   `json:"introspection_endpoint"`
	RevocationEndpoint                        string   `json:"revocation_endpoint"`
	UserinfoEndpoint                          string   `json:"userinfo_endpoint"`
	JwksURI                                   string   `json:"jwks_uri"`
	ScopesSupported                           []string `json:"scopes_supported"`
	ResponseTypesSupported                    []string `json:"response_types_supported"`
	ResponseModesSupported                    []string `json:"response_modes_supported"`
	GrantTypesSupported                       []string `json:"grant_types_supported"`
	SubjectTypesSupported                     []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported          []string `json:"id_token_signing_alg_values_supported"`
	TokenEndpointAuthMethodsSupported         []string `json:"token_endpoint_auth_methods_supported"`
	TokenEndpointAuthSigningAlgValues         []string `json:"token_endpoint_auth_signing_alg_values_supported"`
	IntrospectionEndpointAuthMethodsSupported []string `json:"introspection_endpoint_auth_methods_supported"`
	RevocationEndpointAuthMethodsSupported    []string `json:"revocation_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported             []string `json:"code_challenge_methods_supported"`
	ClaimsSupported                           []string `json:"claims_supported"`
}

type WellKnownController struct {
	keys *keys.Manager
}

func NewWellKnownController(keyManager *keys.Manager) *WellKnownController {
	return &WellKnownController{keys: keyManager}
}

// OpenIDConfiguration godoc
// @Summary OpenID Provider metadata
// @Tags OpenID Connect
// @Produce json
// @Param tenant_id path string true "Tenant id or name"
// @Success 200 {object} Discovery
// @Failure 404 {object} models.APIError
// @Router /tenant/{tenant_id}/.well-known/openid-configuration [get]
func (wc *WellKnownController) OpenIDConfiguration(c *gin.Context) {
	c.JSON(http.StatusOK, NewDiscovery(middleware.GetTenant(c)))
}

// NewDiscovery builds the metadata of a tenant; every endpoint hangs off its issuer
func NewDiscovery(tenant *models.Tenant) Discovery {
	iss := tenant.IssuerURL
	signingAlgs := make([]string, len(keys.Supported))
	for i, alg := range keys.Supported {
		signingAlgs[i] = alg.String()
	}
	return Discovery{
		Issuer:                iss,
		AuthorizationEndpoint: iss + "/oauth2/authorize",
		TokenEndpoint:         iss + "/oauth2/token",
		IntrospectionEndpoint: iss + "/oauth2/introspect",
		RevocationEndpoint:    iss + "/oauth2/revoke",
		UserinfoEndpoint:      iss + "/oauth2/userinfo",
		JwksURI:               iss + "/.well-known/jwks.json",
		ScopesSupported:       []string{"openid", "profile", "email"},
		ResponseTypesSupported: []string{
			"code", "token", "id_token", "code id_token", "code token", "id_token token", "code id_token token",
		},
		ResponseModesSupported: []string{"query", "fragment"},
		GrantTypesSupported: []string{
			oauth2.AuthorizationCode.String(),
			oauth2.Refreshing.String(),
			oauth2.ClientCredentials.String(),
			oauth2.PasswordCredentials.String(),
			models.GrantImplicit,
		},
		SubjectTypesSupported:                     []string{"public"},
		IDTokenSigningAlgValuesSupported:          []string{tenant.SigningAlgorithm},
		TokenEndpointAuthMethodsSupported:         slices.Clone(auth.AllAuthMethods),
		TokenEndpointAuthSigningAlgValues:         append([]string{"HS256", "HS384", "HS512"}, signingAlgs...),
		IntrospectionEndpointAuthMethodsSupported: slices.Clone(auth.ConfidentialAuthMethods),
		RevocationEndpointAuthMethodsSupported:    slices.Clone(auth.AllAuthMethods),
		CodeChallengeMethodsSupported:             []string{oauth2.CodeChallengeS256.String(), oauth2.CodeChallengePlain.String()},
		ClaimsSupported: []string{
			"sub", "iss", "aud", "exp", "iat", "auth_time", "nonce", "azp", "at_hash", "c_hash",
			"name", "given_name", "family_name", "email", "email_verified",
		},
	}
}

// JWKS godoc
// @Summary Tenant JSON Web Key Set
// @Description Public keys that verify this tenant's tokens: the active key and, during rotation, the previous one
// @Tags OpenID Connect
// @Produce json
// @Param tenant_id path string true "Tenant id or name"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} models.APIError
// @Router /tenant/{tenant_id}/.well-known/jwks.json [get]
func (wc *WellKnownController) JWKS(c *gin.Context) {
	tenant := middleware.GetTenant(c)
	set, err := wc.keys.PublicJWKS(c.Request.Context(), tenant)
	if err != nil {
		log.WithError(err).WithField("tenant_id", tenant.ID).Error("Failed to load tenant keys")
		c.JSON(http.StatusInternalServerError, models.NewAPIError(models.ErrInternalServer, "Failed to load signing keys"))
		return
	}
	c.Header("Cache-Control", jwksCacheControl)
	c.JSON(http.StatusOK, set)
}
