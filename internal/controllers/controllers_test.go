package controllers

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/franciscosanchezn/gin-sso/internal/auth"
	"github.com/franciscosanchezn/gin-sso/internal/keys"
	"github.com/franciscosanchezn/gin-sso/internal/metrics"
	"github.com/franciscosanchezn/gin-sso/internal/middleware"
	"github.com/franciscosanchezn/gin-sso/internal/models"
	"github.com/franciscosanchezn/gin-sso/internal/services"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xoauth2 "golang.org/x/oauth2"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const redirectURI = "https://app.example.com/cb"

type testServer struct {
	router    *gin.Engine
	provision services.ProvisionService
	tenant    *models.Tenant
	client    *models.OAuthClient
	secret    string
}

func setupServer(t *testing.T) *testServer {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(models.All()...))

	ctx := context.Background()
	km := keys.NewManager(keys.NewGormRepository(db), 24*time.Hour)
	tenants := services.NewTenantService(db)
	clients := services.NewClientService(db)
	users := services.NewUserService(db)
	provision := services.NewProvisionService(db, km, tenants, clients, "http://example.com")

	tenant, err := provision.CreateTenant(ctx, "acme", "RS256")
	require.NoError(t, err)
	_, err = provision.CreateUser(ctx, tenant.ID, services.UserSpec{
		Email: "alice@example.com", Password: "wonderland", Name: "Alice", EmailVerified: true,
	})
	require.NoError(t, err)
	client, secret, err := provision.CreateClient(ctx, tenant.ID, services.ClientSpec{
		Name:         "web",
		GrantTypes:   []string{"authorization_code", "refresh_token", "client_credentials"},
		RedirectURIs: []string{redirectURI},
		Scopes:       []string{"openid", "profile", "email", AdminScope},
	})
	require.NoError(t, err)

	svc := auth.NewOAuthService(auth.Dependencies{
		Clients:       clients,
		Users:         users,
		Store:         auth.NewGormStore(db),
		Keys:          km,
		Codec:         auth.NewCodec(km),
		Authenticator: auth.NewClientAuthenticator(clients, auth.NewMemoryReplayCache()),
		Metrics:       metrics.New(),
	}, auth.DefaultConfig())
	sessions := auth.NewSessionManager("test-session-secret", time.Hour)

	routes := Routes{
		OAuth:     NewOAuthController(svc, users, sessions, nil),
		WellKnown: NewWellKnownController(km),
		Auth:      NewAuthController(users, sessions, false),
		Clients:   NewClientController(clients, provision),
		Verifier:  svc,
	}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	routes.Register(router.Group("/tenant/:tenant_id", middleware.Tenant(tenants)))
	routes.RegisterProtocol(router.Group("", middleware.HostTenant(tenants)))

	return &testServer{router: router, provision: provision, tenant: tenant, client: client, secret: secret}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) postForm(path string, form url.Values, basicAuth bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if basicAuth {
		req.SetBasicAuth(s.client.ClientID, s.secret)
	}
	return s.do(req)
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestDiscoveryAndJWKS(t *testing.T) {
	s := setupServer(t)

	w := s.do(httptest.NewRequest("GET", "/tenant/acme/.well-known/openid-configuration", nil))
	require.Equal(t, http.StatusOK, w.Code)
	doc := decode[Discovery](t, w)
	assert.Equal(t, "http://example.com/tenant/1", doc.Issuer)
	assert.Equal(t, "http://example.com/tenant/1/oauth2/token", doc.TokenEndpoint)
	assert.Equal(t, []string{"RS256"}, doc.IDTokenSigningAlgValuesSupported)
	assert.Contains(t, doc.TokenEndpointAuthMethodsSupported, "private_key_jwt")
	assert.Contains(t, doc.CodeChallengeMethodsSupported, "S256")

	w = s.do(httptest.NewRequest("GET", "/tenant/1/.well-known/jwks.json", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "public, max-age=3600, stale-while-revalidate=3600", w.Header().Get("Cache-Control"))
	jwks := decode[map[string][]map[string]any](t, w)
	require.Len(t, jwks["keys"], 1)
	assert.Equal(t, s.tenant.KeyReference, jwks["keys"][0]["kid"])
	assert.Equal(t, "RSA", jwks["keys"][0]["kty"])
	assert.NotContains(t, jwks["keys"][0], "d")

	w = s.do(httptest.NewRequest("GET", "/tenant/nope/.well-known/jwks.json", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, models.ErrTenantNotFound, decode[models.APIError](t, w).Code)
}

func TestHostRouting(t *testing.T) {
	s := setupServer(t)

	req := httptest.NewRequest("GET", "/.well-known/openid-configuration", nil)
	req.Header.Set(middleware.TenantHeader, "acme")
	w := s.do(req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, s.tenant.IssuerURL, decode[Discovery](t, w).Issuer)

	req = httptest.NewRequest("GET", "/.well-known/openid-configuration", nil)
	req.Host = "acme.sso.example.com"
	w = s.do(req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestBrowserAuthorizationCodeFlow(t *testing.T) {
	s := setupServer(t)
	verifier := xoauth2.GenerateVerifier()
	authorize := url.Values{
		"response_type":  {"code"},
		"client_id":      {s.client.ClientID},
		"redirect_uri":   {redirectURI},
		"scope":          {"openid email"},
		"state":          {"af0ifjsldkj"},
		"nonce":          {"n-0S6"},
		"code_challenge": {xoauth2.S256ChallengeFromVerifier(verifier)},
	}

	// 1. no session: sent to login
	w := s.do(httptest.NewRequest("GET", "/tenant/1/oauth2/authorize?"+authorize.Encode(), nil))
	require.Equal(t, http.StatusFound, w.Code)
	loginURL, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/tenant/1/login", loginURL.Path)
	returnTo := loginURL.Query().Get("return_to")
	assert.True(t, strings.HasPrefix(returnTo, "http://example.com/tenant/1/oauth2/authorize?"))

	// 2. log in and resume
	w = s.postForm("/tenant/1/login", url.Values{
		"email": {"alice@example.com"}, "password": {"wonderland"}, "return_to": {returnTo},
	}, false)
	require.Equal(t, http.StatusSeeOther, w.Code, w.Body.String())
	assert.Equal(t, returnTo, w.Header().Get("Location"))
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	session := cookies[0]
	assert.True(t, session.HttpOnly)

	// 3. first visit asks for consent
	req := httptest.NewRequest("GET", "/tenant/1/oauth2/authorize?"+authorize.Encode(), nil)
	req.AddCookie(session)
	w = s.do(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	screen := decode[ConsentScreen](t, w)
	assert.True(t, screen.ConsentRequired)
	assert.Equal(t, "alice@example.com", screen.User)
	assert.Equal(t, "web", screen.Client.Name)
	assert.ElementsMatch(t, []ScopeDescription{
		{Scope: "openid", Description: models.DescribeScope("openid")},
		{Scope: "email", Description: models.DescribeScope("email")},
	}, screen.Scopes)
	assert.Equal(t, "http://example.com/tenant/1/oauth2/authorize", screen.Action)

	// confirm in a query string is ignored
	req = httptest.NewRequest("GET", "/tenant/1/oauth2/authorize?"+authorize.Encode()+"&confirm=allow", nil)
	req.AddCookie(session)
	assert.Equal(t, http.StatusOK, s.do(req).Code)

	// 4. approve
	approve := url.Values{}
	for k, v := range screen.Params {
		approve.Set(k, v)
	}
	approve.Set("confirm", "allow")
	req = httptest.NewRequest("POST", "/tenant/1/oauth2/authorize", strings.NewReader(approve.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(session)
	w = s.do(req)
	require.Equal(t, http.StatusFound, w.Code, w.Body.String())
	callback, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "app.example.com", callback.Host)
	assert.Equal(t, "af0ifjsldkj", callback.Query().Get("state"))
	code := callback.Query().Get("code")
	require.NotEmpty(t, code)

	// 5. exchange
	w = s.postForm("/tenant/1/oauth2/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"code_verifier": {verifier},
	}, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Equal(t, "no-cache", w.Header().Get("Pragma"))
	tokens := decode[auth.TokenResponse](t, w)
	assert.NotEmpty(t, tokens.IDToken)

	// replay is rejected
	w = s.postForm("/tenant/1/oauth2/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"code_verifier": {verifier},
	}, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_grant", decode[models.OAuth2Error](t, w).Error)
}

func TestUserInfoIntrospectRevoke(t *testing.T) {
	s := setupServer(t)

	w := s.postForm("/tenant/1/oauth2/token", url.Values{
		"grant_type": {"client_credentials"},
		"scope":      {"profile"},
	}, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	tokens := decode[auth.TokenResponse](t, w)
	assert.Empty(t, tokens.RefreshToken)

	// no openid scope
	req := httptest.NewRequest("GET", "/tenant/1/oauth2/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	w = s.do(req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.postForm("/tenant/1/oauth2/introspect", url.Values{"token": {tokens.AccessToken}}, true)
	require.Equal(t, http.StatusOK, w.Code)
	info := decode[auth.IntrospectionResponse](t, w)
	assert.True(t, info.Active)
	assert.Equal(t, "profile", info.Scope)
	assert.Empty(t, info.Sub)

	w = s.postForm("/tenant/1/oauth2/revoke", url.Values{"token": {tokens.AccessToken}}, true)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.postForm("/tenant/1/oauth2/introspect", url.Values{"token": {tokens.AccessToken}}, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"active": false}`, w.Body.String())

	w = s.postForm("/tenant/1/oauth2/introspect", url.Values{"token": {tokens.AccessToken}}, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "invalid_client", decode[models.OAuth2Error](t, w).Error)
}

func TestUnknownClientAtAuthorize(t *testing.T) {
	s := setupServer(t)
	w := s.do(httptest.NewRequest("GET", "/tenant/1/oauth2/authorize?response_type=code&client_id=ghost", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, models.ErrClientNotFound, decode[models.APIError](t, w).Code)

	w = s.do(httptest.NewRequest("GET", "/tenant/1/oauth2/authorize?response_type=code&client_id="+s.client.ClientID+
		"&redirect_uri="+url.QueryEscape("https://evil.example.com/"), nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", decode[models.OAuth2Error](t, w).Error)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	s := setupServer(t)

	w := s.postForm("/tenant/1/login", url.Values{"email": {"alice@example.com"}, "password": {"nope"}}, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, w.Result().Cookies())

	// return_to outside the tenant is dropped
	w = s.postForm("/tenant/1/login", url.Values{
		"email": {"alice@example.com"}, "password": {"wonderland"}, "return_to": {"https://evil.example.com/"},
	}, false)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.postForm("/tenant/1/logout", nil, false)
	assert.Equal(t, http.StatusNoContent, w.Code)
	require.Len(t, w.Result().Cookies(), 1)
	assert.Equal(t, -1, w.Result().Cookies()[0].MaxAge)
}

func TestAdminClientEndpoints(t *testing.T) {
	s := setupServer(t)

	w := s.do(httptest.NewRequest("GET", "/tenant/1/clients", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.postForm("/tenant/1/oauth2/token", url.Values{"grant_type": {"client_credentials"}, "scope": {AdminScope}}, true)
	require.Equal(t, http.StatusOK, w.Code)
	admin := decode[auth.TokenResponse](t, w).AccessToken

	authed := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+admin)
		req.Header.Set("Content-Type", "application/json")
		return s.do(req)
	}

	w = authed("POST", "/tenant/1/clients", `{"name":"cli","grant_types":["client_credentials"],"scopes":["profile"]}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[map[string]any](t, w)
	assert.NotEmpty(t, created["client_secret"])

	w = authed("POST", "/tenant/1/clients", `{"name":"bad"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = authed("GET", "/tenant/1/clients", "")
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[ClientPage](t, w)
	assert.Equal(t, int64(2), page.Count)
	require.Len(t, page.Results, 2)
	assert.Equal(t, created["client_id"], page.Results[0].ClientID, "newest first")

	w = authed("GET", "/tenant/1/clients?page=2&size=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	page = decode[ClientPage](t, w)
	assert.Equal(t, int64(2), page.Count)
	require.Len(t, page.Results, 1)
	assert.Equal(t, s.client.ClientID, page.Results[0].ClientID)

	w = authed("GET", "/tenant/1/clients?size=0", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// private_key_jwt clients get their keys through the credentials endpoint
	w = authed("POST", "/tenant/1/clients", `{"client_id":"signer","name":"signer","grant_types":["client_credentials"],"token_endpoint_auth_method":"private_key_jwt"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pemData, err := keys.EncodePublicKey(&priv.PublicKey)
	require.NoError(t, err)
	credBody, err := json.Marshal(AddCredentialRequest{Name: "main", Algorithm: "ES256", PEMData: pemData})
	require.NoError(t, err)

	w = authed("POST", "/tenant/1/clients/signer/credentials", string(credBody))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	cred := decode[map[string]any](t, w)
	thumbprint, err := keys.Thumbprint(&priv.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, thumbprint, cred["thumbprint"])
	assert.Equal(t, "ES256", cred["algorithm"])
	assert.NotContains(t, cred, "PEMData")

	w = authed("POST", "/tenant/1/clients/signer/credentials", string(credBody))
	assert.Equal(t, http.StatusConflict, w.Code)
	w = authed("POST", "/tenant/1/clients/nobody/credentials", string(credBody))
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = authed("POST", "/tenant/1/clients/signer/credentials", `{"algorithm":"RS256","pem_data":"not a key"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = authed("POST", "/tenant/1/clients/signer/credentials", `{"algorithm":"ES256"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = authed("DELETE", "/tenant/1/clients/signer", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = authed("DELETE", "/tenant/1/clients/"+created["client_id"].(string), "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = authed("DELETE", "/tenant/1/clients/"+created["client_id"].(string), "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = authed("POST", "/tenant/1/keys/rotate", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEqual(t, s.tenant.KeyReference, decode[map[string]any](t, w)["kid"])

	// a token without the admin scope is not enough
	w = s.postForm("/tenant/1/oauth2/token", url.Values{"grant_type": {"client_credentials"}, "scope": {"profile"}}, true)
	require.Equal(t, http.StatusOK, w.Code)
	req := httptest.NewRequest("GET", "/tenant/1/clients", nil)
	req.Header.Set("Authorization", "Bearer "+decode[auth.TokenResponse](t, w).AccessToken)
	assert.Equal(t, http.StatusForbidden, s.do(req).Code)
}

type brokenProvision struct {
	services.ProvisionService
	err error
}

func (p brokenProvision) CreateClient(context.Context, uint, services.ClientSpec) (*models.OAuthClient, string, error) {
	return nil, "", p.err
}

func TestCreateClientHidesServerFaults(t *testing.T) {
	gin.SetMode(gin.TestMode)
	create := func(err error) *httptest.ResponseRecorder {
		cc := NewClientController(nil, brokenProvision{err: err})
		router := gin.New()
		router.POST("/clients", func(c *gin.Context) {
			c.Set(middleware.TenantKey, &models.Tenant{ID: 1, Name: "acme"})
			cc.CreateClient(c)
		})
		req := httptest.NewRequest("POST", "/clients", strings.NewReader(`{"name":"cli","grant_types":["client_credentials"]}`))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	w := create(errors.New("dial tcp 10.0.0.7:5432: connect: connection refused"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "10.0.0.7")
	assert.Equal(t, models.ErrInternalServer, decode[models.APIError](t, w).Code)

	w = create(fmt.Errorf("%w: unsupported token_endpoint_auth_method %q", services.ErrInvalidSpec, "tls"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "token_endpoint_auth_method")

	w = create(fmt.Errorf("client %q: %w", "cli", services.ErrAlreadyExists))
	assert.Equal(t, http.StatusConflict, w.Code)
}
