package controllers

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/franciscosanchezn/gin-sso/internal/auth"
	"github.com/franciscosanchezn/gin-sso/internal/middleware"
	"github.com/franciscosanchezn/gin-sso/internal/models"
	"github.com/franciscosanchezn/gin-sso/internal/services"
	"github.com/gin-gonic/gin"
	oauth2errors "github.com/go-oauth2/oauth2/v4/errors"
	log "github.com/sirupsen/logrus"
)

// OAuthController serves the protocol endpoints of a tenant
type OAuthController struct {
	oauth    *auth.OAuthService
	users    services.UserService
	sessions *auth.SessionManager
	consent  ConsentRenderer
}

func NewOAuthController(oauth *auth.OAuthService, users services.UserService, sessions *auth.SessionManager, consent ConsentRenderer) *OAuthController {
	if consent == nil {
		consent = JSONConsentRenderer{}
	}
	return &OAuthController{oauth: oauth, users: users, sessions: sessions, consent: consent}
}

// Authorize godoc
// @Summary Authorization endpoint
// @Description Starts an authorization code, implicit or hybrid flow. Redirects back to the client, to the login endpoint, or answers with the consent screen.
// @Tags OAuth2
// @Produce json
// @Param tenant_id path string true "Tenant id or name"
// @Param response_type query string true "code, token, id_token or a combination"
// @Param client_id query string true "Client identifier"
// @Param redirect_uri query string false "Registered redirect URI"
// @Param scope query string false "Space-delimited scopes"
// @Param state query string false "Opaque client state"
// @Param nonce query string false "OpenID Connect nonce"
// @Param code_challenge query string false "PKCE challenge"
// @Param code_challenge_method query string false "S256 or plain"
// @Param confirm formData string false "allow or deny, posted from the consent screen"
// @Success 200 {object} ConsentScreen "Consent required"
// @Success 302 "Redirect to the client or to login"
// @Failure 400 {object} models.OAuth2Error
// @Failure 404 {object} models.APIError
// @Router /tenant/{tenant_id}/oauth2/authorize [get]
// @Router /tenant/{tenant_id}/oauth2/authorize [post]
func (oc *OAuthController) Authorize(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		writeOAuthError(c, auth.NewOAuth2Error(oauth2errors.ErrInvalidRequest, "malformed request"))
		return
	}
	form := c.Request.Form
	tenant := middleware.GetTenant(c)

	req := auth.AuthorizeRequest{
		Tenant:              tenant,
		ResponseType:        form.Get("response_type"),
		ClientID:            form.Get("client_id"),
		RedirectURI:         form.Get("redirect_uri"),
		Scope:               form.Get("scope"),
		State:               form.Get("state"),
		Nonce:               form.Get("nonce"),
		CodeChallenge:       form.Get("code_challenge"),
		CodeChallengeMethod: form.Get("code_challenge_method"),
	}
	req.User, req.AuthTime = oc.sessionUser(c, tenant)

	// a decision only counts when posted, never from a link
	if c.Request.Method == http.MethodPost {
		switch c.Request.PostForm.Get("confirm") {
		case "allow":
			req.Consent = auth.ConsentAllow
		case "deny":
			req.Consent = auth.ConsentDeny
		}
	}

	result, err := oc.oauth.Authorize(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			c.JSON(http.StatusNotFound, models.NewAPIError(models.ErrClientNotFound, "Unknown client"))
			return
		}
		writeOAuthError(c, err)
		return
	}

	switch result.Kind {
	case auth.ResultLoginRequired:
		returnTo := authorizeURL(tenant, withoutConfirm(form))
		c.Redirect(http.StatusFound, tenant.IssuerURL+"/login?"+url.Values{"return_to": {returnTo}}.Encode())
	case auth.ResultConsentRequired:
		oc.consent.RenderConsent(c, ConsentRequest{
			Tenant: tenant,
			Client: result.Client,
			User:   req.User,
			Scope:  result.Scope,
			Action: tenant.IssuerURL + "/oauth2/authorize",
			Params: withoutConfirm(form),
		})
	default:
		c.Redirect(http.StatusFound, result.RedirectURL)
	}
}

// sessionUser returns the logged-in, still active user of the tenant, if any
func (oc *OAuthController) sessionUser(c *gin.Context, tenant *models.Tenant) (*models.User, time.Time) {
	raw, err := c.Cookie(auth.SessionCookieName(tenant))
	if err != nil {
		return nil, time.Time{}
	}
	userID, authTime, err := oc.sessions.Parse(tenant, raw)
	if err != nil {
		return nil, time.Time{}
	}
	user, err := oc.users.GetUser(c.Request.Context(), tenant.ID, userID)
	if err != nil {
		if !errors.Is(err, services.ErrNotFound) {
			log.WithError(err).WithField("tenant_id", tenant.ID).Error("Failed to load session user")
		}
		return nil, time.Time{}
	}
	if !user.IsActive {
		return nil, time.Time{}
	}
	return user, authTime
}

// Token godoc
// @Summary Token endpoint
// @Description Exchanges an authorization code, refresh token, client credentials or resource owner password for tokens
// @Tags OAuth2
// @Accept x-www-form-urlencoded
// @Produce json
// @Param tenant_id path string true "Tenant id or name"
// @Param grant_type formData string true "authorization_code, refresh_token, client_credentials or password"
// @Param code formData string false "Authorization code"
// @Param redirect_uri formData string false "Redirect URI used at the authorization endpoint"
// @Param code_verifier formData string false "PKCE verifier"
// @Param refresh_token formData string false "Refresh token"
// @Param scope formData string false "Requested scope"
// @Param username formData string false "Resource owner email"
// @Param password formData string false "Resource owner password"
// @Success 200 {object} auth.TokenResponse
// @Failure 400 {object} models.OAuth2Error
// @Failure 401 {object} models.OAuth2Error
// @Router /tenant/{tenant_id}/oauth2/token [post]
func (oc *OAuthController) Token(c *gin.Context) {
	creds, ok := parseClientRequest(c)
	if !ok {
		return
	}
	form := c.Request.PostForm

	resp, err := oc.oauth.Token(c.Request.Context(), auth.TokenRequest{
		Tenant:       middleware.GetTenant(c),
		GrantType:    form.Get("grant_type"),
		Credentials:  creds,
		Code:         form.Get("code"),
		RedirectURI:  form.Get("redirect_uri"),
		CodeVerifier: form.Get("code_verifier"),
		RefreshToken: form.Get("refresh_token"),
		Scope:        form.Get("scope"),
		Username:     form.Get("username"),
		Password:     form.Get("password"),
	})
	if err != nil {
		writeOAuthError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Introspect godoc
// @Summary Token introspection (RFC 7662)
// @Tags OAuth2
// @Accept x-www-form-urlencoded
// @Produce json
// @Param tenant_id path string true "Tenant id or name"
// @Param token formData string true "Token to introspect"
// @Param token_type_hint formData string false "access_token or refresh_token"
// @Success 200 {object} auth.IntrospectionResponse
// @Failure 401 {object} models.OAuth2Error
// @Router /tenant/{tenant_id}/oauth2/introspect [post]
func (oc *OAuthController) Introspect(c *gin.Context) {
	creds, ok := parseClientRequest(c)
	if !ok {
		return
	}
	form := c.Request.PostForm

	resp, err := oc.oauth.Introspect(c.Request.Context(), middleware.GetTenant(c), creds,
		form.Get("token"), form.Get("token_type_hint"))
	if err != nil {
		writeOAuthError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Revoke godoc
// @Summary Token revocation (RFC 7009)
// @Tags OAuth2
// @Accept x-www-form-urlencoded
// @Param tenant_id path string true "Tenant id or name"
// @Param token formData string true "Token to revoke"
// @Param token_type_hint formData string false "access_token or refresh_token"
// @Success 200 "Revoked, or nothing to revoke"
// @Failure 401 {object} models.OAuth2Error
// @Router /tenant/{tenant_id}/oauth2/revoke [post]
func (oc *OAuthController) Revoke(c *gin.Context) {
	creds, ok := parseClientRequest(c)
	if !ok {
		return
	}
	form := c.Request.PostForm

	err := oc.oauth.Revoke(c.Request.Context(), middleware.GetTenant(c), creds,
		form.Get("token"), form.Get("token_type_hint"))
	if err != nil {
		writeOAuthError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// UserInfo godoc
// @Summary OpenID Connect userinfo
// @Tags OpenID Connect
// @Produce json
// @Param tenant_id path string true "Tenant id or name"
// @Success 200 {object} map[string]interface{}
// @Failure 401 {object} models.OAuth2Error
// @Failure 403 {object} models.OAuth2Error
// @Security BearerAuth
// @Router /tenant/{tenant_id}/oauth2/userinfo [get]
// @Router /tenant/{tenant_id}/oauth2/userinfo [post]
func (oc *OAuthController) UserInfo(c *gin.Context) {
	claims, ok := middleware.GetAccessClaims(c)
	if !ok {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	info, err := oc.oauth.UserInfo(c.Request.Context(), middleware.GetTenant(c), claims)
	if err != nil {
		writeOAuthError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func parseClientRequest(c *gin.Context) (auth.ClientCredentials, bool) {
	if err := c.Request.ParseForm(); err != nil {
		writeOAuthError(c, auth.NewOAuth2Error(oauth2errors.ErrInvalidRequest, "malformed form body"))
		return auth.ClientCredentials{}, false
	}
	creds, oerr := auth.ParseClientCredentials(c.Request)
	if oerr != nil {
		writeOAuthError(c, oerr)
		return auth.ClientCredentials{}, false
	}
	return creds, true
}

// writeOAuthError renders an RFC 6749 error body; infrastructure failures never leak detail
func writeOAuthError(c *gin.Context, err error) {
	oerr := auth.AsOAuth2Error(err)
	if oerr.Status >= http.StatusInternalServerError {
		log.WithError(err).WithFields(log.Fields{
			"request_id": c.GetString(middleware.RequestIDKey),
			"path":       c.FullPath(),
		}).Error("Request failed")
	}
	if oerr.Status == http.StatusUnauthorized && oerr.Code() == models.ErrInvalidClient {
		if _, _, basic := c.Request.BasicAuth(); basic {
			c.Header("WWW-Authenticate", `Basic realm="`+middleware.GetTenant(c).IssuerURL+`"`)
		}
	}
	c.AbortWithStatusJSON(oerr.Status, oerr.Response())
}

func authorizeURL(tenant *models.Tenant, params url.Values) string {
	return tenant.IssuerURL + "/oauth2/authorize?" + params.Encode()
}

func withoutConfirm(form url.Values) url.Values {
	params := url.Values{}
	for k, v := range form {
		if k != "confirm" {
			params[k] = v
		}
	}
	return params
}
