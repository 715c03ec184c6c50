package controllers

import (
	"github.com/franciscosanchezn/gin-sso/internal/middleware"
	"github.com/gin-gonic/gin"
)

// Routes wires the tenant-scoped controllers onto a router group whose tenant is already resolved
type Routes struct {
	OAuth     *OAuthController
	WellKnown *WellKnownController
	Auth      *AuthController
	Clients   *ClientController
	Verifier  middleware.TokenVerifier
	Limiter   *middleware.RateLimiter
}

// RegisterProtocol mounts the OAuth2 and discovery endpoints
func (r Routes) RegisterProtocol(group *gin.RouterGroup) {
	wellKnown := group.Group("/.well-known")
	{
		wellKnown.GET("/openid-configuration", r.WellKnown.OpenIDConfiguration)
		wellKnown.GET("/jwks.json", r.WellKnown.JWKS)
	}

	oauth := group.Group("/oauth2")
	{
		oauth.GET("/authorize", r.OAuth.Authorize)
		oauth.POST("/authorize", r.OAuth.Authorize)

		// Client-authenticated endpoints
		clientAPI := oauth.Group("", middleware.NoStore())
		if r.Limiter != nil {
			clientAPI.Use(r.Limiter.Middleware())
		}
		{
			clientAPI.POST("/token", r.OAuth.Token)
			clientAPI.POST("/introspect", r.OAuth.Introspect)
			clientAPI.POST("/revoke", r.OAuth.Revoke)
		}

		userinfo := oauth.Group("/userinfo", middleware.BearerAuth(r.Verifier), middleware.RequireScope("openid"))
		{
			userinfo.GET("", r.OAuth.UserInfo)
			userinfo.POST("", r.OAuth.UserInfo)
		}
	}
}

// Register mounts everything: protocol, session and administration endpoints
func (r Routes) Register(group *gin.RouterGroup) {
	r.RegisterProtocol(group)

	group.GET("/login", r.Auth.LoginPrompt)
	group.POST("/login", r.Auth.Login)
	group.POST("/logout", r.Auth.Logout)

	// Protected routes (requires a bearer token with the admin scope)
	admin := group.Group("", middleware.BearerAuth(r.Verifier), middleware.RequireScope(AdminScope))
	{
		admin.GET("/clients", r.Clients.ListClients)
		admin.POST("/clients", r.Clients.CreateClient)
		admin.DELETE("/clients/:client_id", r.Clients.DeleteClient)
		admin.POST("/clients/:client_id/credentials", r.Clients.AddCredential)
		admin.POST("/keys/rotate", r.Clients.RotateKeys)
	}
}
