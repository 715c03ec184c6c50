package controllers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/franciscosanchezn/gin-sso/internal/auth"
	"github.com/franciscosanchezn/gin-sso/internal/middleware"
	"github.com/franciscosanchezn/gin-sso/internal/models"
	"github.com/franciscosanchezn/gin-sso/internal/services"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// AuthController manages the browser session the authorization endpoint relies on
type AuthController struct {
	userService  services.UserService
	sessions     *auth.SessionManager
	secureCookie bool
}

func NewAuthController(userService services.UserService, sessions *auth.SessionManager, secureCookie bool) *AuthController {
	return &AuthController{
		userService:  userService,
		sessions:     sessions,
		secureCookie: secureCookie,
	}
}

type LoginRequest struct {
	Email    string `json:"email" form:"email" binding:"required,email"`
	Password string `json:"password" form:"password" binding:"required"`
	ReturnTo string `json:"return_to" form:"return_to"`
}

// LoginPrompt godoc
// @Summary Describe the login step
// @Description Where the authorization endpoint sends users without a session; tells the UI where to post credentials
// @Tags Session
// @Produce json
// @Param tenant_id path string true "Tenant id or name"
// @Param return_to query string false "Authorization request to resume"
// @Success 200 {object} map[string]interface{}
// @Router /tenant/{tenant_id}/login [get]
func (ac *AuthController) LoginPrompt(c *gin.Context) {
	tenant := middleware.GetTenant(c)
	c.JSON(http.StatusOK, gin.H{
		"login_required": true,
		"tenant":         tenant.Name,
		"action":         tenant.IssuerURL + "/login",
		"return_to":      safeReturnTo(tenant, c.Query("return_to")),
	})
}

// Login godoc
// @Summary Log in to a tenant
// @Description Verifies email and password and sets the tenant session cookie. Redirects to return_to when it points back into the tenant.
// @Tags Session
// @Accept json,x-www-form-urlencoded
// @Produce json
// @Param tenant_id path string true "Tenant id or name"
// @Param credentials body LoginRequest true "User credentials"
// @Success 200 {object} map[string]interface{}
// @Success 303 "Redirect to return_to"
// @Failure 400 {object} models.APIError
// @Failure 401 {object} models.APIError
// @Router /tenant/{tenant_id}/login [post]
func (ac *AuthController) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.NewAPIError(models.ErrValidationFailed, err.Error()))
		return
	}

	tenant := middleware.GetTenant(c)
	user, err := ac.userService.Authenticate(c.Request.Context(), tenant, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, services.ErrInvalidCredentials) {
			log.WithField("tenant_id", tenant.ID).Info("Login failed")
			c.JSON(http.StatusUnauthorized, models.NewAPIError(models.ErrUnauthorized, "invalid_credentials"))
			return
		}
		writeOAuthError(c, err)
		return
	}

	session, err := ac.sessions.Issue(tenant, user)
	if err != nil {
		log.WithError(err).Error("Failed to sign session")
		c.JSON(http.StatusInternalServerError, models.NewAPIError(models.ErrInternalServer, "session_generation_failed"))
		return
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(auth.SessionCookieName(tenant), session, int(ac.sessions.TTL().Seconds()), "/", "", ac.secureCookie, true)

	log.WithFields(log.Fields{"tenant_id": tenant.ID, "user_id": user.ID}).Info("User logged in")

	if returnTo := safeReturnTo(tenant, req.ReturnTo); returnTo != "" {
		c.Redirect(http.StatusSeeOther, returnTo)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user": gin.H{
			"id":    user.ID,
			"email": user.Email,
			"name":  user.Name,
		},
	})
}

// Logout godoc
// @Summary Log out of a tenant
// @Tags Session
// @Param tenant_id path string true "Tenant id or name"
// @Success 204 "Session cleared"
// @Router /tenant/{tenant_id}/logout [post]
func (ac *AuthController) Logout(c *gin.Context) {
	tenant := middleware.GetTenant(c)
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(auth.SessionCookieName(tenant), "", -1, "/", "", ac.secureCookie, true)
	c.Status(http.StatusNoContent)
}

// safeReturnTo only allows resuming requests under the tenant's own issuer
func safeReturnTo(tenant *models.Tenant, returnTo string) string {
	if strings.HasPrefix(returnTo, tenant.IssuerURL+"/") {
		return returnTo
	}
	return ""
}
