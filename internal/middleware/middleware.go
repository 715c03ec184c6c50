package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/franciscosanchezn/gin-sso/internal/auth"
	"github.com/franciscosanchezn/gin-sso/internal/models"
	"github.com/franciscosanchezn/gin-sso/internal/services"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Context keys set by the middlewares in this package
const (
	TenantKey       = "tenant"
	AccessClaimsKey = "accessClaims"
	ClientIDKey     = "clientID"
	ScopesKey       = "scopes"
	RequestIDKey    = "requestID"
)

// TenantHeader overrides host-based tenant resolution
const TenantHeader = "X-Tenant"

// TokenVerifier validates bearer access tokens for a tenant
type TokenVerifier interface {
	VerifyAccessToken(ctx context.Context, tenant *models.Tenant, token string) (*auth.AccessClaims, error)
}

// Tenant resolves the :tenant_id path parameter, by id or name
func Tenant(tenants services.TenantService) gin.HandlerFunc {
	return func(c *gin.Context) {
		resolveTenant(c, func(ctx context.Context) (*models.Tenant, error) {
			return tenants.ResolveTenant(ctx, c.Param("tenant_id"))
		})
	}
}

// HostTenant resolves the tenant from the X-Tenant header, falling back to the Host's first label
func HostTenant(tenants services.TenantService) gin.HandlerFunc {
	return func(c *gin.Context) {
		resolveTenant(c, func(ctx context.Context) (*models.Tenant, error) {
			if id := c.GetHeader(TenantHeader); id != "" {
				return tenants.ResolveTenant(ctx, id)
			}
			return tenants.ResolveHost(ctx, c.Request.Host)
		})
	}
}

func resolveTenant(c *gin.Context, resolve func(context.Context) (*models.Tenant, error)) {
	tenant, err := resolve(c.Request.Context())
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, models.NewAPIError(models.ErrTenantNotFound, "Unknown tenant"))
			return
		}
		log.WithError(err).Error("Failed to resolve tenant")
		c.AbortWithStatusJSON(http.StatusInternalServerError, models.NewAPIError(models.ErrInternalServer, "Failed to resolve tenant"))
		return
	}
	c.Set(TenantKey, tenant)
	c.Next()
}

// GetTenant returns the tenant resolved for this request; it panics if no tenant middleware ran
func GetTenant(c *gin.Context) *models.Tenant {
	return c.MustGet(TenantKey).(*models.Tenant)
}

// BearerAuth validates an RFC 6750 bearer access token issued by the request's tenant
func BearerAuth(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			respondWithOAuth2Error(c, http.StatusUnauthorized, "", "")
			return
		}

		scheme, tokenString, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			respondWithOAuth2Error(c, http.StatusBadRequest, models.ErrInvalidRequest,
				"Authorization header must use Bearer scheme")
			return
		}

		tokenString = strings.TrimSpace(tokenString)
		if tokenString == "" {
			respondWithOAuth2Error(c, http.StatusUnauthorized, models.ErrInvalidToken, "Bearer token is empty")
			return
		}

		claims, err := verifier.VerifyAccessToken(c.Request.Context(), GetTenant(c), tokenString)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				respondWithOAuth2Error(c, http.StatusUnauthorized, models.ErrInvalidToken,
					"The access token is invalid, expired or revoked")
				return
			}
			oerr := auth.AsOAuth2Error(err)
			log.WithError(err).Error("Access token verification failed")
			c.AbortWithStatusJSON(oerr.Status, oerr.Response())
			return
		}

		c.Set(AccessClaimsKey, claims)
		c.Set(ClientIDKey, claims.ClientID)
		c.Set(ScopesKey, claims.Scope)
		c.Next()
	}
}

// GetAccessClaims returns the verified bearer token claims, if BearerAuth ran
func GetAccessClaims(c *gin.Context) (*auth.AccessClaims, bool) {
	v, ok := c.Get(AccessClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*auth.AccessClaims)
	return claims, ok
}

// respondWithOAuth2Error responds with the RFC 6750 error body and WWW-Authenticate challenge
func respondWithOAuth2Error(c *gin.Context, status int, errorCode, description string) {
	var params []string
	if tenant, ok := c.Get(TenantKey); ok {
		params = append(params, fmt.Sprintf(`realm="%s"`, tenant.(*models.Tenant).IssuerURL))
	}
	if errorCode != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, errorCode))
	}
	if description != "" {
		params = append(params, fmt.Sprintf(`error_description="%s"`, description))
	}
	challenge := "Bearer"
	if len(params) > 0 {
		challenge += " " + strings.Join(params, ", ")
	}
	c.Header("WWW-Authenticate", challenge)

	if errorCode == "" {
		c.AbortWithStatus(status)
		return
	}
	c.AbortWithStatusJSON(status, models.NewOAuth2Error(errorCode, description))
}
