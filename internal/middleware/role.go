package middleware

import (
	"net/http"
	"strings"

	"github.com/franciscosanchezn/gin-sso/internal/models"
	"github.com/gin-gonic/gin"
)

// RequireScope rejects bearer tokens that were not granted every listed scope
func RequireScope(required ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Get scopes from context (set by BearerAuth middleware)
		scopes, exists := c.Get(ScopesKey)
		if !exists {
			respondWithOAuth2Error(c, http.StatusUnauthorized, "", "")
			return
		}

		granted, ok := scopes.(string)
		if !ok {
			respondWithOAuth2Error(c, http.StatusForbidden, models.ErrInsufficientScope, "Invalid scope format")
			return
		}

		for _, scope := range required {
			if !models.HasScope(granted, scope) {
				c.Header("WWW-Authenticate", `Bearer error="insufficient_scope", scope="`+strings.Join(required, " ")+`"`)
				c.AbortWithStatusJSON(http.StatusForbidden, models.NewOAuth2Error(models.ErrInsufficientScope,
					"The access token lacks the "+scope+" scope"))
				return
			}
		}

		c.Next()
	}
}
