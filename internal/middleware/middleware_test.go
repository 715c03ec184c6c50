package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/franciscosanchezn/gin-sso/internal/auth"
	"github.com/franciscosanchezn/gin-sso/internal/models"
	"github.com/franciscosanchezn/gin-sso/internal/services"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTenants struct {
	tenants map[string]*models.Tenant
}

func (f *fakeTenants) ResolveTenant(_ context.Context, identifier string) (*models.Tenant, error) {
	if t, ok := f.tenants[identifier]; ok {
		return t, nil
	}
	return nil, services.ErrNotFound
}

func (f *fakeTenants) ResolveHost(ctx context.Context, host string) (*models.Tenant, error) {
	return f.ResolveTenant(ctx, host)
}

func (f *fakeTenants) ListTenants(context.Context) ([]models.Tenant, error) { return nil, nil }
func (f *fakeTenants) Invalidate(uint)                                      {}

type fakeVerifier map[string]*auth.AccessClaims

func (f fakeVerifier) VerifyAccessToken(_ context.Context, _ *models.Tenant, token string) (*auth.AccessClaims, error) {
	if claims, ok := f[token]; ok {
		return claims, nil
	}
	return nil, auth.ErrInvalidToken
}

var acme = &models.Tenant{ID: 1, Name: "acme", IssuerURL: "https://sso.example.com/tenant/1"}

func setupRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	tenants := &fakeTenants{tenants: map[string]*models.Tenant{"1": acme, "acme": acme, "acme.sso.example.com": acme}}
	group := router.Group("/tenant/:tenant_id", Tenant(tenants))
	group.GET("/resource", append(handlers, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"tenant": GetTenant(c).Name})
	})...)
	router.GET("/host", HostTenant(tenants), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"tenant": GetTenant(c).Name})
	})
	return router
}

func TestTenantResolution(t *testing.T) {
	router := setupRouter()

	for _, path := range []string{"/tenant/1/resource", "/tenant/acme/resource"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/tenant/404/resource", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	var apiErr models.APIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &apiErr))
	assert.Equal(t, models.ErrTenantNotFound, apiErr.Code)
}

func TestHostTenantResolution(t *testing.T) {
	router := setupRouter()

	req := httptest.NewRequest("GET", "/host", nil)
	req.Host = "acme.sso.example.com"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest("GET", "/host", nil)
	req.Host = "unknown.example.com"
	req.Header.Set(TenantHeader, "acme")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest("GET", "/host", nil)
	req.Host = "unknown.example.com"
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBearerAuth(t *testing.T) {
	verifier := fakeVerifier{
		"good": {
			RegisteredClaims: jwt.RegisteredClaims{Subject: "7"},
			ClientID:         "client-a",
			Scope:            "openid orders:read",
		},
	}
	router := setupRouter(BearerAuth(verifier), RequireScope("orders:read"))
	adminRouter := setupRouter(BearerAuth(verifier), RequireScope("orders:write"))

	tests := []struct {
		name       string
		router     *gin.Engine
		header     string
		wantStatus int
		wantError  string
	}{
		{"missing header", router, "", http.StatusUnauthorized, ""},
		{"wrong scheme", router, "Basic Zm9vOmJhcg==", http.StatusBadRequest, "invalid_request"},
		{"empty token", router, "Bearer ", http.StatusUnauthorized, "invalid_token"},
		{"invalid token", router, "Bearer forged", http.StatusUnauthorized, "invalid_token"},
		{"valid token", router, "Bearer good", http.StatusOK, ""},
		{"case-insensitive scheme", router, "bearer good", http.StatusOK, ""},
		{"insufficient scope", adminRouter, "Bearer good", http.StatusForbidden, "insufficient_scope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/tenant/1/resource", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			tt.router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusUnauthorized {
				assert.Contains(t, w.Header().Get("WWW-Authenticate"), `Bearer realm="https://sso.example.com/tenant/1"`)
			}
			if tt.wantError != "" {
				var body models.OAuth2Error
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
				assert.Equal(t, tt.wantError, body.Error)
			}
		})
	}
}

func TestRateLimiter(t *testing.T) {
	limiter := NewRateLimiter(1, 2)
	router := setupRouter(limiter.Middleware())

	codes := make([]int, 0, 3)
	for range 3 {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/tenant/1/resource", nil))
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	now := time.Now()
	assert.True(t, limiter.allow("10.0.0.2", now))
	assert.True(t, limiter.allow("10.0.0.1", now.Add(visitorIdle+time.Minute)))
}

func TestTimeoutAndRequestID(t *testing.T) {
	var deadline time.Time
	router := setupRouter(RequestLogger(), Timeout(time.Second), func(c *gin.Context) {
		deadline, _ = c.Request.Context().Deadline()
		c.Next()
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/tenant/1/resource", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))
	assert.WithinDuration(t, time.Now().Add(time.Second), deadline, time.Second)
}
