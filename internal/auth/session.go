package auth

import (
	"errors"
	"strconv"
	"time"

	"github.com/franciscosanchezn/gin-sso/internal/models"
	"github.com/golang-jwt/jwt/v5"
)

const sessionCookiePrefix = "sso_session_"

// SessionCookieName is the browser login cookie of one tenant
func SessionCookieName(tenant *models.Tenant) string {
	return sessionCookiePrefix + strconv.FormatUint(uint64(tenant.ID), 10)
}

var ErrNoSession = errors.New("no valid session")

// SessionClaims identify the logged-in user of one tenant
type SessionClaims struct {
	jwt.RegisteredClaims
	TenantID uint             `json:"tid"`
	AuthTime *jwt.NumericDate `json:"auth_time"`
}

// SessionManager issues and checks HS256 session cookies
type SessionManager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewSessionManager(secret string, ttl time.Duration) *SessionManager {
	return &SessionManager{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (m *SessionManager) TTL() time.Duration {
	return m.ttl
}

// Issue returns a signed session for user, logged in now
func (m *SessionManager) Issue(tenant *models.Tenant, user *models.User) (string, error) {
	now := m.now()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uint64(user.ID), 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
		TenantID: tenant.ID,
		AuthTime: jwt.NewNumericDate(now),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Parse validates a session cookie and returns the user ID and login time
func (m *SessionManager) Parse(tenant *models.Tenant, raw string) (uint, time.Time, error) {
	if raw == "" {
		return 0, time.Time{}, ErrNoSession
	}
	var claims SessionClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired(), jwt.WithTimeFunc(m.now))
	if err != nil || claims.TenantID != tenant.ID {
		return 0, time.Time{}, ErrNoSession
	}
	userID, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil {
		return 0, time.Time{}, ErrNoSession
	}
	var authTime time.Time
	if claims.AuthTime != nil {
		authTime = claims.AuthTime.Time
	}
	return uint(userID), authTime, nil
}
