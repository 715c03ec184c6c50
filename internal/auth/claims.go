package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// JOSE typ header values per token kind
const (
	typAccessToken  = "at+jwt"
	typRefreshToken = "rt+jwt"
	typIDToken      = "JWT"
)

// Claims is implemented by every token kind the codec signs
type Claims interface {
	jwt.Claims
	tokenType() string
}

// AccessClaims follows the RFC 9068 JWT access token profile
type AccessClaims struct {
	jwt.RegisteredClaims
	ClientID string           `json:"client_id"`
	Scope    string           `json:"scope,omitempty"`
	AuthTime *jwt.NumericDate `json:"auth_time,omitempty"`
}

func (AccessClaims) tokenType() string { return typAccessToken }

func (c AccessClaims) Validate() error {
	if c.ClientID == "" {
		return errors.New("missing client_id")
	}
	return requireBase(c.RegisteredClaims)
}

type RefreshClaims struct {
	jwt.RegisteredClaims
	ClientID string           `json:"client_id"`
	Scope    string           `json:"scope,omitempty"`
	AuthTime *jwt.NumericDate `json:"auth_time,omitempty"`
}

func (RefreshClaims) tokenType() string { return typRefreshToken }

func (c RefreshClaims) Validate() error {
	if c.ClientID == "" {
		return errors.New("missing client_id")
	}
	return requireBase(c.RegisteredClaims)
}

// IDClaims is an OpenID Connect ID token; profile and email claims are set only when granted
type IDClaims struct {
	jwt.RegisteredClaims
	AuthTime        *jwt.NumericDate `json:"auth_time,omitempty"`
	Nonce           string           `json:"nonce,omitempty"`
	AuthorizedParty string           `json:"azp,omitempty"`
	AccessTokenHash string           `json:"at_hash,omitempty"`
	CodeHash        string           `json:"c_hash,omitempty"`

	Name          string `json:"name,omitempty"`
	GivenName     string `json:"given_name,omitempty"`
	FamilyName    string `json:"family_name,omitempty"`
	Email         string `json:"email,omitempty"`
	EmailVerified *bool  `json:"email_verified,omitempty"`
}

func (IDClaims) tokenType() string { return typIDToken }

func (c IDClaims) Validate() error {
	if c.Subject == "" {
		return errors.New("missing sub")
	}
	return requireBase(c.RegisteredClaims)
}

func requireBase(c jwt.RegisteredClaims) error {
	switch {
	case c.Issuer == "":
		return errors.New("missing iss")
	case c.IssuedAt == nil:
		return errors.New("missing iat")
	case c.ExpiresAt == nil:
		return errors.New("missing exp")
	case c.ID == "":
		return errors.New("missing jti")
	}
	return nil
}
