package auth

import (
	"context"
	"errors"
	"strconv"

	"github.com/franciscosanchezn/gin-sso/internal/models"
	"github.com/franciscosanchezn/gin-sso/internal/services"
	log "github.com/sirupsen/logrus"
)

const (
	hintAccessToken  = "access_token"
	hintRefreshToken = "refresh_token"
)

// IntrospectionResponse is the RFC 7662 body; only Active is set for inactive tokens
type IntrospectionResponse struct {
	Active    bool     `json:"active"`
	Scope     string   `json:"scope,omitempty"`
	ClientID  string   `json:"client_id,omitempty"`
	Username  string   `json:"username,omitempty"`
	TokenType string   `json:"token_type,omitempty"`
	Exp       int64    `json:"exp,omitempty"`
	Iat       int64    `json:"iat,omitempty"`
	Sub       string   `json:"sub,omitempty"`
	Aud       []string `json:"aud,omitempty"`
	Iss       string   `json:"iss,omitempty"`
	Jti       string   `json:"jti,omitempty"`
}

// lookup finds the issuance a token belongs to, trying the hinted kind first
func (s *OAuthService) lookup(ctx context.Context, tenant *models.Tenant, token, hint string) (*models.OAuthToken, *IntrospectionResponse, error) {
	kinds := []string{hintAccessToken, hintRefreshToken}
	if hint == hintRefreshToken {
		kinds = []string{hintRefreshToken, hintAccessToken}
	}

	for _, kind := range kinds {
		row, resp, err := s.lookupKind(ctx, tenant, token, kind)
		if err != nil {
			return nil, nil, err
		}
		if row != nil {
			return row, resp, nil
		}
	}
	return nil, nil, nil
}

func (s *OAuthService) lookupKind(ctx context.Context, tenant *models.Tenant, token, kind string) (*models.OAuthToken, *IntrospectionResponse, error) {
	var (
		row  *models.OAuthToken
		resp *IntrospectionResponse
		err  error
	)
	switch kind {
	case hintAccessToken:
		var claims AccessClaims
		if verr := s.codec.Verify(ctx, tenant, token, &claims, ""); verr != nil {
			return nil, nil, ignoreInvalid(verr)
		}
		row, err = s.store.TokenByAccessJTI(ctx, tenant.ID, claims.ID)
		resp = &IntrospectionResponse{
			Scope: claims.Scope, ClientID: claims.ClientID, TokenType: "Bearer",
			Sub: claims.Subject, Aud: claims.Audience, Iss: claims.Issuer, Jti: claims.ID,
			Exp: claims.ExpiresAt.Unix(), Iat: claims.IssuedAt.Unix(),
		}
	default:
		var claims RefreshClaims
		if verr := s.codec.Verify(ctx, tenant, token, &claims, ""); verr != nil {
			return nil, nil, ignoreInvalid(verr)
		}
		row, err = s.store.TokenByRefreshJTI(ctx, tenant.ID, claims.ID)
		resp = &IntrospectionResponse{
			Scope: claims.Scope, ClientID: claims.ClientID, TokenType: hintRefreshToken,
			Sub: claims.Subject, Aud: claims.Audience, Iss: claims.Issuer, Jti: claims.ID,
			Exp: claims.ExpiresAt.Unix(), Iat: claims.IssuedAt.Unix(),
		}
	}
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	resp.Active = true
	if kind == hintAccessToken {
		resp.Active = row.AccessActive(s.now())
	} else {
		resp.Active = row.RefreshActive(s.now())
	}
	return row, resp, nil
}

func ignoreInvalid(err error) error {
	if errors.Is(err, ErrInvalidToken) {
		return nil
	}
	return err
}

// Introspect never reports why a token is inactive
func (s *OAuthService) Introspect(ctx context.Context, tenant *models.Tenant, creds ClientCredentials, token, hint string) (*IntrospectionResponse, error) {
	if _, err := s.authn.Authenticate(ctx, tenant, creds, ConfidentialAuthMethods); err != nil {
		return nil, err
	}
	inactive := &IntrospectionResponse{Active: false}
	if token == "" {
		s.metrics.Introspection(false)
		return inactive, nil
	}

	row, resp, err := s.lookup(ctx, tenant, token, hint)
	if err != nil {
		return nil, err
	}
	if row == nil || !resp.Active {
		s.metrics.Introspection(false)
		return inactive, nil
	}

	if row.UserID != nil {
		if user, err := s.users.GetUser(ctx, tenant.ID, *row.UserID); err == nil {
			resp.Username = user.Email
		} else if !errors.Is(err, services.ErrNotFound) {
			return nil, err
		}
	}
	s.metrics.Introspection(true)
	return resp, nil
}

// Revoke is idempotent: unknown, foreign or already revoked tokens still succeed
func (s *OAuthService) Revoke(ctx context.Context, tenant *models.Tenant, creds ClientCredentials, token, hint string) error {
	client, err := s.authn.Authenticate(ctx, tenant, creds, AllAuthMethods)
	if err != nil {
		return err
	}
	if token == "" {
		return invalidRequest("token is required")
	}

	row, _, err := s.lookup(ctx, tenant, token, hint)
	if err != nil {
		return err
	}
	if row == nil {
		return nil
	}
	if row.ClientID != client.ClientID {
		log.WithFields(log.Fields{
			"tenant_id": tenant.ID,
			"client_id": client.ClientID,
			"owner":     row.ClientID,
		}).Warn("Client attempted to revoke a token it does not own")
		return nil
	}

	revoked, err := s.store.RevokeToken(ctx, row.ID, s.now())
	if err != nil {
		return err
	}
	if revoked {
		s.metrics.Revocation()
		log.WithFields(log.Fields{
			"tenant_id": tenant.ID,
			"client_id": client.ClientID,
			"token_id":  row.ID,
		}).Info("Token revoked")
	}
	return nil
}

// VerifyAccessToken checks a bearer token cryptographically and against its revocation state
func (s *OAuthService) VerifyAccessToken(ctx context.Context, tenant *models.Tenant, token string) (*AccessClaims, error) {
	var claims AccessClaims
	if err := s.codec.Verify(ctx, tenant, token, &claims, ""); err != nil {
		return nil, err
	}
	row, err := s.store.TokenByAccessJTI(ctx, tenant.ID, claims.ID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if !row.AccessActive(s.now()) {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

// UserInfo returns the OpenID Connect claims the access token's scope releases
func (s *OAuthService) UserInfo(ctx context.Context, tenant *models.Tenant, claims *AccessClaims) (map[string]any, error) {
	if claims.Subject == "" {
		return nil, NewOAuth2Error(ErrInvalidTokenCode, "The access token does not identify a user")
	}
	userID, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil {
		return nil, NewOAuth2Error(ErrInvalidTokenCode, "")
	}
	user, err := s.users.GetUser(ctx, tenant.ID, uint(userID))
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return nil, NewOAuth2Error(ErrInvalidTokenCode, "")
		}
		return nil, err
	}

	info := map[string]any{"sub": claims.Subject}
	var id IDClaims
	applyUserClaims(&id, user, models.ParseScope(claims.Scope))
	if id.Name != "" {
		info["name"] = id.Name
	}
	if id.GivenName != "" {
		info["given_name"] = id.GivenName
	}
	if id.FamilyName != "" {
		info["family_name"] = id.FamilyName
	}
	if id.Email != "" {
		info["email"] = id.Email
		info["email_verified"] = *id.EmailVerified
	}
	return info, nil
}
