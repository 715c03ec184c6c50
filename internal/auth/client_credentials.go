package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"

	"github.com/franciscosanchezn/gin-sso/internal/models"
	"github.com/franciscosanchezn/gin-sso/internal/services"
)

// clientCredentials mints an access token for the client itself: no sub, no refresh token
func (s *OAuthService) clientCredentials(ctx context.Context, req TokenRequest, client *models.OAuthClient) (*TokenResponse, error) {
	scope, oerr := resolveScope(client, req.Scope)
	if oerr != nil {
		return nil, oerr
	}

	resp, row, err := s.prepare(ctx, issuance{
		tenant:     req.Tenant,
		client:     client,
		scope:      scope,
		withAccess: true,
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateToken(ctx, row); err != nil {
		return nil, err
	}
	return resp, nil
}

// password is the legacy resource owner password credentials grant
func (s *OAuthService) password(ctx context.Context, req TokenRequest, client *models.OAuthClient) (*TokenResponse, error) {
	if req.Username == "" || req.Password == "" {
		return nil, invalidRequest("username and password are required")
	}
	scope, oerr := resolveScope(client, req.Scope)
	if oerr != nil {
		return nil, oerr
	}

	user, err := s.users.Authenticate(ctx, req.Tenant, req.Username, req.Password)
	if err != nil {
		if errors.Is(err, services.ErrInvalidCredentials) {
			oerr := invalidGrant("invalid resource owner credentials")
			oerr.Status = http.StatusUnauthorized
			return nil, oerr
		}
		return nil, err
	}

	resp, row, err := s.prepare(ctx, issuance{
		tenant:      req.Tenant,
		client:      client,
		user:        user,
		scope:       scope,
		authTime:    s.now(),
		withAccess:  true,
		withRefresh: client.AllowsGrant("refresh_token"),
		withID:      slices.Contains(scope, "openid"),
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateToken(ctx, row); err != nil {
		return nil, err
	}
	return resp, nil
}
