package auth

import (
	"context"
	"errors"
	"slices"

	"github.com/franciscosanchezn/gin-sso/internal/models"
	log "github.com/sirupsen/logrus"
)

// exchangeCode redeems an authorization code. The code is consumed in the
// same transaction that records the minted tokens.
func (s *OAuthService) exchangeCode(ctx context.Context, req TokenRequest, client *models.OAuthClient) (*TokenResponse, error) {
	if req.Code == "" {
		return nil, invalidRequest("code is required")
	}

	now := s.now()
	code, err := s.store.PeekCode(ctx, req.Tenant.ID, hashCode(req.Code))
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, invalidGrant("unknown authorization code")
		}
		return nil, err
	}

	if code.Consumed() {
		revoked, err := s.store.RevokeByCode(ctx, code.ID, now)
		if err != nil {
			log.WithError(err).WithField("code_id", code.ID).Error("Failed to revoke tokens of replayed code")
		}
		s.metrics.CodeReplay()
		log.WithFields(log.Fields{
			"tenant_id": req.Tenant.ID,
			"client_id": client.ClientID,
			"code_id":   code.ID,
			"revoked":   revoked,
		}).Warn("Authorization code replayed, revoking issued tokens")
		return nil, invalidGrant("authorization code already used")
	}
	if code.Expired(now) {
		return nil, invalidGrant("authorization code expired")
	}
	if code.ClientID != client.ClientID {
		return nil, invalidGrant("authorization code was issued to another client")
	}
	if req.RedirectURI != code.RedirectURI {
		return nil, invalidGrant("redirect_uri does not match the authorization request")
	}
	if oerr := verifyPKCE(code, req.CodeVerifier); oerr != nil {
		return nil, oerr
	}

	user, err := s.loadUser(ctx, req.Tenant.ID, code.UserID)
	if err != nil {
		return nil, err
	}

	scope := models.ParseScope(code.Scope)
	codeID := code.ID
	resp, row, err := s.prepare(ctx, issuance{
		tenant:      req.Tenant,
		client:      client,
		user:        user,
		scope:       scope,
		authTime:    code.AuthTime,
		nonce:       code.Nonce,
		withAccess:  true,
		withRefresh: client.AllowsGrant("refresh_token"),
		withID:      slices.Contains(scope, "openid"),
		codeID:      &codeID,
	})
	if err != nil {
		return nil, err
	}

	err = s.store.Transaction(ctx, func(tx Store) error {
		ok, err := tx.ConsumeCode(ctx, code.ID, now)
		if err != nil {
			return err
		}
		if !ok {
			return invalidGrant("authorization code already used")
		}
		return tx.CreateToken(ctx, row)
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// refresh rotates a refresh token: the presented issuance is revoked and a new one recorded
func (s *OAuthService) refresh(ctx context.Context, req TokenRequest, client *models.OAuthClient) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, invalidRequest("refresh_token is required")
	}

	var claims RefreshClaims
	if err := s.codec.Verify(ctx, req.Tenant, req.RefreshToken, &claims, client.ClientID); err != nil {
		if errors.Is(err, ErrInvalidToken) {
			return nil, invalidGrant("invalid refresh token")
		}
		return nil, err
	}
	if claims.ClientID != client.ClientID {
		return nil, invalidGrant("refresh token was issued to another client")
	}

	now := s.now()
	prev, err := s.store.TokenByRefreshJTI(ctx, req.Tenant.ID, claims.ID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, invalidGrant("invalid refresh token")
		}
		return nil, err
	}
	if !prev.RefreshActive(now) || prev.ClientID != client.ClientID {
		return nil, invalidGrant("refresh token is revoked or expired")
	}

	scope := models.ParseScope(prev.Scope)
	if requested := models.ParseScope(req.Scope); len(requested) > 0 {
		for _, sc := range requested {
			if !slices.Contains(scope, sc) {
				return nil, invalidScope("requested scope exceeds the original grant")
			}
		}
		scope = requested
	}

	var user *models.User
	if prev.UserID != nil {
		if user, err = s.loadUser(ctx, req.Tenant.ID, *prev.UserID); err != nil {
			return nil, err
		}
	}

	iss := issuance{
		tenant:      req.Tenant,
		client:      client,
		user:        user,
		scope:       scope,
		withAccess:  true,
		withRefresh: true,
		withID:      user != nil && slices.Contains(scope, "openid"),
		codeID:      prev.AuthorizationCodeID,
		parentID:    &prev.ID,
	}
	if claims.AuthTime != nil {
		iss.authTime = claims.AuthTime.Time
	}
	resp, row, err := s.prepare(ctx, iss)
	if err != nil {
		return nil, err
	}

	err = s.store.Transaction(ctx, func(tx Store) error {
		ok, err := tx.RevokeToken(ctx, prev.ID, now)
		if err != nil {
			return err
		}
		if !ok {
			return invalidGrant("refresh token already used")
		}
		return tx.CreateToken(ctx, row)
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
