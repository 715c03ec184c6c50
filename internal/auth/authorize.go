package auth

import (
	"context"
	"errors"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/franciscosanchezn/gin-sso/internal/models"
	"github.com/go-oauth2/oauth2/v4"
	oauth2errors "github.com/go-oauth2/oauth2/v4/errors"
	log "github.com/sirupsen/logrus"
)

const (
	responseTypeIDToken = "id_token"
	scopeOpenID         = "openid"
)

// supportedResponseTypes are compared after normalization
var supportedResponseTypes = []string{
	"code",
	"token",
	"id_token",
	"code id_token",
	"code token",
	"id_token token",
	"code id_token token",
}

// ConsentDecision is the user's answer on the consent screen, if any
type ConsentDecision int

const (
	ConsentUndecided ConsentDecision = iota
	ConsentAllow
	ConsentDeny
)

// AuthorizeRequest is a parsed authorization endpoint request
type AuthorizeRequest struct {
	Tenant              *models.Tenant
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string

	// User is the authenticated end user, nil when nobody is logged in
	User     *models.User
	AuthTime time.Time
	Consent  ConsentDecision
}

// ResultKind says what the HTTP layer should do with an AuthorizationResult
type ResultKind int

const (
	ResultRedirect ResultKind = iota
	ResultLoginRequired
	ResultConsentRequired
)

type AuthorizationResult struct {
	Kind ResultKind
	// RedirectURL is set for ResultRedirect, carrying either the response or an error
	RedirectURL string
	Client      *models.OAuthClient
	Scope       []string
}

// Authorize validates an authorization request and either redirects back to
// the client or asks the HTTP layer for login or consent. Errors returned
// directly (not as a redirect) mean the redirect_uri could not be trusted:
// services.ErrNotFound for an unknown client, *OAuth2Error otherwise.
func (s *OAuthService) Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizationResult, error) {
	client, err := s.clients.ResolveClient(ctx, req.Tenant, req.ClientID)
	if err != nil {
		s.metrics.AuthorizeResult("unknown_client")
		return nil, err
	}

	redirectURI := req.RedirectURI
	if redirectURI == "" {
		if len(client.RedirectURIs) != 1 {
			return nil, invalidRequest("redirect_uri is required")
		}
		redirectURI = client.RedirectURIs[0]
	} else if !client.HasRedirectURI(redirectURI) {
		s.metrics.AuthorizeResult("invalid_redirect_uri")
		return nil, invalidRequest("redirect_uri is not registered for this client")
	}

	responseType := models.NormalizeResponseType(req.ResponseType)
	// any response carrying a token goes back in the fragment
	fragment := strings.Contains(responseType, "token")
	fail := func(oerr *OAuth2Error) (*AuthorizationResult, error) {
		s.metrics.AuthorizeResult(oerr.Code())
		log.WithFields(log.Fields{
			"tenant_id": req.Tenant.ID,
			"client_id": client.ClientID,
			"error":     oerr.Code(),
			"reason":    oerr.Description,
		}).Info("Authorization request rejected")
		return &AuthorizationResult{
			Kind:        ResultRedirect,
			RedirectURL: errorRedirect(redirectURI, fragment, req.State, oerr),
			Client:      client,
		}, nil
	}

	if responseType == "" {
		return fail(invalidRequest("response_type is required"))
	}
	if !slices.Contains(supportedResponseTypes, responseType) {
		return fail(NewOAuth2Error(oauth2errors.ErrUnsupportedResponseType, ""))
	}
	if !client.AllowsResponseType(responseType) {
		return fail(unauthorizedClient("response_type not allowed for this client"))
	}
	parts := strings.Fields(responseType)
	wantCode := slices.Contains(parts, string(oauth2.Code))
	wantToken := slices.Contains(parts, string(oauth2.Token))
	wantID := slices.Contains(parts, responseTypeIDToken)
	if wantCode && !client.AllowsGrant(string(oauth2.AuthorizationCode)) {
		return fail(unauthorizedClient("authorization_code grant not allowed for this client"))
	}
	if (wantToken || wantID) && !client.AllowsGrant(models.GrantImplicit) {
		return fail(unauthorizedClient("implicit grant not allowed for this client"))
	}

	requested := models.ParseScope(req.Scope)
	scope := client.AllowedScope(requested)
	if len(requested) > 0 && len(scope) == 0 {
		return fail(invalidScope("none of the requested scopes are allowed for this client"))
	}
	if len(requested) == 0 {
		scope = append([]string(nil), client.Scopes...)
	}
	if wantID && !slices.Contains(scope, scopeOpenID) {
		return fail(invalidScope("id_token requires the openid scope"))
	}

	now := s.now()
	if req.Nonce == "" && (client.RequireNonce || wantID) {
		return fail(invalidRequest("nonce is required"))
	}
	if req.Nonce != "" {
		inUse, err := s.store.NonceInUse(ctx, client.ClientID, req.Nonce, now)
		if err != nil {
			return nil, err
		}
		if inUse {
			return fail(invalidRequest("nonce has already been used"))
		}
	}

	var ccm oauth2.CodeChallengeMethod
	if wantCode {
		var oerr *OAuth2Error
		if ccm, oerr = checkChallenge(client, req.CodeChallenge, req.CodeChallengeMethod); oerr != nil {
			return fail(oerr)
		}
	}

	if req.User == nil {
		s.metrics.AuthorizeResult("login_required")
		return &AuthorizationResult{Kind: ResultLoginRequired, Client: client, Scope: scope}, nil
	}

	switch req.Consent {
	case ConsentDeny:
		return fail(NewOAuth2Error(oauth2errors.ErrAccessDenied, "The resource owner denied the request"))
	case ConsentAllow:
		if err := s.recordConsent(ctx, req, client, scope, now); err != nil {
			return nil, err
		}
	default:
		consented, err := s.hasConsent(ctx, req, client, scope)
		if err != nil {
			return nil, err
		}
		if !consented {
			s.metrics.AuthorizeResult("consent_required")
			return &AuthorizationResult{Kind: ResultConsentRequired, Client: client, Scope: scope}, nil
		}
	}

	params := url.Values{}
	var plainCode string
	var codeID *uint
	if wantCode {
		code, codeHash := newCode()
		authCode := &models.AuthorizationCode{
			CodeHash:            codeHash,
			TenantID:            req.Tenant.ID,
			ClientID:            client.ClientID,
			UserID:              req.User.ID,
			RedirectURI:         redirectURI,
			Scope:               models.JoinScope(scope),
			ResponseType:        responseType,
			Nonce:               req.Nonce,
			CodeChallenge:       req.CodeChallenge,
			CodeChallengeMethod: string(ccm),
			AuthTime:            authTimeOrNow(req.AuthTime, now),
			ExpiresAt:           now.Add(s.cfg.AuthCodeTTL),
		}
		err := s.store.Transaction(ctx, func(tx Store) error {
			if err := tx.CreateCode(ctx, authCode); err != nil {
				return err
			}
			if authCode.Nonce == "" {
				return nil
			}
			claimed, err := tx.ClaimNonce(ctx, authCode, now)
			if err != nil {
				return err
			}
			if !claimed {
				return invalidRequest("nonce has already been used")
			}
			return nil
		})
		var oerr *OAuth2Error
		if errors.As(err, &oerr) {
			return fail(oerr)
		}
		if err != nil {
			return nil, err
		}
		plainCode = code
		codeID = &authCode.ID
		params.Set("code", code)
	}

	if wantToken || wantID {
		resp, row, err := s.prepare(ctx, issuance{
			tenant:     req.Tenant,
			client:     client,
			user:       req.User,
			scope:      scope,
			authTime:   authTimeOrNow(req.AuthTime, now),
			nonce:      req.Nonce,
			withAccess: wantToken,
			withID:     wantID,
			code:       plainCode,
			codeID:     codeID,
		})
		if err != nil {
			return nil, err
		}
		if row != nil {
			if err := s.store.CreateToken(ctx, row); err != nil {
				return nil, err
			}
			params.Set("access_token", resp.AccessToken)
			params.Set("token_type", resp.TokenType)
			params.Set("expires_in", formatSeconds(s.cfg.AccessTokenTTL))
		}
		if resp.IDToken != "" {
			params.Set("id_token", resp.IDToken)
		}
	}

	if req.State != "" {
		params.Set("state", req.State)
	}
	if fragment {
		params.Set("scope", models.JoinScope(scope))
	}

	s.metrics.AuthorizeResult("granted")
	log.WithFields(log.Fields{
		"tenant_id":     req.Tenant.ID,
		"client_id":     client.ClientID,
		"user_id":       req.User.ID,
		"response_type": responseType,
	}).Info("Authorization granted")
	return &AuthorizationResult{
		Kind:        ResultRedirect,
		RedirectURL: buildRedirect(redirectURI, fragment, params),
		Client:      client,
		Scope:       scope,
	}, nil
}

func (s *OAuthService) hasConsent(ctx context.Context, req AuthorizeRequest, client *models.OAuthClient, scope []string) (bool, error) {
	consent, err := s.store.FindConsent(ctx, req.Tenant.ID, client.ClientID, req.User.ID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return consent.Covers(scope), nil
}

// recordConsent widens any existing approval rather than replacing it
func (s *OAuthService) recordConsent(ctx context.Context, req AuthorizeRequest, client *models.OAuthClient, scope []string, now time.Time) error {
	approved := scope
	if existing, err := s.store.FindConsent(ctx, req.Tenant.ID, client.ClientID, req.User.ID); err == nil {
		approved = models.ParseScope(existing.Scope + " " + models.JoinScope(scope))
	} else if !errors.Is(err, ErrRecordNotFound) {
		return err
	}
	return s.store.SaveConsent(ctx, &models.AuthorizedApp{
		TenantID:   req.Tenant.ID,
		ClientID:   client.ClientID,
		UserID:     req.User.ID,
		Scope:      models.JoinScope(approved),
		ApprovedAt: now,
	})
}

func errorRedirect(redirectURI string, fragment bool, state string, oerr *OAuth2Error) string {
	params := url.Values{}
	params.Set("error", oerr.Code())
	if oerr.Description != "" {
		params.Set("error_description", oerr.Description)
	}
	if state != "" {
		params.Set("state", state)
	}
	return buildRedirect(redirectURI, fragment, params)
}

func buildRedirect(redirectURI string, fragment bool, params url.Values) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	if fragment {
		u.Fragment = ""
		return u.String() + "#" + params.Encode()
	}
	q := u.Query()
	for k, vs := range params {
		q[k] = vs
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func authTimeOrNow(t, now time.Time) time.Time {
	if t.IsZero() {
		return now
	}
	return t
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatInt(int64(d/time.Second), 10)
}
