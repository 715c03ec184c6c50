package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"github.com/franciscosanchezn/gin-sso/internal/keys"
	"github.com/franciscosanchezn/gin-sso/internal/metrics"
	"github.com/franciscosanchezn/gin-sso/internal/models"
	"github.com/franciscosanchezn/gin-sso/internal/services"
	"github.com/go-oauth2/oauth2/v4"
	oauth2errors "github.com/go-oauth2/oauth2/v4/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Config holds token lifetimes
type Config struct {
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	IDTokenTTL      time.Duration
	AuthCodeTTL     time.Duration
}

// DefaultConfig mirrors the configuration defaults
func DefaultConfig() Config {
	return Config{
		AccessTokenTTL:  time.Hour,
		RefreshTokenTTL: 30 * 24 * time.Hour,
		IDTokenTTL:      time.Hour,
		AuthCodeTTL:     5 * time.Minute,
	}
}

// Dependencies are the collaborators the grant state machine drives
type Dependencies struct {
	Clients       services.ClientService
	Users         services.UserService
	Store         Store
	Keys          *keys.Manager
	Codec         *Codec
	Authenticator *ClientAuthenticator
	Metrics       *metrics.Metrics
}

// OAuthService is the authorization server: authorize, token, introspection and revocation
type OAuthService struct {
	clients services.ClientService
	users   services.UserService
	store   Store
	keys    *keys.Manager
	codec   *Codec
	authn   *ClientAuthenticator
	metrics *metrics.Metrics
	cfg     Config
	now     func() time.Time
}

func NewOAuthService(deps Dependencies, cfg Config) *OAuthService {
	return &OAuthService{
		clients: deps.Clients,
		users:   deps.Users,
		store:   deps.Store,
		keys:    deps.Keys,
		codec:   deps.Codec,
		authn:   deps.Authenticator,
		metrics: deps.Metrics,
		cfg:     cfg,
		now:     time.Now,
	}
}

// TokenRequest is a parsed token endpoint request
type TokenRequest struct {
	Tenant       *models.Tenant
	GrantType    string
	Credentials  ClientCredentials
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scope        string
	Username     string
	Password     string
}

// TokenResponse is the RFC 6749 section 5.1 body
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Token dispatches on grant_type. Failures are *OAuth2Error or infrastructure errors.
func (s *OAuthService) Token(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	grant := oauth2.GrantType(req.GrantType)

	var candidates []string
	switch grant {
	case oauth2.AuthorizationCode, oauth2.Refreshing:
		candidates = AllAuthMethods
	case oauth2.ClientCredentials, oauth2.PasswordCredentials:
		candidates = ConfidentialAuthMethods
	case "":
		return nil, s.tokenFailure(req.GrantType, invalidRequest("grant_type is required"))
	default:
		return nil, s.tokenFailure(req.GrantType, NewOAuth2Error(oauth2errors.ErrUnsupportedGrantType, ""))
	}

	client, err := s.authn.Authenticate(ctx, req.Tenant, req.Credentials, candidates)
	if err != nil {
		return nil, s.tokenFailure(req.GrantType, err)
	}
	if !client.AllowsGrant(req.GrantType) {
		return nil, s.tokenFailure(req.GrantType, unauthorizedClient("grant_type not allowed for this client"))
	}

	var resp *TokenResponse
	switch grant {
	case oauth2.AuthorizationCode:
		resp, err = s.exchangeCode(ctx, req, client)
	case oauth2.Refreshing:
		resp, err = s.refresh(ctx, req, client)
	case oauth2.ClientCredentials:
		resp, err = s.clientCredentials(ctx, req, client)
	case oauth2.PasswordCredentials:
		resp, err = s.password(ctx, req, client)
	}
	if err != nil {
		return nil, s.tokenFailure(req.GrantType, err)
	}

	s.metrics.TokenIssued(req.GrantType)
	log.WithFields(log.Fields{
		"tenant_id":  req.Tenant.ID,
		"client_id":  client.ClientID,
		"grant_type": req.GrantType,
		"scope":      resp.Scope,
	}).Info("Token issued")
	return resp, nil
}

func (s *OAuthService) tokenFailure(grantType string, err error) error {
	oerr := AsOAuth2Error(err)
	s.metrics.TokenError(grantType, oerr.Code())
	if oerr.Status >= 500 {
		log.WithError(err).WithField("grant_type", grantType).Error("Token request failed")
		return oerr
	}
	log.WithFields(log.Fields{
		"grant_type": grantType,
		"error":      oerr.Code(),
		"reason":     oerr.Description,
	}).Info("Token request rejected")
	return oerr
}

// issuance is everything needed to mint one token response
type issuance struct {
	tenant      *models.Tenant
	client      *models.OAuthClient
	user        *models.User
	scope       []string
	authTime    time.Time
	nonce       string
	withAccess  bool
	withRefresh bool
	withID      bool
	// code is the plaintext code returned alongside, for c_hash
	code     string
	codeID   *uint
	parentID *uint
}

// prepare signs every token up front so no signing happens inside a transaction.
// The returned row is nil when no access token was minted.
func (s *OAuthService) prepare(ctx context.Context, iss issuance) (*TokenResponse, *models.OAuthToken, error) {
	key, err := s.keys.SigningKey(ctx, iss.tenant)
	if err != nil {
		return nil, nil, err
	}

	now := s.now()
	scope := models.JoinScope(iss.scope)
	resp := &TokenResponse{TokenType: "bearer", Scope: scope}

	var subject string
	if iss.user != nil {
		subject = strconv.FormatUint(uint64(iss.user.ID), 10)
	}
	var authTime *jwt.NumericDate
	if iss.user != nil && !iss.authTime.IsZero() {
		authTime = jwt.NewNumericDate(iss.authTime)
	}

	var row *models.OAuthToken
	if iss.withAccess {
		accessJTI := newJTI()
		access := &AccessClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    iss.tenant.IssuerURL,
				Subject:   subject,
				Audience:  jwt.ClaimStrings{iss.client.ClientID},
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.AccessTokenTTL)),
				ID:        accessJTI,
			},
			ClientID: iss.client.ClientID,
			Scope:    scope,
			AuthTime: authTime,
		}
		if resp.AccessToken, err = s.codec.signWith(key, access); err != nil {
			return nil, nil, err
		}
		resp.ExpiresIn = int64(s.cfg.AccessTokenTTL / time.Second)

		row = &models.OAuthToken{
			TenantID:            iss.tenant.ID,
			ClientID:            iss.client.ClientID,
			Scope:               scope,
			AccessJTI:           accessJTI,
			AuthorizationCodeID: iss.codeID,
			ParentID:            iss.parentID,
			IssuedAt:            now,
			AccessExpiresAt:     now.Add(s.cfg.AccessTokenTTL),
		}
		if iss.user != nil {
			uid := iss.user.ID
			row.UserID = &uid
		}

		if iss.withRefresh {
			refreshJTI := newJTI()
			refresh := &RefreshClaims{
				RegisteredClaims: jwt.RegisteredClaims{
					Issuer:    iss.tenant.IssuerURL,
					Subject:   subject,
					Audience:  jwt.ClaimStrings{iss.client.ClientID},
					IssuedAt:  jwt.NewNumericDate(now),
					ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.RefreshTokenTTL)),
					ID:        refreshJTI,
				},
				ClientID: iss.client.ClientID,
				Scope:    scope,
				AuthTime: authTime,
			}
			if resp.RefreshToken, err = s.codec.signWith(key, refresh); err != nil {
				return nil, nil, err
			}
			refreshExp := now.Add(s.cfg.RefreshTokenTTL)
			row.RefreshJTI = &refreshJTI
			row.RefreshExpiresAt = &refreshExp
		}
	}

	if iss.withID && iss.user != nil {
		id := &IDClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    iss.tenant.IssuerURL,
				Subject:   subject,
				Audience:  jwt.ClaimStrings{iss.client.ClientID},
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.IDTokenTTL)),
				ID:        newJTI(),
			},
			AuthTime:        authTime,
			Nonce:           iss.nonce,
			AuthorizedParty: iss.client.ClientID,
		}
		applyUserClaims(id, iss.user, iss.scope)
		if resp.AccessToken != "" {
			id.AccessTokenHash = halfHash(key.Algorithm, resp.AccessToken)
		}
		if iss.code != "" {
			id.CodeHash = halfHash(key.Algorithm, iss.code)
		}
		if resp.IDToken, err = s.codec.signWith(key, id); err != nil {
			return nil, nil, err
		}
	}

	return resp, row, nil
}

// applyUserClaims releases profile and email claims only for granted scopes
func applyUserClaims(id *IDClaims, user *models.User, scope []string) {
	for _, sc := range scope {
		switch sc {
		case "profile":
			id.Name = user.Name
			id.GivenName = user.GivenName
			id.FamilyName = user.FamilyName
		case "email":
			id.Email = user.Email
			verified := user.EmailVerified
			id.EmailVerified = &verified
		}
	}
}

// resolveScope intersects the request with the client's scopes; an empty request means all of them
func resolveScope(client *models.OAuthClient, requested string) ([]string, *OAuth2Error) {
	want := models.ParseScope(requested)
	if len(want) == 0 {
		return append([]string(nil), client.Scopes...), nil
	}
	granted := client.AllowedScope(want)
	if len(granted) == 0 {
		return nil, invalidScope("none of the requested scopes are allowed for this client")
	}
	return granted, nil
}

func (s *OAuthService) loadUser(ctx context.Context, tenantID, userID uint) (*models.User, error) {
	user, err := s.users.GetUser(ctx, tenantID, userID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return nil, invalidGrant("the resource owner no longer exists")
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, invalidGrant("the resource owner is disabled")
	}
	return user, nil
}

func newJTI() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// newCode returns an opaque high-entropy code and the hash it is stored under
func newCode() (string, string) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	code := base64.RawURLEncoding.EncodeToString(b)
	return code, hashCode(code)
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
