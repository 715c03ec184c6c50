package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/franciscosanchezn/gin-sso/internal/keys"
	"github.com/franciscosanchezn/gin-sso/internal/models"
	"github.com/franciscosanchezn/gin-sso/internal/services"
	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// ClientAssertionType is the only client_assertion_type accepted (RFC 7523)
const ClientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// maxAssertionLifetime bounds how long a client assertion jti is remembered
const maxAssertionLifetime = time.Hour

// AllAuthMethods is every token endpoint authentication method
var AllAuthMethods = []string{
	models.AuthMethodClientSecretBasic,
	models.AuthMethodClientSecretPost,
	models.AuthMethodClientSecretJWT,
	models.AuthMethodPrivateKeyJWT,
	models.AuthMethodNone,
}

// ConfidentialAuthMethods excludes none
var ConfidentialAuthMethods = []string{
	models.AuthMethodClientSecretBasic,
	models.AuthMethodClientSecretPost,
	models.AuthMethodClientSecretJWT,
	models.AuthMethodPrivateKeyJWT,
}

var hmacAlgs = []string{"HS256", "HS384", "HS512"}

// ClientCredentials is what a request presented to identify its client
type ClientCredentials struct {
	ClientID  string
	Secret    string
	Assertion string
	// Method is the authentication method the presented credentials imply
	Method string
}

// ParseClientCredentials extracts client credentials from a parsed form request.
// Presenting more than one method is rejected.
func ParseClientCredentials(r *http.Request) (ClientCredentials, *OAuth2Error) {
	var creds ClientCredentials
	presented := 0

	if user, pass, ok := r.BasicAuth(); ok {
		presented++
		var err error
		// RFC 6749 section 2.3.1 form-encodes both parts
		if creds.ClientID, err = url.QueryUnescape(user); err != nil {
			return creds, invalidClient()
		}
		if creds.Secret, err = url.QueryUnescape(pass); err != nil {
			return creds, invalidClient()
		}
		creds.Method = models.AuthMethodClientSecretBasic
	}

	formID := r.PostForm.Get("client_id")
	if secret := r.PostForm.Get("client_secret"); secret != "" {
		presented++
		creds.ClientID = formID
		creds.Secret = secret
		creds.Method = models.AuthMethodClientSecretPost
	}

	if assertion := r.PostForm.Get("client_assertion"); assertion != "" {
		presented++
		if r.PostForm.Get("client_assertion_type") != ClientAssertionType {
			return creds, invalidRequest("unsupported client_assertion_type")
		}
		creds.Assertion = assertion
		creds.Method = assertionMethod(assertion)
		creds.ClientID = formID
		if creds.ClientID == "" {
			creds.ClientID = assertionIssuer(assertion)
		}
	}

	if presented > 1 {
		return creds, invalidRequest("multiple client authentication methods presented")
	}
	if presented == 0 {
		if formID == "" {
			return creds, invalidClient()
		}
		creds.ClientID = formID
		creds.Method = models.AuthMethodNone
	} else if formID != "" && formID != creds.ClientID {
		return creds, invalidClient()
	}
	return creds, nil
}

// assertionMethod distinguishes client_secret_jwt from private_key_jwt by the header alg
func assertionMethod(assertion string) string {
	token, _, err := jwt.NewParser().ParseUnverified(assertion, &jwt.RegisteredClaims{})
	if err == nil && slices.Contains(hmacAlgs, token.Method.Alg()) {
		return models.AuthMethodClientSecretJWT
	}
	return models.AuthMethodPrivateKeyJWT
}

func assertionIssuer(assertion string) string {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(assertion, &claims); err != nil {
		return ""
	}
	return claims.Issuer
}

// ClientAuthenticator verifies client identity at the token, introspection and revocation endpoints
type ClientAuthenticator struct {
	clients services.ClientService
	replay  ReplayCache
	now     func() time.Time
}

func NewClientAuthenticator(clients services.ClientService, replay ReplayCache) *ClientAuthenticator {
	if replay == nil {
		replay = NewMemoryReplayCache()
	}
	return &ClientAuthenticator{clients: clients, replay: replay, now: time.Now}
}

// Authenticate accepts only the client's configured method, and only if it is among candidates
func (a *ClientAuthenticator) Authenticate(ctx context.Context, tenant *models.Tenant, creds ClientCredentials, candidates []string) (*models.OAuthClient, error) {
	client, err := a.clients.ResolveClient(ctx, tenant, creds.ClientID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return nil, invalidClient()
		}
		return nil, err
	}

	entry := log.WithFields(log.Fields{
		"tenant_id": tenant.ID,
		"client_id": client.ClientID,
		"presented": creds.Method,
		"expected":  client.TokenEndpointAuthMethod,
	})

	if creds.Method != client.TokenEndpointAuthMethod || !slices.Contains(candidates, creds.Method) {
		entry.Info("Client authentication method rejected")
		return nil, invalidClient()
	}

	switch creds.Method {
	case models.AuthMethodClientSecretBasic, models.AuthMethodClientSecretPost:
		err = checkSecret(client, creds.Secret)
	case models.AuthMethodClientSecretJWT, models.AuthMethodPrivateKeyJWT:
		err = a.checkAssertion(ctx, tenant, client, creds)
	case models.AuthMethodNone:
		err = nil
	default:
		err = errors.New("unknown method")
	}
	if err != nil {
		entry.WithField("reason", err.Error()).Info("Client authentication failed")
		return nil, invalidClient()
	}
	return client, nil
}

// checkSecret compares against a bcrypt hash, or in constant time for a raw secret
func checkSecret(client *models.OAuthClient, secret string) error {
	if secret == "" || client.ClientSecret == "" {
		return errors.New("missing secret")
	}
	if strings.HasPrefix(client.ClientSecret, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(client.ClientSecret), []byte(secret))
	}
	if subtle.ConstantTimeCompare([]byte(client.ClientSecret), []byte(secret)) != 1 {
		return errors.New("secret mismatch")
	}
	return nil
}

func (a *ClientAuthenticator) checkAssertion(ctx context.Context, tenant *models.Tenant, client *models.OAuthClient, creds ClientCredentials) error {
	var claims jwt.RegisteredClaims
	methods := hmacAlgs
	if creds.Method == models.AuthMethodPrivateKeyJWT {
		methods = asymmetricAlgs
	}

	_, err := jwt.ParseWithClaims(creds.Assertion, &claims, func(token *jwt.Token) (any, error) {
		if creds.Method == models.AuthMethodClientSecretJWT {
			// only a raw secret can key an HMAC
			if client.ClientSecret == "" || strings.HasPrefix(client.ClientSecret, "$2") {
				return nil, errors.New("client has no HMAC secret")
			}
			return []byte(client.ClientSecret), nil
		}
		return a.credentialKey(client, token)
	},
		jwt.WithValidMethods(methods),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(client.ClientID),
		jwt.WithSubject(client.ClientID),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return err
	}

	if !audienceMatches(claims.Audience, tenant) {
		return errors.New("assertion audience is neither the token endpoint nor the issuer")
	}
	if claims.ID == "" {
		return errors.New("assertion has no jti")
	}

	ttl := claims.ExpiresAt.Sub(a.now())
	if ttl > maxAssertionLifetime {
		return errors.New("assertion lifetime too long")
	}
	if ttl <= 0 {
		ttl = time.Second
	}
	first, err := a.replay.Claim(ctx, replayKey(tenant, client, claims.ID), ttl)
	if err != nil {
		return err
	}
	if !first {
		return errors.New("assertion jti replayed")
	}
	return nil
}

func (a *ClientAuthenticator) credentialKey(client *models.OAuthClient, token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, errors.New("assertion has no kid")
	}
	for i := range client.Credentials {
		cred := &client.Credentials[i]
		if cred.Thumbprint != kid {
			continue
		}
		if cred.Expired(a.now()) {
			return nil, errors.New("client credential expired")
		}
		if cred.Algorithm != token.Method.Alg() {
			return nil, errors.New("assertion alg does not match credential")
		}
		pub, err := keys.ParsePublicKey(cred.PEMData)
		if err != nil {
			return nil, err
		}
		return pub, nil
	}
	return nil, errors.New("no credential matches kid")
}

func audienceMatches(aud jwt.ClaimStrings, tenant *models.Tenant) bool {
	tokenEndpoint := tokenEndpointURL(tenant)
	for _, v := range aud {
		if v == tokenEndpoint || v == tenant.IssuerURL {
			return true
		}
	}
	return false
}

func replayKey(tenant *models.Tenant, client *models.OAuthClient, jti string) string {
	return tenant.Name + ":" + client.ClientID + ":" + jti
}

func tokenEndpointURL(tenant *models.Tenant) string {
	return tenant.IssuerURL + "/oauth2/token"
}
