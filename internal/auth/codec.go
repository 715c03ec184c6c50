package auth

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"strings"
	"time"

	"github.com/franciscosanchezn/gin-sso/internal/keys"
	"github.com/franciscosanchezn/gin-sso/internal/models"
	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
)

// ErrInvalidToken is the only verification error; the cause is logged, never returned
var ErrInvalidToken = errors.New("invalid token")

var asymmetricAlgs = func() []string {
	names := make([]string, len(keys.Supported))
	for i, alg := range keys.Supported {
		names[i] = alg.String()
	}
	return names
}()

// Codec signs and verifies tenant tokens with the tenant's key ring
type Codec struct {
	keys *keys.Manager
	now  func() time.Time
}

func NewCodec(keyManager *keys.Manager) *Codec {
	return &Codec{keys: keyManager, now: time.Now}
}

// WithClock overrides the time source used for exp checks
func (c *Codec) WithClock(now func() time.Time) *Codec {
	c.now = now
	return c
}

// Sign serializes claims with the tenant's active key, setting kid and typ
func (c *Codec) Sign(ctx context.Context, tenant *models.Tenant, claims Claims) (string, error) {
	key, err := c.keys.SigningKey(ctx, tenant)
	if err != nil {
		return "", err
	}
	return c.signWith(key, claims)
}

func (c *Codec) signWith(key *keys.Key, claims Claims) (string, error) {
	if v, ok := claims.(jwt.ClaimsValidator); ok {
		if err := v.Validate(); err != nil {
			return "", fmt.Errorf("refusing to sign %s: %w", claims.tokenType(), err)
		}
	}
	token := jwt.NewWithClaims(key.Algorithm.SigningMethod(), claims)
	token.Header["kid"] = key.ID
	token.Header["typ"] = claims.tokenType()
	return token.SignedString(key.Signer)
}

// Verify checks signature, typ, exp, iss and, when audience is non-empty, aud.
// claims is filled in on success.
func (c *Codec) Verify(ctx context.Context, tenant *models.Tenant, raw string, claims Claims, audience string) error {
	ring, err := c.keys.VerificationKeys(ctx, tenant)
	if err != nil {
		return err
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(asymmetricAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(tenant.IssuerURL),
		jwt.WithTimeFunc(c.now),
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}

	_, err = jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		key, ok := ring.Lookup(kid)
		if !ok {
			return nil, fmt.Errorf("unknown kid %q", kid)
		}
		// the key, not the header, decides the algorithm
		if token.Method.Alg() != key.Algorithm.String() {
			return nil, fmt.Errorf("alg %s does not match key %s", token.Method.Alg(), key.Algorithm)
		}
		typ, _ := token.Header["typ"].(string)
		if !strings.EqualFold(typ, claims.tokenType()) {
			return nil, fmt.Errorf("unexpected typ %q", typ)
		}
		return key.Public(), nil
	}, opts...)
	if err != nil {
		log.WithFields(log.Fields{
			"tenant_id": tenant.ID,
			"kind":      claims.tokenType(),
			"reason":    err.Error(),
		}).Debug("Token verification failed")
		return ErrInvalidToken
	}
	return nil
}

// halfHash computes at_hash / c_hash: the left half of the digest matching the signing algorithm
func halfHash(alg keys.Algorithm, value string) string {
	var h hash.Hash
	switch alg {
	case keys.RS384, keys.ES384:
		h = sha512.New384()
	case keys.RS512, keys.ES512, keys.EdDSA:
		h = sha512.New()
	default:
		h = sha256.New()
	}
	h.Write([]byte(value))
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}
