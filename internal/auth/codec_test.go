package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/franciscosanchezn/gin-sso/internal/keys"
	"github.com/franciscosanchezn/gin-sso/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var equateTimes = cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })

func newTestCodec(t *testing.T) (*Codec, *keys.Manager) {
	km := keys.NewManager(keys.NewMemoryRepository(), time.Hour)
	return NewCodec(km), km
}

func accessClaimsFor(tenant *models.Tenant) *AccessClaims {
	now := time.Now().Truncate(time.Second)
	return &AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tenant.IssuerURL,
			Subject:   "42",
			Audience:  jwt.ClaimStrings{"client-a"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			ID:        newJTI(),
		},
		ClientID: "client-a",
		Scope:    "openid profile",
	}
}

func TestCodecRoundTripAllAlgorithms(t *testing.T) {
	ctx := context.Background()
	for i, alg := range keys.Supported {
		t.Run(alg.String(), func(t *testing.T) {
			codec, _ := newTestCodec(t)
			tenant := &models.Tenant{ID: uint(i + 1), IssuerURL: "https://sso.example.com/tenant/1", SigningAlgorithm: alg.String()}
			want := accessClaimsFor(tenant)

			raw, err := codec.Sign(ctx, tenant, want)
			require.NoError(t, err)

			header, _, err := jwt.NewParser().ParseUnverified(raw, &AccessClaims{})
			require.NoError(t, err)
			assert.Equal(t, alg.String(), header.Method.Alg())
			assert.Equal(t, "at+jwt", header.Header["typ"])
			assert.NotEmpty(t, header.Header["kid"])

			var got AccessClaims
			require.NoError(t, codec.Verify(ctx, tenant, raw, &got, "client-a"))
			if diff := cmp.Diff(*want, got, equateTimes); diff != "" {
				t.Errorf("claims mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCodecRejects(t *testing.T) {
	ctx := context.Background()
	codec, _ := newTestCodec(t)
	tenant := &models.Tenant{ID: 1, IssuerURL: "https://sso.example.com/tenant/1", SigningAlgorithm: "RS256"}

	raw, err := codec.Sign(ctx, tenant, accessClaimsFor(tenant))
	require.NoError(t, err)

	t.Run("wrong audience", func(t *testing.T) {
		assert.ErrorIs(t, codec.Verify(ctx, tenant, raw, &AccessClaims{}, "client-b"), ErrInvalidToken)
	})

	t.Run("wrong token kind", func(t *testing.T) {
		assert.ErrorIs(t, codec.Verify(ctx, tenant, raw, &RefreshClaims{}, ""), ErrInvalidToken)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other := *tenant
		other.IssuerURL = "https://sso.example.com/tenant/9"
		assert.ErrorIs(t, codec.Verify(ctx, &other, raw, &AccessClaims{}, ""), ErrInvalidToken)
	})

	t.Run("tampered payload", func(t *testing.T) {
		parts := strings.Split(raw, ".")
		claims := accessClaimsFor(tenant)
		claims.Scope = "admin"
		forged, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SigningString()
		require.NoError(t, err)
		tampered := parts[0] + "." + strings.Split(forged, ".")[1] + "." + parts[2]
		assert.ErrorIs(t, codec.Verify(ctx, tenant, tampered, &AccessClaims{}, ""), ErrInvalidToken)
	})

	t.Run("alg none", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodNone, accessClaimsFor(tenant))
		token.Header["typ"] = "at+jwt"
		unsigned, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		assert.ErrorIs(t, codec.Verify(ctx, tenant, unsigned, &AccessClaims{}, ""), ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		late := NewCodec(codec.keys).WithClock(func() time.Time { return time.Now().Add(2 * time.Hour) })
		assert.ErrorIs(t, late.Verify(ctx, tenant, raw, &AccessClaims{}, ""), ErrInvalidToken)
	})
}

func TestCodecRefusesIncompleteClaims(t *testing.T) {
	codec, _ := newTestCodec(t)
	tenant := &models.Tenant{ID: 1, IssuerURL: "https://sso.example.com/tenant/1", SigningAlgorithm: "ES256"}
	claims := accessClaimsFor(tenant)
	claims.ID = ""

	_, err := codec.Sign(context.Background(), tenant, claims)
	assert.Error(t, err)
}

func TestHalfHash(t *testing.T) {
	// OpenID Connect Core A.3 example
	assert.Equal(t, "77QmUPtjPfzWtF2AnpK9RQ", halfHash(keys.RS256, "jHkWEdUXMU1BwAsC4vtUsZwnNdGL0W"))
	assert.Len(t, halfHash(keys.ES384, "x"), 32)
	assert.Len(t, halfHash(keys.EdDSA, "x"), 43)
}

func TestPKCE(t *testing.T) {
	confidential := &models.OAuthClient{TokenEndpointAuthMethod: models.AuthMethodClientSecretBasic}
	public := &models.OAuthClient{TokenEndpointAuthMethod: models.AuthMethodNone}
	plainOK := &models.OAuthClient{TokenEndpointAuthMethod: models.AuthMethodNone, AllowPlainPKCE: true}
	verifier := "dBjftJeZ4CVP-mJ92K9gzcr8bNrHxjE2v1P6B3kX6mV"
	challenge := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"

	ccm, oerr := checkChallenge(confidential, "", "")
	assert.Nil(t, oerr)
	assert.Empty(t, ccm)

	_, oerr = checkChallenge(public, "", "")
	require.NotNil(t, oerr)

	ccm, oerr = checkChallenge(public, challenge, "")
	require.Nil(t, oerr)
	assert.EqualValues(t, "S256", ccm)

	_, oerr = checkChallenge(public, verifier, "plain")
	require.NotNil(t, oerr)
	_, oerr = checkChallenge(plainOK, verifier, "plain")
	assert.Nil(t, oerr)
	_, oerr = checkChallenge(public, "short", "S256")
	require.NotNil(t, oerr)

	code := &models.AuthorizationCode{CodeChallenge: challenge, CodeChallengeMethod: "S256"}
	assert.Nil(t, verifyPKCE(code, verifier))
	assert.NotNil(t, verifyPKCE(code, strings.Repeat("a", 43)))
	assert.NotNil(t, verifyPKCE(code, ""))
	assert.NotNil(t, verifyPKCE(&models.AuthorizationCode{}, verifier))
	assert.Nil(t, verifyPKCE(&models.AuthorizationCode{}, ""))
}

func TestSessionManager(t *testing.T) {
	sessions := NewSessionManager("s3cret-session-key", time.Hour)
	tenant := &models.Tenant{ID: 3}
	user := &models.User{ID: 11}

	raw, err := sessions.Issue(tenant, user)
	require.NoError(t, err)

	userID, authTime, err := sessions.Parse(tenant, raw)
	require.NoError(t, err)
	assert.Equal(t, uint(11), userID)
	assert.WithinDuration(t, time.Now(), authTime, 2*time.Second)

	_, _, err = sessions.Parse(&models.Tenant{ID: 4}, raw)
	assert.ErrorIs(t, err, ErrNoSession)

	_, _, err = NewSessionManager("other-key", time.Hour).Parse(tenant, raw)
	assert.ErrorIs(t, err, ErrNoSession)

	sessions.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, _, err = sessions.Parse(tenant, raw)
	assert.ErrorIs(t, err, ErrNoSession)
}
