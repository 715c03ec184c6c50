package auth

import (
	"regexp"

	"github.com/franciscosanchezn/gin-sso/internal/models"
	"github.com/go-oauth2/oauth2/v4"
)

// RFC 7636 section 4.1: 43 to 128 unreserved characters
var pkceValue = regexp.MustCompile(`^[A-Za-z0-9\-._~]{43,128}$`)

// checkChallenge validates the authorization request's PKCE parameters and
// returns the effective method. An absent method means S256.
func checkChallenge(client *models.OAuthClient, challenge, method string) (oauth2.CodeChallengeMethod, *OAuth2Error) {
	required := client.RequirePKCE || client.IsPublic()
	if challenge == "" {
		if method != "" {
			return "", invalidRequest("code_challenge_method without code_challenge")
		}
		if required {
			return "", invalidRequest("PKCE code_challenge is required for this client")
		}
		return "", nil
	}

	ccm := oauth2.CodeChallengeS256
	if method != "" {
		ccm = oauth2.CodeChallengeMethod(method)
	}
	switch ccm {
	case oauth2.CodeChallengeS256:
	case oauth2.CodeChallengePlain:
		if !client.AllowPlainPKCE {
			return "", invalidRequest("code_challenge_method plain is not allowed for this client")
		}
	default:
		return "", invalidRequest("unsupported code_challenge_method")
	}
	if !pkceValue.MatchString(challenge) {
		return "", invalidRequest("malformed code_challenge")
	}
	return ccm, nil
}

// verifyPKCE checks the token request's verifier against the stored challenge
func verifyPKCE(code *models.AuthorizationCode, verifier string) *OAuth2Error {
	if code.CodeChallenge == "" {
		if verifier != "" {
			return invalidGrant("code_verifier supplied but no code_challenge was registered")
		}
		return nil
	}
	if verifier == "" {
		return invalidGrant("code_verifier is required")
	}
	if !pkceValue.MatchString(verifier) {
		return invalidGrant("malformed code_verifier")
	}
	if !oauth2.CodeChallengeMethod(code.CodeChallengeMethod).Validate(code.CodeChallenge, verifier) {
		return invalidGrant("code_verifier does not match code_challenge")
	}
	return nil
}
