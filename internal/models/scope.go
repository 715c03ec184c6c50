package models

import (
	"slices"
	"strings"
)

// ParseScope splits a space-delimited scope string, dropping duplicates
func ParseScope(scope string) []string {
	fields := strings.Fields(scope)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}

func JoinScope(scopes []string) string {
	return strings.Join(scopes, " ")
}

func HasScope(scope, want string) bool {
	return containsScope(strings.Fields(scope), want)
}

func containsScope(scopes []string, want string) bool {
	return slices.Contains(scopes, want)
}

// NormalizeResponseType sorts the space-delimited parts, so "id_token code" equals "code id_token"
func NormalizeResponseType(rt string) string {
	parts := ParseScope(rt)
	slices.Sort(parts)
	return strings.Join(parts, " ")
}

// All lists every persisted model, in migration order
func All() []any {
	return []any{
		&Tenant{},
		&SigningKey{},
		&OAuthClient{},
		&ClientCredential{},
		&User{},
		&AuthorizationCode{},
		&NonceClaim{},
		&OAuthToken{},
		&AuthorizedApp{},
	}
}

var scopeDescriptions = map[string]string{
	"openid":         "Sign you in with your account",
	"profile":        "View your name",
	"email":          "View your email address and whether it is verified",
	"offline_access": "Stay signed in when you are not using the application",
}

// DescribeScope returns the consent screen text for a scope, or the scope itself when unknown
func DescribeScope(scope string) string {
	if d, ok := scopeDescriptions[scope]; ok {
		return d
	}
	return scope
}
