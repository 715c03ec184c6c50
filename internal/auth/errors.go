package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/franciscosanchezn/gin-sso/internal/models"
	oauth2errors "github.com/go-oauth2/oauth2/v4/errors"
)

// Codes go-oauth2 does not define
var (
	ErrInvalidTokenCode  = errors.New("invalid_token")
	ErrInsufficientScope = errors.New("insufficient_scope")
)

var statusCodes = map[error]int{
	oauth2errors.ErrInvalidRequest:          http.StatusBadRequest,
	oauth2errors.ErrUnauthorizedClient:      http.StatusBadRequest,
	oauth2errors.ErrAccessDenied:            http.StatusForbidden,
	oauth2errors.ErrUnsupportedResponseType: http.StatusBadRequest,
	oauth2errors.ErrInvalidScope:            http.StatusBadRequest,
	oauth2errors.ErrServerError:             http.StatusInternalServerError,
	oauth2errors.ErrTemporarilyUnavailable:  http.StatusServiceUnavailable,
	oauth2errors.ErrInvalidClient:           http.StatusUnauthorized,
	oauth2errors.ErrInvalidGrant:            http.StatusBadRequest,
	oauth2errors.ErrUnsupportedGrantType:    http.StatusBadRequest,
	ErrInvalidTokenCode:                     http.StatusUnauthorized,
	ErrInsufficientScope:                    http.StatusForbidden,
}

// OAuth2Error is a protocol error with the HTTP status it maps to
type OAuth2Error struct {
	// Err is one of the RFC 6749 sentinels from go-oauth2's errors package
	Err         error
	Description string
	Status      int
}

func (e *OAuth2Error) Error() string {
	if e.Description == "" {
		return e.Err.Error()
	}
	return e.Err.Error() + ": " + e.Description
}

func (e *OAuth2Error) Unwrap() error {
	return e.Err
}

// Code is the value of the error field in the response body
func (e *OAuth2Error) Code() string {
	return e.Err.Error()
}

func (e *OAuth2Error) Response() models.OAuth2Error {
	return models.NewOAuth2Error(e.Code(), e.Description)
}

// NewOAuth2Error builds an error with the default status for its code
func NewOAuth2Error(err error, description string) *OAuth2Error {
	if description == "" {
		description = oauth2errors.Descriptions[err]
	}
	status, ok := statusCodes[err]
	if !ok {
		status = http.StatusBadRequest
	}
	return &OAuth2Error{Err: err, Description: description, Status: status}
}

func invalidRequest(description string) *OAuth2Error {
	return NewOAuth2Error(oauth2errors.ErrInvalidRequest, description)
}

func invalidGrant(description string) *OAuth2Error {
	return NewOAuth2Error(oauth2errors.ErrInvalidGrant, description)
}

func invalidScope(description string) *OAuth2Error {
	return NewOAuth2Error(oauth2errors.ErrInvalidScope, description)
}

func unauthorizedClient(description string) *OAuth2Error {
	return NewOAuth2Error(oauth2errors.ErrUnauthorizedClient, description)
}

// invalidClient carries a fixed description so callers cannot tell which check failed
func invalidClient() *OAuth2Error {
	return NewOAuth2Error(oauth2errors.ErrInvalidClient, "Client authentication failed")
}

// AsOAuth2Error maps any error onto a protocol error. Deadlines become a
// retryable 503, anything unrecognised a 500 without internal detail.
func AsOAuth2Error(err error) *OAuth2Error {
	var oerr *OAuth2Error
	if errors.As(err, &oerr) {
		return oerr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewOAuth2Error(oauth2errors.ErrTemporarilyUnavailable, "The server is temporarily unable to handle the request")
	}
	return NewOAuth2Error(oauth2errors.ErrServerError, "The server encountered an unexpected error")
}
