package services

import "errors"

var (
	// ErrNotFound is returned for unknown tenants, clients and users
	ErrNotFound = errors.New("not found")
	// ErrInvalidCredentials never says whether the user or the password was wrong
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAlreadyExists      = errors.New("already exists")
	// ErrInvalidSpec wraps every rejected provisioning input; anything else is a server fault
	ErrInvalidSpec = errors.New("invalid specification")
)
