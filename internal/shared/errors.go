package shared

import "errors"

var (
	// ErrNotFound indicates a lookup predicate matched no record.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists indicates registration with a taken email.
	ErrAlreadyExists = errors.New("already exists")
	// ErrInvalidToken indicates a password reset with an unknown token.
	ErrInvalidToken = errors.New("invalid reset token")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
)
