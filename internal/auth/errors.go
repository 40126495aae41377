package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionConflict means a live authentication session already exists
	// for the account. The caller retries after it resolves, or cancels it.
	ErrSessionConflict = errors.New("authentication already in progress for account")

	// ErrStateMismatch means a callback carried a CSRF state that does not
	// match the session. Never retried: this is a security failure.
	ErrStateMismatch = errors.New("callback state does not match session")

	// ErrSessionNotFound means the session id is unknown or already swept.
	ErrSessionNotFound = errors.New("authentication session not found")

	// ErrListener means the local callback listener could not be started.
	ErrListener = errors.New("failed to start callback listener")
)

// ProviderError is an OAuth2 error response from the provider, either via
// the authorization redirect or the token endpoint.
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("provider error: %s", e.Code)
	}
	return fmt.Sprintf("provider error: %s: %s", e.Code, e.Description)
}
