package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/oauth2"
)

// PKCE holds the verifier/challenge pair and the CSRF state for one
// authorization attempt.
type PKCE struct {
	Verifier  string
	Challenge string
	State     string
}

// NewPKCE generates a fresh code verifier, its S256 challenge, and an
// unguessable state token.
func NewPKCE() (PKCE, error) {
	verifier := oauth2.GenerateVerifier()

	stateBytes := make([]byte, 16)
	if _, err := rand.Read(stateBytes); err != nil {
		return PKCE{}, fmt.Errorf("failed to generate state token: %w", err)
	}

	return PKCE{
		Verifier:  verifier,
		Challenge: oauth2.S256ChallengeFromVerifier(verifier),
		State:     hex.EncodeToString(stateBytes),
	}, nil
}
