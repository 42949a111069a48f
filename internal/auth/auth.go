// Package auth verifies the gateway's bearer token. The token can be
// configured as plaintext (compared in constant time) or as a bcrypt hash
// so the secret itself never sits in the environment.
package auth

import (
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

var ErrNoTokenConfigured = errors.New("no API token configured")

type Verifier struct {
	token string
	hash  []byte
}

// New builds a verifier from a plaintext token, a bcrypt hash, or both.
// When both are set the plaintext wins (cheaper comparison).
func New(token, bcryptHash string) (*Verifier, error) {
	if token == "" && bcryptHash == "" {
		return nil, ErrNoTokenConfigured
	}
	if bcryptHash != "" {
		// Validate the hash shape up front instead of failing every request.
		if _, err := bcrypt.Cost([]byte(bcryptHash)); err != nil {
			return nil, err
		}
	}
	return &Verifier{token: token, hash: []byte(bcryptHash)}, nil
}

// HashToken produces a bcrypt hash suitable for the API_TOKEN_HASH setting.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Verify reports whether the presented bearer token is acceptable.
func (v *Verifier) Verify(candidate string) bool {
	if candidate == "" {
		return false
	}
	if v.token != "" {
		return subtle.ConstantTimeCompare([]byte(v.token), []byte(candidate)) == 1
	}
	return bcrypt.CompareHashAndPassword(v.hash, []byte(candidate)) == nil
}
