// Package auth verifies the shared service token presented by trusted
// callers (the bot, the worker, the admin CLI). The engine trusts the caller
// to have authenticated the end user on the chat platform; this layer only
// keeps strangers off the API.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var ErrBadToken = errors.New("invalid service token")

type Verifier struct {
	token string
}

func NewVerifier(token string) (*Verifier, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("service token must not be empty")
	}
	return &Verifier{token: token}, nil
}

// Verify compares in constant time regardless of where the candidate
// diverges.
func (v *Verifier) Verify(candidate string) error {
	if subtle.ConstantTimeCompare([]byte(v.token), []byte(candidate)) != 1 {
		return ErrBadToken
	}
	return nil
}

// BearerToken extracts the credential from an Authorization header value.
// Empty string means the header was missing or malformed.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
