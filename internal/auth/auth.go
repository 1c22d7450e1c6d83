// Package auth validates the shared session token presented in rank
// handshakes.
package auth

import (
	"crypto/subtle"
	"errors"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator validates a handshake token.
type Validator interface {
	Validate(token string) error
}

// SessionToken accepts exactly one shared token. An empty stored token
// denies everything.
type SessionToken struct {
	Token string
}

func (s SessionToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}

// ForToken returns a SessionToken validator, or one that accepts any token
// when token is empty and insecure is set.
func ForToken(token string, insecure bool) Validator {
	if token == "" && insecure {
		return FuncValidator(func(string) error { return nil })
	}
	return SessionToken{Token: token}
}
