// Package security provides shared authentication primitives for the
// HTTP and WebSocket listeners.
package security

import (
	"crypto/subtle"
	"os"
)

// TokenValidator checks a bearer token presented by a client. The
// control plane supplies real implementations; StaticToken covers
// single-secret deployments.
type TokenValidator interface {
	Validate(token string) bool
}

// StaticToken validates against one configured secret using a
// constant-time comparison. An empty secret rejects everything.
type StaticToken struct {
	secret string
}

// NewStaticToken builds a validator for the given secret. When envVar
// is non-empty and set in the environment, it overrides the configured
// value so secrets can stay out of config files.
func NewStaticToken(secret, envVar string) *StaticToken {
	if envVar != "" {
		if v := os.Getenv(envVar); v != "" {
			secret = v
		}
	}
	return &StaticToken{secret: secret}
}

// Validate reports whether token matches the configured secret.
func (s *StaticToken) Validate(token string) bool {
	if s == nil || s.secret == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.secret)) == 1
}
