// Package identity resolves the optional caller identity presented to read
// endpoints. The subsystem does not gate access itself; it only needs a user
// id to compare against a session's owner, and callers that present nothing
// get an unauthenticated read.
package identity

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid bearer token")

// Verifier validates HMAC-signed bearer tokens. With no secret configured it
// is disabled and every request proceeds identity-less.
type Verifier struct {
	secret []byte
}

func NewVerifier(hmacSecret string) *Verifier {
	secret := strings.TrimSpace(hmacSecret)
	if secret == "" {
		return &Verifier{}
	}
	return &Verifier{secret: []byte(secret)}
}

func (v *Verifier) Enabled() bool {
	return v != nil && len(v.secret) > 0
}

// FromRequest returns the user id carried by the Authorization header, or
// empty when no identity is presented. A malformed or forged token is a
// caller error, not an anonymous read.
func (v *Verifier) FromRequest(r *http.Request) (string, error) {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", nil
	}
	if !v.Enabled() {
		// No secret configured: tokens cannot be verified, so identity
		// falls back to the user_id query parameter.
		return "", nil
	}
	return v.Verify(strings.TrimSpace(auth[len(prefix):]))
}

// Verify parses and validates a token, returning its subject as the user id.
func (v *Verifier) Verify(tokenStr string) (string, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&jwt.RegisteredClaims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return v.secret, nil
		},
	)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid || strings.TrimSpace(claims.Subject) == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// Sign issues a token for the given user id. Used by tests and local tooling.
func (v *Verifier) Sign(userID string, ttl time.Duration) (string, error) {
	if !v.Enabled() {
		return "", errors.New("verifier has no secret configured")
	}
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
