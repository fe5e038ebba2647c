// Package auth verifies the signed identity tokens clients present when
// connecting. Tokens are issued by the account system; the chat server only
// validates them and extracts the username.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoToken means the client presented no token at all.
	ErrNoToken = errors.New("auth: no token presented")

	// ErrInvalidToken covers bad signatures, wrong algorithms, expired
	// tokens and missing claims.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Claims is the token payload. Username is the display identity used for
// messages, bans and rate limiting.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 identity tokens against a shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier for the given shared secret.
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret}
}

// Verify parses and validates a token string and returns the username it
// carries. The signing method is pinned to HS256.
func (v *Verifier) Verify(tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrNoToken
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Username == "" {
		return "", ErrInvalidToken
	}
	return claims.Username, nil
}

// Issue signs a token for a username, valid for the given duration. Used by
// tests and local development; production tokens come from the account
// system.
func (v *Verifier) Issue(username string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}
