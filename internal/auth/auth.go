// Package auth verifies the credentials a client presents in its auth frame.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Tyrowin/nexus-relay/internal/protocol"
)

var (
	// ErrMissingToken is returned when a token is required but absent.
	ErrMissingToken = errors.New("missing token")
	// ErrInvalidToken is returned when the token does not verify.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when the token has expired.
	ErrExpiredToken = errors.New("token has expired")
	// ErrUserMismatch is returned when the token belongs to another user.
	ErrUserMismatch = errors.New("token subject does not match user")
)

// Verifier checks that token proves the caller is userID.
type Verifier interface {
	Verify(ctx context.Context, userID protocol.ID, token string) error
}

// AllowAll accepts every claim. Used when no secret is configured.
type AllowAll struct{}

// Verify always succeeds.
func (AllowAll) Verify(context.Context, protocol.ID, string) error { return nil }

// Claims are the token claims. The subject carries the user id.
type Claims struct {
	jwt.RegisteredClaims
}

// HMACVerifier checks HS256 tokens whose subject is the user id.
type HMACVerifier struct {
	secret []byte
	issuer string
}

// NewHMACVerifier creates a verifier. An empty issuer accepts any issuer.
func NewHMACVerifier(secret, issuer string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret), issuer: issuer}
}

// Verify parses and validates token.
func (v *HMACVerifier) Verify(_ context.Context, userID protocol.ID, token string) error {
	if token == "" {
		return ErrMissingToken
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpiredToken
		}
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Subject != userID.String() {
		return ErrUserMismatch
	}
	return nil
}

// Issue signs a token for userID valid for ttl. Used by tests and tooling.
func (v *HMACVerifier) Issue(userID protocol.ID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    v.issuer,
		Subject:   userID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
