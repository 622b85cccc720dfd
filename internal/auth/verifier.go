package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"codesync/internal/apperrors"

	"github.com/golang-jwt/jwt/v5"
)

// Claims carried by a connection token. The principal is the subject.
type Claims struct {
	jwt.RegisteredClaims
}

// Verifier maps a bearer credential to a principal id.
type Verifier struct {
	secret []byte
}

// NewVerifier creates an HS256 verifier.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify checks the signature and expiry and returns the principal.
// Every failure is Unauthenticated.
func (v *Verifier) Verify(token string) (string, error) {
	if token == "" {
		return "", apperrors.Unauthenticated("missing token")
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", apperrors.Unauthenticated("token expired")
		}
		return "", apperrors.Unauthenticated("invalid token")
	}

	if claims.Subject == "" {
		return "", apperrors.Unauthenticated("token has no subject")
	}
	return claims.Subject, nil
}

// Issue signs a token for principal valid for ttl. Used by tests and the
// devtoken command; production tokens come from the identity provider.
func (v *Verifier) Issue(principal string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// TokenFromRequest extracts the credential from "Authorization: Bearer <t>"
// or, for browser WebSocket clients that cannot set headers, ?token=.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
