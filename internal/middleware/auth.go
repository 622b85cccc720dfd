package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"codesync/internal/apperrors"
	"codesync/internal/auth"
)

// TokenVerifier maps a credential to a principal id.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// AuthRequired rejects requests without a valid bearer token and stores the
// principal in the request context.
func AuthRequired(v TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := v.Verify(auth.TokenFromRequest(r))
			if err != nil {
				AddSpanError(r.Context(), err)
				WriteError(w, err)
				return
			}

			ctx := WithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithPrincipal stores the authenticated principal in ctx.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey, principal)
}

// GetPrincipal returns the principal set by AuthRequired, or "".
func GetPrincipal(ctx context.Context) string {
	p, _ := ctx.Value(principalKey).(string)
	return p
}

// ErrorBody is the JSON shape of every HTTP error response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError renders err with the status its kind maps to.
func WriteError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperrors.HTTPStatus(err))
	_ = json.NewEncoder(w).Encode(ErrorBody{
		Code:    string(apperrors.KindOf(err)),
		Message: apperrors.PublicMessage(err),
	})
}
