package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("change role: %w", Forbidden("requester %s is not admin", "u1"))

	assert.True(t, errors.Is(err, ErrForbidden))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, KindForbidden, KindOf(err))
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
}

func TestPublicMessageHidesInternalCause(t *testing.T) {
	err := Internal(errors.New("pq: connection refused"), "failed to load project")

	assert.Equal(t, "failed to load project", PublicMessage(err))
	assert.Equal(t, "internal error", PublicMessage(errors.New("raw")))
	assert.Equal(t, "role \"owner\" is not allowed", PublicMessage(Invalid("role %q is not allowed", "owner")))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[error]int{
		Unauthenticated("x"): http.StatusUnauthorized,
		Forbidden("x"):       http.StatusForbidden,
		NotFound("x"):        http.StatusNotFound,
		Conflict("x"):        http.StatusConflict,
		Invalid("x"):         http.StatusBadRequest,
		TooManyRequests("x"): http.StatusTooManyRequests,
		errors.New("x"):      http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, HTTPStatus(err), err.Error())
	}
}
