package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, Forbidden, KindOf(ErrForbiddenPath))
	assert.Equal(t, NotFound, KindOf(fmt.Errorf("lookup: %w", ErrNotFound)))
	assert.Equal(t, Internal, KindOf(errors.New("boom")))
	assert.False(t, Is(nil, Internal))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		Forbidden:        http.StatusForbidden,
		PermissionDenied: http.StatusForbidden,
		BadRequest:       http.StatusBadRequest,
		Unauthorized:     http.StatusUnauthorized,
		NotFound:         http.StatusNotFound,
		Internal:         http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, HTTPStatus(kind), kind.String())
	}
}

func TestPublicMessageHidesCause(t *testing.T) {
	cause := errors.New("open /srv/data/secret: permission denied")
	err := Wrap(Internal, "read directory", cause)

	assert.Equal(t, "read directory", PublicMessage(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "/srv/data/secret")
	assert.Equal(t, "internal error", PublicMessage(cause))
}
