package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	err := fmt.Errorf("resolve: %w", New(FileMissing, "file %s absent", "x"))
	assert.Equal(t, FileMissing, KindOf(err))
	assert.True(t, IsKind(err, FileMissing))
	assert.Equal(t, Internal, KindOf(errors.New("disk on fire")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestErrorsIsMatchesKind(t *testing.T) {
	err := Wrap(errors.New("cause"), NotFound, "attachment missing")
	assert.ErrorIs(t, err, New(NotFound, ""))
	assert.NotErrorIs(t, err, New(TooLarge, ""))
	assert.ErrorContains(t, err, "cause")
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		UnsupportedType:     http.StatusBadRequest,
		TooLarge:            http.StatusRequestEntityTooLarge,
		NotFound:            http.StatusNotFound,
		FileMissing:         http.StatusNotFound,
		InvalidOffset:       http.StatusBadRequest,
		Overflow:            http.StatusBadRequest,
		Incomplete:          http.StatusBadRequest,
		RangeNotSatisfiable: http.StatusRequestedRangeNotSatisfiable,
		InvalidParameter:    http.StatusBadRequest,
		Unauthorized:        http.StatusUnauthorized,
		Internal:            http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, HTTPStatus(kind), kind)
	}
}

func TestPublicViewHidesDrift(t *testing.T) {
	err := New(FileMissing, "/var/data/images/abc.png missing")
	assert.Equal(t, NotFound, PublicKind(KindOf(err)))
	assert.Equal(t, "attachment not found", PublicMessage(err))
	assert.Equal(t, "internal error", PublicMessage(errors.New("open /etc/x: denied")))
	assert.Equal(t, "bad offset", PublicMessage(New(InvalidOffset, "bad offset")))
}
