package errs

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindMatching(t *testing.T) {
	err := New(ErrPermissionDenied, "only the sender can edit")

	require.ErrorIs(t, err, ErrPermissionDenied)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "only the sender can edit", Message(err))
	assert.Equal(t, "permission_denied", Code(err))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(err))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := fmt.Errorf("append: %w", Wrap(ErrUnavailable, "store unavailable", cause))

	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, err, cause)
	assert.True(t, IsUnavailable(err))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(err))
}

func TestUnclassifiedIsInternal(t *testing.T) {
	err := errors.New("boom")

	assert.Nil(t, KindOf(err))
	assert.Equal(t, "internal error", Message(err))
	assert.Equal(t, "internal", Code(err))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(err))
}

func TestFromStore(t *testing.T) {
	assert.NoError(t, FromStore(nil))
	assert.ErrorIs(t, FromStore(sql.ErrNoRows), ErrNotFound)
	assert.ErrorIs(t, FromStore(driver.ErrBadConn), ErrUnavailable)
	assert.ErrorIs(t, FromStore(sql.ErrConnDone), ErrUnavailable)

	denied := New(ErrPermissionDenied, "nope")
	assert.Same(t, denied, FromStore(denied))

	other := errors.New("syntax error")
	assert.Same(t, other, FromStore(other))
}
