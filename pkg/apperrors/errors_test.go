package apperrors_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/apperrors"
)

func TestWrapPreservesDomainErrors(t *testing.T) {
	orig := apperrors.Conflict("duplicate base url %q", "https://gitlab.example.com")

	wrapped := fmt.Errorf("creating instance: %w", orig)

	e := apperrors.Wrap(wrapped)
	require.NotNil(t, e)
	assert.Equal(t, apperrors.CodeConflict, e.Code)
	assert.True(t, apperrors.IsCode(wrapped, apperrors.CodeConflict))
}

func TestWrapFoldsUnknownIntoInternal(t *testing.T) {
	err := errors.New("boom")

	e := apperrors.Wrap(err)
	assert.Equal(t, apperrors.CodeInternal, e.Code)
	assert.ErrorIs(t, e, err)
}

func TestRetryable(t *testing.T) {
	assert.True(t, apperrors.Retryable(apperrors.Connection(nil, "refused")))
	assert.True(t, apperrors.Retryable(apperrors.Timeout(nil, "deadline")))
	assert.True(t, apperrors.Retryable(apperrors.RateLimited("429")))

	assert.False(t, apperrors.Retryable(apperrors.Validation("bad field")))
	assert.False(t, apperrors.Retryable(apperrors.NotFound("missing")))
	assert.False(t, apperrors.Retryable(apperrors.SyncInProgress(1)))
	assert.False(t, apperrors.Retryable(errors.New("unknown")))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[int]error{
		http.StatusNotFound:            apperrors.NotFound("x"),
		http.StatusConflict:            apperrors.SyncInProgress(3),
		http.StatusBadRequest:          apperrors.Validation("x"),
		http.StatusBadGateway:          apperrors.Connection(nil, "x"),
		http.StatusRequestTimeout:      apperrors.Timeout(nil, "x"),
		http.StatusTooManyRequests:     apperrors.RateLimited("x"),
		http.StatusUnauthorized:        apperrors.AuthenticationFailed("x"),
		http.StatusForbidden:           apperrors.Permission("x"),
		http.StatusInternalServerError: errors.New("x"),
	}

	for status, err := range cases {
		assert.Equal(t, status, apperrors.HTTPStatus(err), err.Error())
	}
}

func TestWithDetail(t *testing.T) {
	e := apperrors.Validation("name is required").
		WithDetail("field", "name")

	assert.Equal(t, "name", e.Details["field"])
}
