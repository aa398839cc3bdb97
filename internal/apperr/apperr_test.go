package apperr

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{ErrInvalidArgument, http.StatusBadRequest},
		{fmt.Errorf("chunk 9: %w", ErrInvalidChunkIndex), http.StatusBadRequest},
		{ErrSessionNotFound, http.StatusNotFound},
		{ErrSessionExpired, http.StatusGone},
		{fmt.Errorf("retry: %w", ErrInvalidTransition), http.StatusConflict},
		{ErrQuotaExceeded, http.StatusTooManyRequests},
		{ErrForbidden, http.StatusForbidden},
		{ErrUnauthenticated, http.StatusUnauthorized},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), "err=%v", tt.err)
	}
}

func TestIsUnavailable(t *testing.T) {
	assert.True(t, IsUnavailable(fmt.Errorf("upsert: %w", driver.ErrBadConn)))
	assert.True(t, IsUnavailable(context.DeadlineExceeded))
	assert.False(t, IsUnavailable(errors.New("Error 1406: Data too long for column 'uid'")))
	assert.False(t, IsUnavailable(nil))
}
