// Package apperr defines the pipeline's error taxonomy and its mapping to HTTP statuses.
package apperr

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"net/http"
)

var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrSessionNotFound     = errors.New("upload session not found")
	ErrSessionExpired      = errors.New("upload session has expired")
	ErrInvalidChunkIndex   = errors.New("invalid chunk index")
	ErrChunkTooLarge       = errors.New("chunk exceeds maximum size")
	ErrSessionNotMergeable = errors.New("upload session is not ready for merge")
	ErrIntegrity           = errors.New("merged file integrity check failed")
	ErrChunksMissing       = errors.New("chunk data no longer available")
	ErrRowProcessing       = errors.New("row processing failed")
	ErrJobExecution        = errors.New("job execution failed")
	ErrJobNotFound         = errors.New("job not found")
	ErrInvalidTransition   = errors.New("invalid job status transition")
	ErrJobCancelled        = errors.New("job was cancelled")
	ErrQuotaExceeded       = errors.New("quota exceeded")
	ErrUnsupportedFile     = errors.New("unsupported file type")
	ErrFileNotFound        = errors.New("file not found")
	ErrEmptyFile           = errors.New("no data found in file")
	ErrUnauthenticated     = errors.New("user not authenticated")
	ErrForbidden           = errors.New("permission denied")
)

// HTTPStatus maps an error from the taxonomy to a response status code
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrInvalidChunkIndex),
		errors.Is(err, ErrUnsupportedFile),
		errors.Is(err, ErrEmptyFile):
		return http.StatusBadRequest
	case errors.Is(err, ErrChunkTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrJobNotFound),
		errors.Is(err, ErrFileNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrSessionExpired):
		return http.StatusGone
	case errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrSessionNotMergeable):
		return http.StatusConflict
	case errors.Is(err, ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrIntegrity):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// IsUnavailable reports whether err means the backing store cannot serve
// requests at all, as opposed to rejecting one particular row.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
