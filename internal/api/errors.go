package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/kiln/internal/errs"
	"github.com/samcharles93/kiln/internal/inference"
)

// StatusClientClosedRequest is reported for cancelled sessions.
const StatusClientClosedRequest = 499

var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

// statusFor maps an engine error to an HTTP status and error type.
func statusFor(err error) (int, string) {
	if errors.Is(err, ErrInvalidRequest) {
		return http.StatusBadRequest, "invalid_request_error"
	}
	if errors.Is(err, inference.ErrPanic) {
		return http.StatusInternalServerError, "server_error"
	}
	switch errs.KindOf(err) {
	case errs.ErrInvalidConfig:
		return http.StatusBadRequest, "invalid_request_error"
	case errs.ErrState:
		return http.StatusConflict, "conflict_error"
	case errs.ErrCapacityExceeded:
		return http.StatusUnprocessableEntity, "context_length_exceeded"
	case errs.ErrCancelled:
		return StatusClientClosedRequest, "cancelled"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}

func writeEngineError(c *echo.Context, err error) error {
	status, typ := statusFor(err)
	return writeError(c, status, typ, err.Error(), "", "")
}

func errorChunk(err error) map[string]any {
	_, typ := statusFor(err)
	return map[string]any{
		"error": ResponseError{Message: err.Error(), Type: typ},
	}
}
