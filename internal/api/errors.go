package api

import (
	"errors"
	"net/http"

	"github.com/samcharles93/dvpack/internal/netspec"
	"github.com/samcharles93/dvpack/pkg/dvweights"
)

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

// classify maps a packing error to an HTTP status and error type.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, dvweights.ErrNotSupported):
		return http.StatusUnprocessableEntity, "not_supported_error"
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, netspec.ErrInvalidSpec),
		errors.Is(err, dvweights.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_request_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}
