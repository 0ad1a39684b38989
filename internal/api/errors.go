package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/go-fitsocial/internal/chat"
	"github.com/npezzotti/go-fitsocial/internal/safety"
	"github.com/npezzotti/go-fitsocial/internal/types"
)

type ApiError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func lower(s string) string {
	return strings.ToLower(s)
}

func newApiError(code int, err error) *ApiError {
	return &ApiError{
		StatusCode: code,
		Message:    lower(http.StatusText(code)),
		Err:        err,
	}
}

func NewBadRequestError() *ApiError {
	return newApiError(http.StatusBadRequest, nil)
}

func NewNotFoundError() *ApiError {
	return newApiError(http.StatusNotFound, nil)
}

func NewInternalServerError(err error) *ApiError {
	return newApiError(http.StatusInternalServerError, err)
}

func NewUnauthorizedError() *ApiError {
	return newApiError(http.StatusUnauthorized, nil)
}

func NewForbiddenError() *ApiError {
	return newApiError(http.StatusForbidden, nil)
}

func NewConflictError() *ApiError {
	return newApiError(http.StatusConflict, nil)
}

func NewTooManyRequestsError() *ApiError {
	return newApiError(http.StatusTooManyRequests, nil)
}

func NewServiceUnavailableError(err error) *ApiError {
	return newApiError(http.StatusServiceUnavailable, err)
}

// errorFromService maps a service error onto its HTTP response. Client
// errors carry the service message so callers can see what was rejected.
func errorFromService(err error) *ApiError {
	switch {
	case errors.Is(err, chat.ErrInvalidParticipants),
		errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, types.ErrInvalidRecord):
		e := NewBadRequestError()
		e.Message = err.Error()
		return e
	case errors.Is(err, chat.ErrPermission):
		return NewForbiddenError()
	case errors.Is(err, chat.ErrNotFound):
		return NewNotFoundError()
	case errors.Is(err, chat.ErrTransactionConflict):
		return NewConflictError()
	case errors.Is(err, safety.ErrRateLimited):
		return NewTooManyRequestsError()
	case errors.Is(err, chat.ErrNetwork):
		return NewServiceUnavailableError(err)
	}
	return NewInternalServerError(err)
}
