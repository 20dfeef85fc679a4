package api

import (
	"fmt"
	"net/http"
	"strings"
)

// ApiError is the JSON body of every non-2xx API response.
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

func statusText(code int) string {
	return strings.ToLower(http.StatusText(code))
}

func NewBadRequestError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusBadRequest,
		Message:    statusText(http.StatusBadRequest),
	}
}

func NewInternalServerError(err error) *ApiError {
	return &ApiError{
		StatusCode: http.StatusInternalServerError,
		Message:    statusText(http.StatusInternalServerError),
		Err:        err,
	}
}
