package common

import (
	"errors"
	"net/http"
)

// CodeInternal is the code rendered for errors that carry no AppError.
const CodeInternal = "INTERNAL"

// AppError pairs a cause with the code and status it is rendered as. The
// cause is logged by the caller and never written to the client.
type AppError struct {
	Code    string
	Message string
	Status  int
	Err     error
}

func (e *AppError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Err != nil:
		return e.Code + ": " + e.Err.Error()
	default:
		return e.Code + ": " + e.Message
	}
}

func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewAppError builds an AppError; err may be nil.
func NewAppError(code, message string, status int, err error) *AppError {
	return &AppError{Code: code, Message: message, Status: status, Err: err}
}

// WriteError renders the outermost AppError in err's chain, or a bare 500.
func WriteError(w http.ResponseWriter, err error) {
	var appErr *AppError
	if !errors.As(err, &appErr) || appErr == nil {
		JSONError(w, http.StatusInternalServerError, CodeInternal, "internal error", nil)
		return
	}
	status := appErr.Status
	if status < http.StatusBadRequest {
		status = http.StatusInternalServerError
	}
	JSONError(w, status, appErr.Code, appErr.Message, nil)
}
