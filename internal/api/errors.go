package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/aiox-platform/kbchat/internal/kb"
)

// AppError is an error with the status code and message shown to API clients.
type AppError struct {
	Code    int
	Message string
}

func (e *AppError) Error() string {
	return e.Message
}

var (
	ErrNotFound      = &AppError{Code: http.StatusNotFound, Message: "not found"}
	ErrNotConfigured = &AppError{Code: http.StatusNotImplemented, Message: "not configured"}
)

func NewBadRequestError(msg string) *AppError {
	return &AppError{Code: http.StatusBadRequest, Message: msg}
}

// HandleError maps err to a response. Unknown errors are logged and hidden.
func HandleError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *AppError
	switch {
	case errors.As(err, &appErr):
		JSONError(w, appErr.Code, appErr.Message)
	case errors.Is(err, kb.ErrArticleNotFound):
		JSONError(w, http.StatusNotFound, err.Error())
	default:
		slog.Error("admin request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		JSONError(w, http.StatusInternalServerError, "internal server error")
	}
}
