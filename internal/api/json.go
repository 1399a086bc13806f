package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/roach88/lifeboat/internal/guard"
	"github.com/roach88/lifeboat/internal/restore"
	"github.com/roach88/lifeboat/internal/store"
)

// Error codes for failures that carry no code of their own.
const (
	CodeForbidden     = "FORBIDDEN"
	CodeRateLimited   = "RATE_LIMITED"
	CodeBadRequest    = "BAD_REQUEST"
	CodeNotFound      = "NOT_FOUND"
	CodeBodyTooLarge  = "BODY_TOO_LARGE"
	CodeInternalError = "INTERNAL_ERROR"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable,omitempty"`
}

// writeJSON encodes v without HTML escaping, so payloads travel byte for
// byte as they were stored.
func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		http.Error(w, `{"error":"Internal Server Error","code":"INTERNAL_ERROR"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func writeErrorResponse(w http.ResponseWriter, status int, code, msg string, retryable bool) {
	writeJSON(w, status, ErrorResponse{
		Error:     http.StatusText(status),
		Message:   msg,
		Code:      code,
		Retryable: retryable,
	})
}

// writeGuardError renders access guard denials.
func writeGuardError(w http.ResponseWriter, status int, err error) {
	code := CodeForbidden
	if errors.Is(err, guard.ErrRateLimited) {
		code = CodeRateLimited
	}
	writeErrorResponse(w, status, code, err.Error(), status == http.StatusTooManyRequests)
}

// writeError maps a service error onto a status code. Unknown errors are
// logged and reported without detail.
func (app *Application) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		rve *restore.ValidationError
		sve *store.ValidationError
		se  *restore.StorageError
		mbe *http.MaxBytesError
	)
	switch {
	case errors.As(err, &rve):
		writeErrorResponse(w, http.StatusBadRequest, string(rve.Code), rve.Error(), false)
	case errors.As(err, &sve):
		writeErrorResponse(w, http.StatusBadRequest, CodeBadRequest, sve.Error(), false)
	case errors.As(err, &mbe):
		writeErrorResponse(w, http.StatusRequestEntityTooLarge, CodeBodyTooLarge, err.Error(), false)
	case errors.As(err, &se):
		app.logger.Errorw("storage failure", "path", r.URL.Path, "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, string(restore.ErrCodeStorageFailure), se.Error(), se.Retryable())
	default:
		app.logger.Errorw("internal error", "path", r.URL.Path, "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, CodeInternalError, "An unexpected error occurred", false)
	}
}
