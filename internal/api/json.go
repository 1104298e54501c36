package api

import (
	"encoding/json"
	"net/http"
	"time"
)

// Error codes surfaced in the response envelope.
const (
	CodeValidation    = "VALIDATION_ERROR"
	CodeUnauthorized  = "UNAUTHORIZED"
	CodeInvalidToken  = "INVALID_TOKEN"
	CodeForbidden     = "FORBIDDEN"
	CodeNotFound      = "NOT_FOUND"
	CodePhotoTooLarge = "PHOTO_TOO_LARGE"
	CodeRateLimited   = "RATE_LIMITED"
	CodeInternal      = "INTERNAL_ERROR"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type meta struct {
	RequestID  string `json:"requestId"`
	Timestamp  string `json:"timestamp"`
	Pagination any    `json:"pagination,omitempty"`
}

type envelope struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *apiError `json:"error,omitempty"`
	Meta    meta      `json:"meta"`
}

func newMeta(r *http.Request) meta {
	return meta{
		RequestID: requestIDFrom(r.Context()),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("X-Request-ID", requestIDFrom(r.Context()))
	writeJSON(w, status, envelope{Success: true, Data: data, Meta: newMeta(r)})
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	w.Header().Set("X-Request-ID", requestIDFrom(r.Context()))
	writeJSON(w, status, envelope{Success: false, Error: &apiError{Code: code, Message: message, Details: details}, Meta: newMeta(r)})
}

// writeInternal hides the underlying error text in production; the
// request id in the body and X-Request-ID header ties the response to
// the server log line.
func (s *Server) writeInternal(w http.ResponseWriter, r *http.Request, err error) {
	s.Log.Error(r.Context(), "internal error", "requestId", requestIDFrom(r.Context()), "path", r.URL.Path, "err", err)
	msg := err.Error()
	if s.Cfg.Production() {
		msg = "internal error"
	}
	writeError(w, r, http.StatusInternalServerError, CodeInternal, msg, nil)
}
