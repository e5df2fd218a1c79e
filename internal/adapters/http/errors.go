package httpadapter

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"auditbuddy/internal/domain"
	profilesvc "auditbuddy/internal/services/profiles"
)

type runtimeError struct {
	code int
	msg  string
}

func (e *runtimeError) Error() string { return e.msg }

type errorBody struct {
	Error      string `json:"error"`
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := classify(err)
	if status >= 500 {
		s.log.Error("request failed", "path", r.URL.Path, "error", err, "request_id", middleware.GetReqID(r.Context()))
	}
	writeJSON(w, status, errorBody{Error: code, StatusCode: status, Message: msg})
}

func classify(err error) (int, string, string) {
	var ve *domain.ValidationError
	var re *runtimeError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, "validation_error", ve.Error()
	case errors.As(err, &re):
		return re.code, "bad_request", re.msg
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited", "Too many requests, please try again later"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found", "Audit not found"
	case errors.Is(err, profilesvc.ErrNotFound):
		return http.StatusNotFound, "not_found", err.Error()
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden, "forbidden", "Only the audit owner may do this"
	}
	return http.StatusInternalServerError, "internal_error", "Internal server error"
}
