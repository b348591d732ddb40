package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/examgate/proctor-control-plane/internal/model"
)

type errorMapping struct {
	target  error
	status  int
	code    string
	message string
}

var errorMappings = []errorMapping{
	{model.ErrPoolExhausted, http.StatusServiceUnavailable, "pool_exhausted", "no machine is available"},
	{model.ErrSessionClosed, http.StatusGone, "session_closed", "session is closed"},
	{model.ErrInvalidTransition, http.StatusConflict, "invalid_transition", "event not accepted in current state"},
	{model.ErrBusyElsewhere, http.StatusConflict, "busy_elsewhere", "user holds a machine for another exam"},
	{model.ErrInvalidAccessCode, http.StatusForbidden, "invalid_access_code", "access code does not match"},
	{model.ErrForbidden, http.StatusForbidden, "forbidden", "session belongs to another user"},
	{model.ErrNotFound, http.StatusNotFound, "not_found", "not found"},
	{model.ErrEncoding, http.StatusInternalServerError, "encoding_error", "credential could not be issued"},
	{model.ErrConflict, http.StatusConflict, "conflict", "concurrent update, retry"},
	{model.ErrStorage, http.StatusServiceUnavailable, "storage_error", "storage unavailable"},
}

// writeDomainError maps a model sentinel to its HTTP status. Unknown
// errors are logged and reported as 500.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			if m.status >= http.StatusInternalServerError {
				s.log.Warn("request_failed", zap.String("path", r.URL.Path), zap.String("code", m.code), zap.Error(err))
			}
			writeAPIError(w, r, m.status, m.code, m.message)
			return
		}
	}
	s.log.Error("request_failed", zap.String("path", r.URL.Path), zap.Error(err))
	writeAPIError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
}
