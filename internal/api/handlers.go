package api

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/examgate/proctor-control-plane/internal/auth"
	"github.com/examgate/proctor-control-plane/internal/ledger"
	"github.com/examgate/proctor-control-plane/internal/model"
	"github.com/examgate/proctor-control-plane/internal/session"
)

const (
	defaultEventLimit = 500
	maxEventLimit     = 5000
)

type joinRequest struct {
	AccessCode string `json:"access_code"`
}

type eventRequest struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

type sessionResponse struct {
	Session          model.Session `json:"session"`
	RemainingSeconds int64         `json:"remaining_seconds"`
}

type joinResponse struct {
	sessionResponse
	Credential string `json:"credential"`
	WSPath     string `json:"ws_path"`
	Machine    struct {
		Label string `json:"label"`
	} `json:"machine"`
}

type eventResponse struct {
	sessionResponse
	Event model.Event `json:"event"`
}

func (s *Server) identity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeAPIError(w, r, http.StatusUnauthorized, "unauthorized", "missing user identity")
	}
	return id, ok
}

// decodeOptional accepts an empty body.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func clientAddress(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (s *Server) sessionView(sess model.Session) sessionResponse {
	return sessionResponse{
		Session:          sess,
		RemainingSeconds: int64(session.Remaining(sess, s.now()) / time.Second),
	}
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	var req joinRequest
	if err := decodeOptional(r, &req); err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}

	examID := chi.URLParam(r, "examId")
	res, err := s.sessions.Join(r.Context(), session.JoinRequest{
		ExamID:        examID,
		UserID:        id.UserID,
		AccessCode:    req.AccessCode,
		ClientAddress: clientAddress(r),
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.monitor.Invalidate(examID)

	resp := joinResponse{
		sessionResponse: s.sessionView(res.Session),
		Credential:      res.Credential,
		WSPath:          s.cfg.GatewayWSPath,
	}
	resp.Machine.Label = res.Machine.Label
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleSessionEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	kind, ok := model.ParseEventKind(req.Kind)
	if !ok {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "unknown event kind")
		return
	}
	s.report(w, r, kind, req.Detail)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	s.report(w, r, model.EventSubmit, "")
}

// handleLeave also serves the page-unload beacon, which authenticates
// with the query token and may send any body.
func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	s.report(w, r, model.EventLeave, "")
}

func (s *Server) report(w http.ResponseWriter, r *http.Request, kind model.EventKind, detail string) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	out, err := s.sessions.Apply(r.Context(), session.Report{
		SessionID:     chi.URLParam(r, "sessionId"),
		UserID:        id.UserID,
		Kind:          kind,
		Detail:        detail,
		ClientAddress: clientAddress(r),
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.monitor.Invalidate(out.Session.ExamID)
	writeJSON(w, http.StatusOK, eventResponse{sessionResponse: s.sessionView(out.Session), Event: out.Event})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.monitor.Snapshot(r.Context(), chi.URLParam(r, "examId"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleExamEvents(w http.ResponseWriter, r *http.Request) {
	q, ok := parseEventQuery(w, r)
	if !ok {
		return
	}
	q.ExamID = chi.URLParam(r, "examId")
	s.writeEvents(w, r, q)
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionId")
	if !id.IsProctor() {
		sess, err := s.store.GetSession(r.Context(), sessionID)
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		if sess.UserID != id.UserID {
			s.writeDomainError(w, r, model.ErrForbidden)
			return
		}
	}
	q, ok := parseEventQuery(w, r)
	if !ok {
		return
	}
	q.SessionID = sessionID
	s.writeEvents(w, r, q)
}

func (s *Server) writeEvents(w http.ResponseWriter, r *http.Request, q model.EventQuery) {
	evs, err := ledger.Collect(s.store.Query(r.Context(), q))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	var next int64
	if n := len(evs); n > 0 {
		next = evs[n-1].Seq
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs, "next_after": next})
}

func parseEventQuery(w http.ResponseWriter, r *http.Request) (model.EventQuery, bool) {
	q := model.EventQuery{Limit: defaultEventLimit}
	v := r.URL.Query()
	if raw := v.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "since must be RFC3339")
			return q, false
		}
		q.Since = t
	}
	if raw := v.Get("after"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "after must be a non-negative integer")
			return q, false
		}
		q.AfterSeq = n
	}
	if raw := v.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "limit must be positive")
			return q, false
		}
		q.Limit = min(n, maxEventLimit)
	}
	return q, true
}
