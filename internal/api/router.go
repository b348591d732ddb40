package api

import (
	"context"
	"encoding/json"
	"iter"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/examgate/proctor-control-plane/internal/auth"
	"github.com/examgate/proctor-control-plane/internal/config"
	"github.com/examgate/proctor-control-plane/internal/metrics"
	"github.com/examgate/proctor-control-plane/internal/model"
	"github.com/examgate/proctor-control-plane/internal/monitor"
	"github.com/examgate/proctor-control-plane/internal/session"
)

type Sessions interface {
	Join(ctx context.Context, req session.JoinRequest) (session.JoinResult, error)
	Apply(ctx context.Context, r session.Report) (session.Outcome, error)
}

type Snapshots interface {
	Snapshot(ctx context.Context, examID string) (monitor.Snapshot, error)
	Invalidate(examID string)
}

type Store interface {
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
	Query(ctx context.Context, q model.EventQuery) iter.Seq2[model.Event, error]
	Ping(ctx context.Context) error
}

type Server struct {
	cfg      config.Config
	sessions Sessions
	monitor  Snapshots
	store    Store
	log      *zap.Logger
	now      func() time.Time
}

func NewRouter(cfg config.Config, sessions Sessions, mon Snapshots, st Store, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		monitor:  mon,
		store:    st,
		log:      log.Named("api"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", metrics.Default().Handler().ServeHTTP)

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.Use(auth.Middleware(cfg.JWTSecret))

		v1.Post("/exams/{examId}/join", s.handleJoin)
		v1.Post("/sessions/{sessionId}/events", s.handleSessionEvent)
		v1.Post("/sessions/{sessionId}/submit", s.handleSubmit)
		v1.Post("/sessions/{sessionId}/leave", s.handleLeave)
		v1.Get("/sessions/{sessionId}/events", s.handleSessionEvents)

		v1.Group(func(proctor chi.Router) {
			proctor.Use(auth.RequireRole(auth.RoleProctor))
			proctor.Get("/exams/{examId}/snapshot", s.handleSnapshot)
			proctor.Get("/exams/{examId}/events", s.handleExamEvents)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeAPIError(w, r, http.StatusServiceUnavailable, "storage_error", "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type apiError struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	} `json:"error"`
}

func writeAPIError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	var payload apiError
	payload.Error.Code = code
	payload.Error.Message = message
	payload.Error.RequestID = middleware.GetReqID(r.Context())
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
