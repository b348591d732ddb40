package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/examgate/proctor-control-plane/internal/auth"
	"github.com/examgate/proctor-control-plane/internal/config"
	"github.com/examgate/proctor-control-plane/internal/metrics"
	"github.com/examgate/proctor-control-plane/internal/model"
	"github.com/examgate/proctor-control-plane/internal/monitor"
	"github.com/examgate/proctor-control-plane/internal/session"
)

type mockSessions struct {
	joinFn  func(context.Context, session.JoinRequest) (session.JoinResult, error)
	applyFn func(context.Context, session.Report) (session.Outcome, error)
}

func (m *mockSessions) Join(ctx context.Context, req session.JoinRequest) (session.JoinResult, error) {
	if m.joinFn != nil {
		return m.joinFn(ctx, req)
	}
	return session.JoinResult{}, model.ErrNotFound
}

func (m *mockSessions) Apply(ctx context.Context, r session.Report) (session.Outcome, error) {
	if m.applyFn != nil {
		return m.applyFn(ctx, r)
	}
	return session.Outcome{}, model.ErrNotFound
}

type mockMonitor struct {
	snapshotFn  func(context.Context, string) (monitor.Snapshot, error)
	invalidated []string
}

func (m *mockMonitor) Snapshot(ctx context.Context, examID string) (monitor.Snapshot, error) {
	if m.snapshotFn != nil {
		return m.snapshotFn(ctx, examID)
	}
	return monitor.Snapshot{ExamID: examID}, nil
}

func (m *mockMonitor) Invalidate(examID string) {
	m.invalidated = append(m.invalidated, examID)
}

type mockStore struct {
	getSessionFn func(context.Context, string) (*model.Session, error)
	queryFn      func(context.Context, model.EventQuery) ([]model.Event, error)
	pingErr      error
}

func (m *mockStore) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	if m.getSessionFn != nil {
		return m.getSessionFn(ctx, sessionID)
	}
	return nil, model.ErrNotFound
}

func (m *mockStore) Query(ctx context.Context, q model.EventQuery) iter.Seq2[model.Event, error] {
	return func(yield func(model.Event, error) bool) {
		if m.queryFn == nil {
			return
		}
		evs, err := m.queryFn(ctx, q)
		if err != nil {
			yield(model.Event{}, err)
			return
		}
		for _, ev := range evs {
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func (m *mockStore) Ping(context.Context) error { return m.pingErr }

func newTestRouter(ms *mockSessions, mm *mockMonitor, st *mockStore) http.Handler {
	return NewRouter(testConfig(), ms, mm, st, nil)
}

func TestJoin_CreatedReturns201WithCredential(t *testing.T) {
	var got session.JoinRequest
	ms := &mockSessions{
		joinFn: func(_ context.Context, req session.JoinRequest) (session.JoinResult, error) {
			got = req
			return session.JoinResult{
				Session:    model.Session{ID: "ses_1", ExamID: "math", UserID: "usr_1", MachineID: "pc-100", State: model.StateAllocated},
				Machine:    model.Machine{ID: "pc-100", Label: "PC 100", Password: "secret"},
				Credential: "opaque-credential",
				Created:    true,
			}, nil
		},
	}
	mm := &mockMonitor{}
	router := newTestRouter(ms, mm, &mockStore{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/exams/math/join", jsonBody(map[string]any{"access_code": "1234"}))
	req.Header.Set("Authorization", "Bearer "+testJWT(t, "test-secret", "usr_1", auth.RoleStudent))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	if got.ExamID != "math" || got.UserID != "usr_1" || got.AccessCode != "1234" {
		t.Fatalf("unexpected join request: %+v", got)
	}
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["credential"] != "opaque-credential" || resp["ws_path"] != "/guaclite" {
		t.Fatalf("unexpected response: %v", resp)
	}
	if strings.Contains(rr.Body.String(), "secret") {
		t.Fatalf("machine password leaked: %s", rr.Body.String())
	}
	if len(mm.invalidated) != 1 || mm.invalidated[0] != "math" {
		t.Fatalf("expected snapshot invalidation, got %v", mm.invalidated)
	}
}

func TestJoin_ReentryReturns200(t *testing.T) {
	ms := &mockSessions{
		joinFn: func(_ context.Context, _ session.JoinRequest) (session.JoinResult, error) {
			return session.JoinResult{Session: model.Session{ID: "ses_1", State: model.StateActive}}, nil
		},
	}
	router := newTestRouter(ms, &mockMonitor{}, &mockStore{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/exams/math/join", nil)
	req.Header.Set("Authorization", "Bearer "+testJWT(t, "test-secret", "usr_1", auth.RoleStudent))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{model.ErrPoolExhausted, http.StatusServiceUnavailable, "pool_exhausted"},
		{model.ErrSessionClosed, http.StatusGone, "session_closed"},
		{fmt.Errorf("%w: START in ACTIVE", model.ErrInvalidTransition), http.StatusConflict, "invalid_transition"},
		{model.ErrBusyElsewhere, http.StatusConflict, "busy_elsewhere"},
		{model.ErrInvalidAccessCode, http.StatusForbidden, "invalid_access_code"},
		{model.ErrForbidden, http.StatusForbidden, "forbidden"},
		{model.ErrNotFound, http.StatusNotFound, "not_found"},
		{model.ErrEncoding, http.StatusInternalServerError, "encoding_error"},
		{fmt.Errorf("%w: commit: boom", model.ErrStorage), http.StatusServiceUnavailable, "storage_error"},
		{fmt.Errorf("unexpected"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		ms := &mockSessions{
			applyFn: func(context.Context, session.Report) (session.Outcome, error) { return session.Outcome{}, tc.err },
		}
		router := newTestRouter(ms, &mockMonitor{}, &mockStore{})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/ses_1/submit", nil)
		req.Header.Set("Authorization", "Bearer "+testJWT(t, "test-secret", "usr_1", auth.RoleStudent))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		if rr.Code != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, rr.Code)
		}
		var payload apiError
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode error payload: %v", err)
		}
		if payload.Error.Code != tc.code || payload.Error.RequestID == "" {
			t.Fatalf("%v: unexpected payload %+v", tc.err, payload)
		}
	}
}

func TestSessionEvent_ParsesKindAndReports(t *testing.T) {
	var got session.Report
	ms := &mockSessions{
		applyFn: func(_ context.Context, r session.Report) (session.Outcome, error) {
			got = r
			return session.Outcome{
				Session: model.Session{ID: "ses_1", ExamID: "math", State: model.StateViolation},
				Event:   model.Event{Seq: 4, Kind: r.Kind},
			}, nil
		},
	}
	router := newTestRouter(ms, &mockMonitor{}, &mockStore{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/ses_1/events", jsonBody(map[string]any{
		"kind":   "VIOLATION",
		"detail": "alt+tab",
	}))
	req.Header.Set("Authorization", "Bearer "+testJWT(t, "test-secret", "usr_1", auth.RoleStudent))
	req.Header.Set("X-Forwarded-For", "198.51.100.7")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if got.SessionID != "ses_1" || got.Kind != model.EventViolation || got.Detail != "alt+tab" {
		t.Fatalf("unexpected report: %+v", got)
	}
	if got.ClientAddress != "198.51.100.7" {
		t.Fatalf("expected forwarded client address, got %q", got.ClientAddress)
	}
}

func TestSessionEvent_UnknownKindReturns400(t *testing.T) {
	router := newTestRouter(&mockSessions{}, &mockMonitor{}, &mockStore{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/ses_1/events", jsonBody(map[string]any{"kind": "TELEPORT"}))
	req.Header.Set("Authorization", "Bearer "+testJWT(t, "test-secret", "usr_1", auth.RoleStudent))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestLeave_BeaconQueryToken(t *testing.T) {
	var got session.Report
	ms := &mockSessions{
		applyFn: func(_ context.Context, r session.Report) (session.Outcome, error) {
			got = r
			return session.Outcome{Session: model.Session{ID: r.SessionID, State: model.StateLeft}}, nil
		},
	}
	router := newTestRouter(ms, &mockMonitor{}, &mockStore{})

	tok := testJWT(t, "test-secret", "usr_1", auth.RoleStudent)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/ses_1/leave?access_token="+tok, strings.NewReader("bye"))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if got.Kind != model.EventLeave || got.UserID != "usr_1" {
		t.Fatalf("unexpected report: %+v", got)
	}
}

func TestSnapshot_RequiresProctor(t *testing.T) {
	router := newTestRouter(&mockSessions{}, &mockMonitor{}, &mockStore{})

	for role, want := range map[auth.Role]int{auth.RoleStudent: http.StatusForbidden, auth.RoleProctor: http.StatusOK} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/exams/math/snapshot", nil)
		req.Header.Set("Authorization", "Bearer "+testJWT(t, "test-secret", "usr_1", role))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != want {
			t.Fatalf("role %s: expected %d, got %d", role, want, rr.Code)
		}
	}
}

func TestExamEvents_ParsesCursor(t *testing.T) {
	var got model.EventQuery
	st := &mockStore{
		queryFn: func(_ context.Context, q model.EventQuery) ([]model.Event, error) {
			got = q
			return []model.Event{{Seq: 8}, {Seq: 9}}, nil
		},
	}
	router := newTestRouter(&mockSessions{}, &mockMonitor{}, st)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/exams/math/events?since=2026-01-05T09:00:00Z&after=7&limit=2", nil)
	req.Header.Set("Authorization", "Bearer "+testJWT(t, "test-secret", "pat", auth.RoleProctor))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	want := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	if got.ExamID != "math" || !got.Since.Equal(want) || got.AfterSeq != 7 || got.Limit != 2 {
		t.Fatalf("unexpected query: %+v", got)
	}
	var resp struct {
		NextAfter int64 `json:"next_after"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil || resp.NextAfter != 9 {
		t.Fatalf("unexpected cursor: %s", rr.Body.String())
	}
}

func TestSessionEvents_OwnerOnlyForStudents(t *testing.T) {
	st := &mockStore{
		getSessionFn: func(_ context.Context, id string) (*model.Session, error) {
			return &model.Session{ID: id, UserID: "usr_1"}, nil
		},
		queryFn: func(context.Context, model.EventQuery) ([]model.Event, error) { return nil, nil },
	}
	router := newTestRouter(&mockSessions{}, &mockMonitor{}, st)

	for user, want := range map[string]int{"usr_1": http.StatusOK, "usr_2": http.StatusForbidden} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/ses_1/events", nil)
		req.Header.Set("Authorization", "Bearer "+testJWT(t, "test-secret", user, auth.RoleStudent))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != want {
			t.Fatalf("user %s: expected %d, got %d", user, want, rr.Code)
		}
	}
}

func TestHealthz_StoreDown(t *testing.T) {
	router := newTestRouter(&mockSessions{}, &mockMonitor{}, &mockStore{pingErr: fmt.Errorf("down")})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestMetricsEndpoint_ExposesPrometheusPayload(t *testing.T) {
	metrics.ResetDefaultForTest()
	metrics.Default().IncCounter("proctor_pool_allocations_total", map[string]string{"result": "ok"})

	router := newTestRouter(&mockSessions{}, &mockMonitor{}, &mockStore{})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `proctor_pool_allocations_total{result="ok"} 1`) {
		t.Fatalf("expected allocation counter in payload, got %s", rr.Body.String())
	}
}

func testConfig() config.Config {
	return config.Config{
		ListenAddr:    ":0",
		JWTSecret:     "test-secret",
		GatewayWSPath: "/guaclite",
	}
}

func testJWT(t *testing.T, secret, userID string, role auth.Role) string {
	t.Helper()
	tok, err := auth.Sign(secret, userID, role, time.Hour)
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return tok
}

func jsonBody(v any) *bytes.Reader {
	b, _ := json.Marshal(v)
	return bytes.NewReader(b)
}
