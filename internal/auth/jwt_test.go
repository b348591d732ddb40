package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func identityEcho(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Fatalf("identity missing from context")
		}
		w.Header().Set("X-User", id.UserID)
		w.Header().Set("X-Role", string(id.Role))
	})
}

func TestMiddlewareHeaderAndQueryToken(t *testing.T) {
	tok, err := Sign("secret", "alice", "", time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	h := Middleware("secret")(identityEcho(t))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || rr.Header().Get("X-User") != "alice" || rr.Header().Get("X-Role") != string(RoleStudent) {
		t.Fatalf("header auth: code=%d user=%q role=%q", rr.Code, rr.Header().Get("X-User"), rr.Header().Get("X-Role"))
	}

	req = httptest.NewRequest(http.MethodPost, "/leave?"+QueryTokenParam+"="+tok, nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || rr.Header().Get("X-User") != "alice" {
		t.Fatalf("query auth: code=%d", rr.Code)
	}
}

func TestMiddlewareRejectsBadTokens(t *testing.T) {
	h := Middleware("secret")(identityEcho(t))
	wrong, _ := Sign("other", "alice", RoleStudent, time.Hour)
	expired, _ := Sign("secret", "alice", RoleStudent, -time.Minute)

	for name, authz := range map[string]string{"missing": "", "wrong secret": "Bearer " + wrong, "expired": "Bearer " + expired} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if authz != "" {
			req.Header.Set("Authorization", authz)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, rr.Code)
		}
	}
}

func TestRequireRole(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	h := Middleware("secret")(RequireRole(RoleProctor)(ok))

	student, _ := Sign("secret", "alice", RoleStudent, time.Hour)
	proctor, _ := Sign("secret", "pat", RoleProctor, time.Hour)

	for tok, want := range map[string]int{student: http.StatusForbidden, proctor: http.StatusOK} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != want {
			t.Fatalf("expected %d, got %d", want, rr.Code)
		}
	}
}
