package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAuthenticateAcceptsAPIKey(t *testing.T) {
	m := NewMiddleware("sk-client-key", "sk-admin-key")
	called := false
	h := m.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if info := GetKeyInfo(r.Context()); info == nil || info.IsAdmin {
			t.Error("expected non-admin key info")
		}
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req.Header.Set("x-api-key", "sk-client-key")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if !called {
		t.Fatal("expected handler to be called")
	}
}

func TestAuthenticateAcceptsAdminKeyToo(t *testing.T) {
	m := NewMiddleware("sk-client-key", "sk-admin-key")
	called := false
	h := m.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if info := GetKeyInfo(r.Context()); info == nil || !info.IsAdmin {
			t.Error("expected admin key info")
		}
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req.Header.Set("Authorization", "Bearer sk-admin-key")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if !called {
		t.Fatal("expected handler to be called")
	}
}

func TestAuthenticateRejectsUnknownKey(t *testing.T) {
	m := NewMiddleware("sk-client-key", "sk-admin-key")
	h := m.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req.Header.Set("x-api-key", "wrong")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRequireAdminRejectsClientKey(t *testing.T) {
	m := NewMiddleware("sk-client-key", "sk-admin-key")
	h := m.RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/admin/credentials", nil)
	req.Header.Set("x-api-key", "sk-client-key")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestExtractTokenPrefersAPIKeyHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("x-api-key", "from-header")
	req.Header.Set("Authorization", "Bearer from-bearer")
	if got := extractToken(req); got != "from-header" {
		t.Fatalf("expected x-api-key to win, got %q", got)
	}
}
