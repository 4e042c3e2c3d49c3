package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestTokenRoundTrip(t *testing.T) {
	a := New(nil, "test-secret")

	tokenStr, _, err := a.IssueToken(1, "admin", true)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	claims, err := a.validateToken(tokenStr)
	if err != nil {
		t.Fatalf("validateToken: %v", err)
	}
	if claims.Username != "admin" || !claims.IsAdmin || claims.UserID != 1 {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestTokenWrongSecret(t *testing.T) {
	a := New(nil, "secret-a")
	tokenStr, _, err := a.IssueToken(1, "admin", true)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	b := New(nil, "secret-b")
	if _, err := b.validateToken(tokenStr); err == nil {
		t.Fatal("token signed with another secret validated")
	}
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	a := New(nil, "test-secret")
	h := a.Middleware(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestMiddlewareRejectsGarbageToken(t *testing.T) {
	a := New(nil, "test-secret")
	h := a.Middleware(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	a := New(nil, "test-secret")
	tokenStr, _, err := a.IssueToken(2, "editor", false)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	var got *Claims
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetClaims(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got == nil || got.Username != "editor" {
		t.Fatalf("claims = %+v", got)
	}
}

func TestMiddlewareQueryParameterToken(t *testing.T) {
	a := New(nil, "test-secret")
	tokenStr, _, err := a.IssueToken(1, "admin", true)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	h := a.Middleware(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x?token="+tokenStr, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestRequireAdmin(t *testing.T) {
	a := New(nil, "test-secret")
	h := a.Middleware(RequireAdmin(okHandler()))

	adminToken, _, _ := a.IssueToken(1, "admin", true)
	editorToken, _, _ := a.IssueToken(2, "editor", false)

	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+editorToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("editor status = %d, want 403", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin status = %d, want 200", rec.Code)
	}
}
