package util

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWithCORSAnswersPreflight(t *testing.T) {
	called := false
	h := WithCORS(nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/login", nil))
	if rec.Code != http.StatusNoContent || called {
		t.Fatalf("expected preflight short-circuit, code=%d called=%v", rec.Code, called)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected wildcard origin, got %q", got)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/login", nil))
	if !called {
		t.Fatalf("expected non-preflight request to pass through")
	}
}

func TestWithCORSAllowList(t *testing.T) {
	h := WithCORS([]string{"https://chat.example.com/", " "})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	cases := map[string]string{
		"https://chat.example.com": "https://chat.example.com",
		"https://evil.example.com": "",
	}
	for origin, want := range cases {
		req := httptest.NewRequest(http.MethodPost, "/api/me", nil)
		req.Header.Set("Origin", origin)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != want {
			t.Fatalf("origin %s: allow-origin = %q, want %q", origin, got, want)
		}
		if rec.Header().Get("Vary") != "Origin" {
			t.Fatalf("origin %s: expected Vary: Origin", origin)
		}
	}
}
