package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiter_Middleware(t *testing.T) {
	l := NewRateLimiter(RateLimit{RequestsPerMinute: 60, Burst: 2}, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	do := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = ip + ":4000"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	for i := 0; i < 2; i++ {
		if code := do("10.0.0.1"); code != http.StatusNoContent {
			t.Fatalf("request %d: expected 204, got %d", i, code)
		}
	}
	if code := do("10.0.0.1"); code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", code)
	}
	if code := do("10.0.0.2"); code != http.StatusNoContent {
		t.Errorf("other clients are unaffected, got %d", code)
	}

	now = now.Add(time.Second)
	if code := do("10.0.0.1"); code != http.StatusNoContent {
		t.Errorf("expected a refilled token, got %d", code)
	}
}

func TestRateLimiter_Sweep(t *testing.T) {
	l := NewRateLimiter(RateLimit{}, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.Allow("a")
	now = now.Add(2 * time.Minute)
	l.Allow("b")
	l.sweep()

	if _, ok := l.visitors["a"]; ok {
		t.Error("expected idle client to be evicted")
	}
	if _, ok := l.visitors["b"]; !ok {
		t.Error("expected active client to be kept")
	}
}

func TestClientID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	if got := clientID(req); got != "192.0.2.1" {
		t.Errorf("remote addr: got %s", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := clientID(req); got != "203.0.113.7" {
		t.Errorf("forwarded: got %s", got)
	}
	req.Header.Set("X-Real-IP", "198.51.100.2")
	if got := clientID(req); got != "198.51.100.2" {
		t.Errorf("real ip: got %s", got)
	}
}
