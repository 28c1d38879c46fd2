package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if !cfg.Enabled {
		t.Error("Expected rate limiting to be enabled by default")
	}
	if cfg.Limit != 600 {
		t.Errorf("Expected limit 600, got %d", cfg.Limit)
	}
	if cfg.Window != time.Minute {
		t.Errorf("Expected one-minute window, got %v", cfg.Window)
	}
}

func TestLimiter_Disabled(t *testing.T) {
	limiter := Limiter(Config{Enabled: false})

	handler := limiter(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// Should allow unlimited requests when disabled
	for i := 0; i < 100; i++ {
		req := httptest.NewRequest("GET", "/test", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("Request %d: expected 200, got %d", i, w.Code)
		}
	}
}

func TestLimiter_EnforcesLimit(t *testing.T) {
	limiter := Limiter(Config{
		Enabled: true,
		Limit:   5,
		Window:  time.Minute,
	})

	handler := limiter(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	allowed, limited := 0, 0
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		switch w.Code {
		case http.StatusOK:
			allowed++
		case http.StatusTooManyRequests:
			limited++
		default:
			t.Fatalf("unexpected status %d", w.Code)
		}
	}

	if allowed != 5 {
		t.Errorf("expected 5 allowed requests, got %d", allowed)
	}
	if limited != 5 {
		t.Errorf("expected 5 limited requests, got %d", limited)
	}
}

func TestLimiter_KeysByIP(t *testing.T) {
	limiter := Limiter(Config{
		Enabled: true,
		Limit:   1,
		Window:  time.Minute,
	})

	handler := limiter(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// Different client IPs get independent budgets.
	for _, addr := range []string{"10.0.0.1:1000", "10.0.0.2:1000", "10.0.0.3:1000"} {
		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("first request from %s: expected 200, got %d", addr, w.Code)
		}
	}
}
