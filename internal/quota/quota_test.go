package quota

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter()

	rpm := 10
	client := "192.0.2.1"

	for i := 0; i < 10; i++ {
		if !rl.Allow(client, rpm) {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	if rl.Allow(client, rpm) {
		t.Error("11th request should be denied")
	}
}

func TestRateLimiterUnlimited(t *testing.T) {
	rl := NewRateLimiter()

	// rpm=0 means unlimited
	for i := 0; i < 1000; i++ {
		if !rl.Allow("192.0.2.1", 0) {
			t.Fatalf("request %d should be allowed (unlimited)", i+1)
		}
	}
}

func TestRateLimiterRefill(t *testing.T) {
	rl := NewRateLimiter()
	client := "192.0.2.1"
	rpm := 60 // 1 token per second

	for i := 0; i < 60; i++ {
		rl.Allow(client, rpm)
	}

	if rl.Allow(client, rpm) {
		t.Error("should be rate limited after exhausting tokens")
	}

	time.Sleep(1100 * time.Millisecond)

	if !rl.Allow(client, rpm) {
		t.Error("should be allowed after refill")
	}
}

func TestRateLimiterRetryAfter(t *testing.T) {
	rl := NewRateLimiter()
	client := "192.0.2.1"
	rpm := 60

	for i := 0; i < 60; i++ {
		rl.Allow(client, rpm)
	}

	retryAfter := rl.RetryAfter(client, rpm)
	if retryAfter < 1 {
		t.Errorf("expected retry-after >= 1, got %d", retryAfter)
	}
}

func TestRateLimiterPerClient(t *testing.T) {
	rl := NewRateLimiter()

	for i := 0; i < 5; i++ {
		if !rl.Allow("192.0.2.1", 5) {
			t.Fatalf("client 1 request %d should be allowed", i+1)
		}
	}
	if rl.Allow("192.0.2.1", 5) {
		t.Error("client 1 should be rate limited")
	}

	// A different client still has tokens.
	if !rl.Allow("192.0.2.2", 5) {
		t.Error("client 2 should not be affected by client 1's limit")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter()

	rl.Allow("192.0.2.1", 10)
	rl.Allow("192.0.2.2", 10)

	if len(rl.buckets) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(rl.buckets))
	}

	rl.mu.Lock()
	rl.buckets["192.0.2.1"].lastRefill = time.Now().Add(-2 * time.Hour)
	rl.mu.Unlock()

	rl.Cleanup(1 * time.Hour)

	rl.mu.Lock()
	count := len(rl.buckets)
	rl.mu.Unlock()

	if count != 1 {
		t.Errorf("expected 1 bucket after cleanup, got %d", count)
	}
}

func TestMiddleware(t *testing.T) {
	rl := NewRateLimiter()
	handler := Middleware(rl, 2)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/files/x", nil)
	req.RemoteAddr = "192.0.2.1:54321"

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestMiddlewareDisabled(t *testing.T) {
	rl := NewRateLimiter()
	handler := Middleware(rl, 0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:54321"
	for i := 0; i < 100; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}
}
