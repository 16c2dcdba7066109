package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"bank": {RatePerSecond: 1, Burst: 1},
	}, nil)

	handler := limiter.Middleware("bank")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/markets", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", res.Code)
	}
}

func TestRateLimiterSeparatesRoutes(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"reads":  {RatePerSecond: 1, Burst: 1},
		"writes": {RatePerSecond: 1, Burst: 1},
	}, nil)

	reads := limiter.Middleware("reads")(okHandler())
	writes := limiter.Middleware("writes")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/markets", nil)
	req.Header.Set("X-API-Key", "tenant-A")
	res := httptest.NewRecorder()
	reads.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected read request to succeed, got %d", res.Code)
	}

	writeReq := httptest.NewRequest(http.MethodPost, "/v1/deposit", nil)
	writeReq.Header.Set("X-API-Key", "tenant-A")
	writeRes := httptest.NewRecorder()
	writes.ServeHTTP(writeRes, writeReq)
	if writeRes.Code != http.StatusOK {
		t.Fatalf("expected first write request to succeed, got %d", writeRes.Code)
	}

	writeRes = httptest.NewRecorder()
	writes.ServeHTTP(writeRes, writeReq)
	if writeRes.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second write request to hit limit, got %d", writeRes.Code)
	}
}

func TestRateLimiterAppliesRouteTokens(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"bank": {
			RatePerSecond: 0.001,
			Burst:         5,
			DefaultTokens: 1,
			Tokens: map[string]int{
				"POST /v1/borrow": 3,
			},
		},
	}, nil)

	handler := limiter.Middleware("bank")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/borrow", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first borrow request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second borrow request to exceed burst, got %d", res.Code)
	}

	// Reads only consume the default cost, so the remaining tokens admit one.
	statusReq := httptest.NewRequest(http.MethodGet, "/v1/params", nil)
	statusRes := httptest.NewRecorder()
	handler.ServeHTTP(statusRes, statusReq)
	if statusRes.Code != http.StatusOK {
		t.Fatalf("expected params route to succeed with default token cost, got %d", statusRes.Code)
	}
}

func TestRateLimiterPrefersAPIKeyOverIP(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"bank": {RatePerSecond: 1, Burst: 1},
	}, nil)

	handler := limiter.Middleware("bank")(okHandler())

	for _, key := range []string{"tenant-A", "tenant-B"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/markets", nil)
		req.Header.Set("X-API-Key", key)
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		if res.Code != http.StatusOK {
			t.Fatalf("expected %s request to succeed, got %d", key, res.Code)
		}
	}
}

func TestRateLimiterKeysBySubject(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"bank": {RatePerSecond: 1, Burst: 1},
	}, nil)
	handler := limiter.Middleware("bank")(okHandler())

	for _, subject := range []string{"0xaaa", "0xbbb"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/markets", nil)
		req = req.WithContext(context.WithValue(req.Context(), ContextKeySubject, subject))
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		if res.Code != http.StatusOK {
			t.Fatalf("expected %s request to succeed, got %d", subject, res.Code)
		}
	}
}

func TestRateLimiterPrune(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"bank": {RatePerSecond: 1, Burst: 1},
	}, nil)
	now := time.Unix(1_700_000_000, 0)
	limiter.clockNow = func() time.Time { return now }
	handler := limiter.Middleware("bank")(okHandler())
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/markets", nil))

	if removed := limiter.Prune(time.Minute); removed != 0 {
		t.Fatalf("expected fresh limiter to survive, pruned %d", removed)
	}
	now = now.Add(2 * time.Minute)
	if removed := limiter.Prune(time.Minute); removed != 1 {
		t.Fatalf("expected idle limiter to be pruned, pruned %d", removed)
	}
}
