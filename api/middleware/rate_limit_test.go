package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kobopay/kobopay-backend/pkg/logger"
)

type fakeLimiterStore struct {
	mu     sync.Mutex
	counts map[string]int64
	err    error
}

func newFakeLimiterStore() *fakeLimiterStore {
	return &fakeLimiterStore{counts: map[string]int64{}}
}

func (s *fakeLimiterStore) FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, 0, s.err
	}
	s.counts[scope]++
	return s.counts[scope] <= limit, s.counts[scope], nil
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitThrottlesByIP(t *testing.T) {
	t.Parallel()

	store := newFakeLimiterStore()
	logg := logger.New(logger.Options{ServiceName: "test"})
	handler := RateLimit(NewRateLimitPolicy("reserve", time.Minute, 2), store, logg)(okHandler())

	send := func(addr string) int {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("10.0.0.1:1234"))
	assert.Equal(t, http.StatusOK, send("10.0.0.1:1234"))
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.1:1234"))

	// Another client has its own window.
	assert.Equal(t, http.StatusOK, send("10.0.0.2:1234"))
}

func TestRateLimitHonorsForwardedFor(t *testing.T) {
	t.Parallel()

	store := newFakeLimiterStore()
	logg := logger.New(logger.Options{ServiceName: "test"})
	handler := RateLimit(NewRateLimitPolicy("reserve", time.Minute, 1), store, logg)(okHandler())

	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.RemoteAddr = "172.16.0.1:9999"
		req.Header.Set("X-Forwarded-For", "203.0.113.7, 172.16.0.1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send())
	assert.Equal(t, http.StatusTooManyRequests, send())
	assert.Contains(t, store.counts, "reserve:ip:203.0.113.7")
}

func TestRateLimitDisabledPassesThrough(t *testing.T) {
	t.Parallel()

	logg := logger.New(logger.Options{ServiceName: "test"})

	handler := RateLimit(NewRateLimitPolicy("reserve", 0, 0), newFakeLimiterStore(), logg)(okHandler())
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	handler = RateLimit(NewRateLimitPolicy("reserve", time.Minute, 5), nil, logg)(okHandler())
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitStoreFailure(t *testing.T) {
	t.Parallel()

	store := newFakeLimiterStore()
	store.err = errors.New("redis down")
	logg := logger.New(logger.Options{ServiceName: "test"})
	handler := RateLimit(NewRateLimitPolicy("reserve", time.Minute, 5), store, logg)(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
