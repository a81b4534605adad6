package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestHandlerMiddlewareEnforcesLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	handler := Handler{
		Limiter: RedisLimiter{Client: client, Prefix: "ratelimit:"},
		Config: Config{
			Key:    func(*http.Request) string { return "static" },
			Window: time.Second,
			Max:    1,
		},
	}
	counted := handler.Middleware(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/checkout", nil)
	rr1 := httptest.NewRecorder()
	counted.ServeHTTP(rr1, req.Clone(req.Context()))
	require.Equal(t, http.StatusOK, rr1.Code)

	rr2 := httptest.NewRecorder()
	counted.ServeHTTP(rr2, req.Clone(req.Context()))
	require.Equal(t, http.StatusTooManyRequests, rr2.Code)
	require.Equal(t, "1", rr2.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "0", rr2.Header().Get("X-RateLimit-Remaining"))
	require.NotEmpty(t, rr2.Header().Get("Retry-After"))
	require.Contains(t, rr2.Body.String(), "RATE_LIMITED")
}

func TestHandlerMiddlewareKeysByClientIP(t *testing.T) {
	handler := Handler{
		Limiter: NewMemoryLimiter(),
		Config:  Config{Window: time.Minute, Max: 1},
	}
	counted := handler.Middleware(okHandler())

	first := httptest.NewRequest(http.MethodPost, "/checkout", nil)
	first.RemoteAddr = "10.0.0.1:1234"
	second := httptest.NewRequest(http.MethodPost, "/checkout", nil)
	second.RemoteAddr = "10.0.0.2:1234"

	rr := httptest.NewRecorder()
	counted.ServeHTTP(rr, first)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	counted.ServeHTTP(rr, second)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	counted.ServeHTTP(rr, first.Clone(context.Background()))
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
}

func TestHandlerMiddlewareOnError(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0", MaxRetries: -1, DialTimeout: 50 * time.Millisecond})
	t.Cleanup(func() { _ = client.Close() })

	var reported error
	handler := Handler{
		Limiter: RedisLimiter{Client: client, Prefix: "ratelimit:"},
		Config: Config{
			Key:    func(*http.Request) string { return "err" },
			Window: time.Second,
			Max:    1,
		},
		OnError: func(err error) { reported = err },
	}

	rr := httptest.NewRecorder()
	handler.Middleware(okHandler()).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/checkout", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Error(t, reported)
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, time.Duration, int) (bool, int, time.Time, error) {
	return false, 0, time.Time{}, errors.New("store down")
}

func TestHandlerMiddlewareDisabled(t *testing.T) {
	handler := Handler{Limiter: failingLimiter{}, Config: Config{Window: time.Minute, Max: 0}}
	rr := httptest.NewRecorder()
	handler.Middleware(okHandler()).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/checkout", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Empty(t, rr.Header().Get("X-RateLimit-Limit"))

	rr = httptest.NewRecorder()
	Handler{}.Middleware(okHandler()).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/checkout", nil))
	require.Equal(t, http.StatusOK, rr.Code)
}
