package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

func TestMiddlewareEnforcesLimitPerClient(t *testing.T) {
	lim, err := New(memory.NewStore(), "2-M")
	require.NoError(t, err)
	handler := Handler{Limiter: lim, Key: ByClientIP("webhook", false)}.Middleware(okHandler)

	send := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/mercadopago", nil)
		req.RemoteAddr = addr
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	require.Equal(t, http.StatusOK, send("10.0.0.1:1000").Code)
	require.Equal(t, http.StatusOK, send("10.0.0.1:1001").Code)
	blocked := send("10.0.0.1:1002")
	require.Equal(t, http.StatusTooManyRequests, blocked.Code)
	require.Equal(t, "2", blocked.Header().Get("X-RateLimit-Limit"))
	require.NotEmpty(t, blocked.Header().Get("Retry-After"))

	require.Equal(t, http.StatusOK, send("10.0.0.2:1000").Code)
}

func TestMiddlewareWithRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := NewRedisStore(client, "test:ratelimit")
	require.NoError(t, err)
	lim, err := New(store, "1-M")
	require.NoError(t, err)

	var failures int
	handler := Handler{
		Limiter: lim,
		Key:     func(*http.Request) string { return "static" },
		OnError: func(*http.Request, error) { failures++ },
	}.Middleware(okHandler)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/xendit", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/xendit", nil))
	require.Equal(t, http.StatusTooManyRequests, rr.Code)

	// an unreachable store fails open
	mr.Close()
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/xendit", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 1, failures)
}

func TestNewRejectsBadRate(t *testing.T) {
	_, err := New(memory.NewStore(), "lots")
	require.Error(t, err)
}
