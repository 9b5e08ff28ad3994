package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap/zaptest"
)

func TestMiddlewareChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := NewMiddlewareChain(mark("outer"), mark("inner")).Then(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := NewMiddlewareChain(RecoveryMiddleware(zaptest.NewLogger(t)), RequestIDMiddleware()).
		Then(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/dashboard", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"success":false,"error":{"code":"INTERNAL_ERROR","message":"An internal error occurred"}}`, rec.Body.String())
}

func TestStatusRecorderReusedAcrossMiddleware(t *testing.T) {
	var seen *statusRecorder
	inner := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = wrap(w)
			next.ServeHTTP(seen, r)
		})
	}
	outer := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := wrap(w)
			next.ServeHTTP(rec, r)
			assert.Same(t, rec, seen)
			assert.Equal(t, http.StatusTeapot, rec.status)
			assert.EqualValues(t, 5, rec.bytes)
		})
	}
	h := NewMiddlewareChain(outer, inner).Then(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("hello"))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotNil(t, seen)
}

func TestTracingMiddlewareNamesSpanByRoute(t *testing.T) {
	mux := http.NewServeMux()
	var pattern string
	mux.Handle("GET /api/v1/risks/{id}", TracingMiddleware(noop.NewTracerProvider().Tracer("test"))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			pattern = routePattern(r)
			w.WriteHeader(http.StatusNoContent)
		})))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/risks/abc", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "/api/v1/risks/{id}", pattern)

	assert.Equal(t, "unmatched", routePattern(httptest.NewRequest(http.MethodGet, "/nope", nil)))
}

func TestLocalLimiter(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLocalLimiter(1, 1)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	ok, _ := l.Allow(ctx, "10.0.0.1")
	assert.True(t, ok)
	ok, _ = l.Allow(ctx, "10.0.0.1")
	assert.False(t, ok)

	// buckets are per client
	ok, _ = l.Allow(ctx, "10.0.0.2")
	assert.True(t, ok)

	now = now.Add(time.Second)
	ok, _ = l.Allow(ctx, "10.0.0.1")
	assert.True(t, ok)
}

func TestLocalLimiterEvictsIdleClients(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLocalLimiter(10, 10)
	l.now = func() time.Time { return now }
	for i := 0; i < 1100; i++ {
		_, _ = l.Allow(context.Background(), time.Duration(i).String())
	}
	now = now.Add(time.Hour)
	_, _ = l.Allow(context.Background(), "fresh")
	assert.Len(t, l.limiters, 1)
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.7:52110"
	assert.Equal(t, "198.51.100.7", getClientIP(req))

	req.Header.Set("X-Real-IP", "192.0.2.10")
	assert.Equal(t, "192.0.2.10", getClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.1, 10.0.0.1")
	assert.Equal(t, "203.0.113.1", getClientIP(req))
}
