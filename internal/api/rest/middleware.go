package rest

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/davidleathers/compliance-governance-engine/internal/metrics"
)

type contextKey string

const contextKeyRequestID contextKey = "request_id"

// Middleware represents a function that wraps an HTTP handler
type Middleware func(http.Handler) http.Handler

// MiddlewareChain builds a chain of middleware
type MiddlewareChain struct {
	middlewares []Middleware
}

func NewMiddlewareChain(middlewares ...Middleware) *MiddlewareChain {
	return &MiddlewareChain{middlewares: middlewares}
}

// Then wraps h so the first middleware in the chain runs outermost.
func (c *MiddlewareChain) Then(h http.Handler) http.Handler {
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		h = c.middlewares[i](h)
	}
	return h
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(contextKeyRequestID).(string)
	return id
}

// statusRecorder captures the status and size written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
	wrote  bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wrote {
		s.status = code
		s.wrote = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if !s.wrote {
		s.status = http.StatusOK
		s.wrote = true
	}
	n, err := s.ResponseWriter.Write(b)
	s.bytes += int64(n)
	return n, err
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Hijack supports the websocket upgrade on the event stream.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	s.wrote = true
	return hj.Hijack()
}

func wrap(w http.ResponseWriter) *statusRecorder {
	if rec, ok := w.(*statusRecorder); ok {
		return rec
	}
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func RequestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}
			w.Header().Set("X-Request-ID", requestID)
			ctx := context.WithValue(r.Context(), contextKeyRequestID, requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RecoveryMiddleware turns handler panics into 500 responses.
func RecoveryMiddleware(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("Panic recovered",
						zap.Any("panic", rec),
						zap.String("path", r.URL.Path),
						zap.String("request_id", requestIDFrom(r.Context())),
						zap.ByteString("stack", debug.Stack()))
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"success":false,"error":{"code":"INTERNAL_ERROR","message":"An internal error occurred"}}`))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLoggingMiddleware logs one line per completed request.
func RequestLoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := wrap(w)
			next.ServeHTTP(rec, r)

			fields := []zap.Field{
				zap.String("request_id", requestIDFrom(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Int64("bytes", rec.bytes),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", getClientIP(r)),
			}
			if rec.status >= 500 {
				logger.Warn("Request completed", fields...)
				return
			}
			logger.Info("Request completed", fields...)
		})
	}
}

// TracingMiddleware opens a server span per request.
func TracingMiddleware(tracer trace.Tracer) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracer.Start(r.Context(), fmt.Sprintf("%s %s", r.Method, routePattern(r)),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.target", r.URL.Path),
					attribute.String("http.user_agent", r.UserAgent()),
				),
			)
			defer span.End()

			if span.SpanContext().HasTraceID() {
				w.Header().Set("X-Trace-ID", span.SpanContext().TraceID().String())
			}

			rec := wrap(w)
			next.ServeHTTP(rec, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.status_code", rec.status))
			if rec.status >= 500 {
				span.SetStatus(codes.Error, http.StatusText(rec.status))
			}
		})
	}
}

var (
	httpMetricsOnce  sync.Once
	httpDuration     *prometheus.HistogramVec
	httpRequests     *prometheus.CounterVec
	httpResponseSize *prometheus.HistogramVec
)

func initHTTPMetrics() {
	httpMetricsOnce.Do(func() {
		httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "governance_http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"})
		httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "governance_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "status"})
		httpResponseSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "governance_http_response_size_bytes",
			Help:    "Size of HTTP responses.",
			Buckets: prometheus.ExponentialBuckets(100, 10, 8),
		}, []string{"method", "path", "status"})
	})
}

// MetricsMiddleware records Prometheus HTTP metrics and mirrors them into the
// OTel registry. Paths are labelled by route pattern to bound cardinality.
func MetricsMiddleware(registry *metrics.Registry) Middleware {
	initHTTPMetrics()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := wrap(w)
			next.ServeHTTP(rec, r)

			duration := time.Since(start)
			path := routePattern(r)
			status := strconv.Itoa(rec.status)
			httpDuration.WithLabelValues(r.Method, path, status).Observe(duration.Seconds())
			httpRequests.WithLabelValues(r.Method, path, status).Inc()
			httpResponseSize.WithLabelValues(r.Method, path, status).Observe(float64(rec.bytes))
			registry.RecordAPIRequest(r.Context(), float64(duration.Milliseconds()), r.Method, path, rec.status)
		})
	}
}

// routePattern returns the matched ServeMux pattern without its method, or
// "unmatched" for requests no route claimed.
func routePattern(r *http.Request) string {
	p := r.Pattern
	if p == "" {
		return "unmatched"
	}
	if i := strings.IndexByte(p, ' '); i >= 0 {
		p = p[i+1:]
	}
	return p
}

// Limiter decides whether a request keyed by client may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// LocalLimiter keeps one token bucket per key in process memory.
type LocalLimiter struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*limiterEntry
	idleTTL  time.Duration
	now      func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewLocalLimiter(requestsPerSecond, burst int) *LocalLimiter {
	return &LocalLimiter{
		rps:      rate.Limit(requestsPerSecond),
		burst:    burst,
		limiters: make(map[string]*limiterEntry),
		idleTTL:  10 * time.Minute,
		now:      time.Now,
	}
}

func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.limiters[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[key] = entry
	}
	entry.lastSeen = now
	l.evictIdle(now)
	return entry.limiter.AllowN(now, 1), nil
}

// evictIdle drops buckets untouched for idleTTL. Callers hold mu.
func (l *LocalLimiter) evictIdle(now time.Time) {
	if len(l.limiters) < 1024 {
		return
	}
	for k, e := range l.limiters {
		if now.Sub(e.lastSeen) > l.idleTTL {
			delete(l.limiters, k)
		}
	}
}

// RateLimitMiddleware rejects clients over their budget with 429. Limiter
// errors fail open.
func RateLimitMiddleware(limiter Limiter, logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, err := limiter.Allow(r.Context(), getClientIP(r))
			if err != nil {
				logger.Warn("Rate limiter unavailable", zap.Error(err))
				allowed = true
			}
			if !allowed {
				w.Header().Set("Retry-After", "1")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"success":false,"error":{"code":"RATE_LIMIT_EXCEEDED","message":"Too many requests"}}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
