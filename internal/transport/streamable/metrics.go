package streamable

import (
	"net/http"
	"time"

	"github.com/hatago/gateway/internal/metrics"
)

// MetricsMiddleware records request duration and status through sink,
// skipping the metrics and health endpoints themselves. Must wrap the
// outermost handler so the recorded duration covers the full middleware
// chain. The Prometheus wire format is one Sink implementation among
// others (metrics.PrometheusSink); this middleware never depends on it
// directly.
func MetricsMiddleware(sink metrics.Sink) func(http.Handler) http.Handler {
	if sink == nil {
		sink = metrics.NoopSink{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isObservabilityPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			sink.ObserveRequest(r.Method, wrapped.status, time.Since(start))
		})
	}
}

func isObservabilityPath(path string) bool {
	switch path {
	case "/metrics", "/health/live", "/health/ready", "/health/startup":
		return true
	default:
		return false
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush delegates to the underlying ResponseWriter when it supports
// http.Flusher, required for SSE responses to pass through this wrapper.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
