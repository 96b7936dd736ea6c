package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusSink is the default Sink, backing the gateway's /metrics
// exposition with request, session, tool-call, and circuit-breaker
// instruments.
type PrometheusSink struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	activeSessions   prometheus.Gauge
	activeSSEStreams prometheus.Gauge
	toolCallsTotal   *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec
	circuitState     *prometheus.GaugeVec
}

// NewPrometheusSink registers the gateway's instruments with reg.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	return &PrometheusSink{
		requestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hatago",
				Name:      "http_requests_total",
				Help:      "Total number of Streamable HTTP requests processed",
			},
			[]string{"method", "status"},
		),
		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "hatago",
				Name:      "http_request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		activeSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "hatago",
				Name:      "active_sessions",
				Help:      "Number of active MCP sessions",
			},
		),
		activeSSEStreams: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "hatago",
				Name:      "active_sse_streams",
				Help:      "Number of open SSE streams (batch + standalone)",
			},
		),
		toolCallsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hatago",
				Name:      "tool_calls_total",
				Help:      "Total tool invocations by tool name and outcome",
			},
			[]string{"tool", "outcome"},
		),
		toolCallDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "hatago",
				Name:      "tool_call_duration_seconds",
				Help:      "Tool call duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"tool"},
		),
		circuitState: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "hatago",
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state per upstream: 0=closed, 1=half_open, 2=open",
			},
			[]string{"upstream"},
		),
	}
}

func (s *PrometheusSink) ObserveRequest(method string, status int, duration time.Duration) {
	s.requestDuration.WithLabelValues(method).Observe(duration.Seconds())
	s.requestsTotal.WithLabelValues(method, statusOutcome(status)).Inc()
}

func (s *PrometheusSink) SetActiveSessions(n int) {
	s.activeSessions.Set(float64(n))
}

func (s *PrometheusSink) SetActiveSSEStreams(delta int) {
	s.activeSSEStreams.Add(float64(delta))
}

func (s *PrometheusSink) ObserveToolCall(tool string, isError bool, duration time.Duration) {
	outcome := "ok"
	if isError {
		outcome = "error"
	}
	s.toolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
	s.toolCallsTotal.WithLabelValues(tool, outcome).Inc()
}

func (s *PrometheusSink) ObserveCircuitState(upstream string, state string) {
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	default:
		v = 0
	}
	s.circuitState.WithLabelValues(upstream).Set(v)
}

func statusOutcome(code int) string {
	if code >= 200 && code < 400 {
		return "ok"
	}
	return "error"
}
