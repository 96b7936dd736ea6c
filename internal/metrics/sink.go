// Package metrics defines the gateway's metrics sink: a narrow interface
// that every component recording request/tool/circuit-breaker counts
// depends on, so the Prometheus wire format is one interchangeable
// implementation behind it rather than baked into the call sites.
package metrics

import "time"

// Sink receives the gateway's runtime counters. Implementations must be
// safe for concurrent use. A nil-safe NoopSink is provided for call sites
// that run before a real sink is wired (e.g. package-level tests).
type Sink interface {
	// ObserveRequest records one completed HTTP request at the transport
	// boundary.
	ObserveRequest(method string, status int, duration time.Duration)

	// SetActiveSessions reports the current live session count.
	SetActiveSessions(n int)

	// SetActiveSSEStreams adjusts the open SSE stream count by delta
	// (batch-response + standalone GET streams).
	SetActiveSSEStreams(delta int)

	// ObserveToolCall records one completed tool dispatch, local or
	// upstream-routed.
	ObserveToolCall(tool string, isError bool, duration time.Duration)

	// ObserveCircuitState records a circuit breaker transition for an
	// upstream.
	ObserveCircuitState(upstream string, state string)
}

// NoopSink discards every observation. Useful as a default so components
// never need a nil check before recording.
type NoopSink struct{}

func (NoopSink) ObserveRequest(string, int, time.Duration) {}
func (NoopSink) SetActiveSessions(int)                     {}
func (NoopSink) SetActiveSSEStreams(int)                   {}
func (NoopSink) ObserveToolCall(string, bool, time.Duration) {}
func (NoopSink) ObserveCircuitState(string, string)        {}
