package upstream

import (
	"context"
	"encoding/json"
)

// ProgressNotification is a decoded notifications/progress message relayed
// from an upstream back toward the originating client request.
type ProgressNotification struct {
	ProgressToken any
	Progress      float64
	Total         float64
	Message       string
	Raw           json.RawMessage
}

// NotificationSink receives progress notifications as they arrive from the
// upstream, mid-call. Implementations forward these to the
// transport stream that owns the originating client request.
type NotificationSink func(ProgressNotification)

// ServerInfo is the subset of an upstream's initialize result the gateway
// needs to track.
type ServerInfo struct {
	Name            string
	Version         string
	ProtocolVersion string
}

// CallResult is the terminal result of a tools/call forwarded to an
// upstream.
type CallResult struct {
	IsError bool
	Content json.RawMessage
}

// Client is the uniform capability set both upstream transport variants
// implement: initialize, listTools, callTool, close. A tagged
// pair of concrete types behind this one narrow interface, per DESIGN NOTES
// "Polymorphism of upstream clients" — no inheritance hierarchy.
type Client interface {
	// Initialize performs the MCP handshake.
	Initialize(ctx context.Context) (ServerInfo, error)

	// ListTools returns the upstream's raw (un-namespaced) tool catalog.
	ListTools(ctx context.Context) ([]Tool, error)

	// CallTool invokes name with args, streaming any intermediate progress
	// notifications to sink before returning the final result.
	CallTool(ctx context.Context, name string, args json.RawMessage, progressToken any, sink NotificationSink) (CallResult, error)

	// Close releases the underlying connection/process.
	Close() error
}
