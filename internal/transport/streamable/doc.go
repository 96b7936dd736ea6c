// Package streamable implements the gateway's MCP "Streamable HTTP"
// transport: the single /mcp endpoint that turns POSTed JSON-RPC batches
// and GET-initiated SSE streams into a bidirectional MCP channel.
//
// # Endpoints
//
//	POST /mcp   - submit a JSON-RPC message or batch; responds inline
//	              (JSON mode) or via SSE (SSE mode, default)
//	GET /mcp    - open the standalone server-push stream for a session
//	DELETE /mcp - terminate a session and close all its streams
//
// # Request headers
//
//	Content-Type: application/json        - required for POST
//	Accept: application/json, text/event-stream - required on every request
//	Mcp-Session-Id: <session-id>          - required once a session exists
//	Last-Event-Id: <event-id>             - resume a standalone GET stream
//
// # Response headers
//
//	Mcp-Session-Id: <session-id>          - assigned on initialize, echoed after
//
// # Middleware chain
//
// Requests pass through, outermost first: MetricsMiddleware, RequestID,
// RealIP, DNSRebindingProtection, then the MCP handler itself.
package streamable
