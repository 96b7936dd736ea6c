// Package mcp provides MCP JSON-RPC message types and codec utilities shared
// by the gateway's transport, proxy, and upstream client packages.
package mcp

import (
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// Direction indicates the flow direction of a message through the gateway.
type Direction int

const (
	// ClientToServer indicates a message flowing from client to gateway.
	ClientToServer Direction = iota
	// ServerToClient indicates a message flowing from gateway (or an upstream,
	// relayed through the gateway) to client.
	ServerToClient
)

// String returns the string representation of the Direction.
func (d Direction) String() string {
	switch d {
	case ClientToServer:
		return "client->server"
	case ServerToClient:
		return "server->client"
	default:
		return "unknown"
	}
}

// Message wraps a decoded JSON-RPC message with gateway metadata. It stores
// both the raw bytes (for efficient passthrough to an upstream) and the
// decoded message (for routing and progress-token inspection).
type Message struct {
	// Raw contains the original bytes of the message.
	Raw []byte

	// Direction indicates whether this message is flowing from
	// client to gateway or from gateway (or upstream) to client.
	Direction Direction

	// Decoded contains the parsed JSON-RPC message. May be nil if parsing
	// failed but passthrough is still desired. The concrete type is one of
	// *jsonrpc.Request, *jsonrpc.Response.
	Decoded jsonrpc.Message

	// Timestamp records when the message was received by the gateway.
	Timestamp time.Time

	// ParsedParams caches the parsed params from a JSON-RPC request.
	// Set by ParseParams() for reuse across the dispatch chain.
	ParsedParams map[string]interface{}
}

// IsRequest returns true if the message is a JSON-RPC request (including
// notifications, which are requests with no id).
func (m *Message) IsRequest() bool {
	if m.Decoded == nil {
		return false
	}
	_, ok := m.Decoded.(*jsonrpc.Request)
	return ok
}

// IsResponse returns true if the message is a JSON-RPC response.
func (m *Message) IsResponse() bool {
	if m.Decoded == nil {
		return false
	}
	_, ok := m.Decoded.(*jsonrpc.Response)
	return ok
}

// IsNotification returns true if the message is a request-shaped message
// with no id present on the wire (a JSON-RPC notification).
func (m *Message) IsNotification() bool {
	return m.IsRequest() && len(m.RawID()) == 0
}

// Method returns the method name if this is a request, empty string otherwise.
func (m *Message) Method() string {
	req := m.Request()
	if req == nil {
		return ""
	}
	return req.Method
}

// IsToolCall returns true if this is a tools/call request.
func (m *Message) IsToolCall() bool {
	return m.Method() == "tools/call"
}

// Request returns the underlying Request if this is a request message.
// Returns nil if this is not a request.
func (m *Message) Request() *jsonrpc.Request {
	if m.Decoded == nil {
		return nil
	}
	req, _ := m.Decoded.(*jsonrpc.Request)
	return req
}

// Response returns the underlying Response if this is a response message.
// Returns nil if this is not a response.
func (m *Message) Response() *jsonrpc.Response {
	if m.Decoded == nil {
		return nil
	}
	resp, _ := m.Decoded.(*jsonrpc.Response)
	return resp
}

// ParseParams parses the request params and stores the result in
// ParsedParams. Safe to call multiple times (no-op if already parsed).
func (m *Message) ParseParams() map[string]interface{} {
	if m.ParsedParams != nil {
		return m.ParsedParams
	}

	req := m.Request()
	if req == nil || req.Params == nil {
		return nil
	}

	var params map[string]interface{}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil
	}

	m.ParsedParams = params
	return params
}

// ProgressToken extracts params._meta.progressToken from a request, per the
// MCP convention for correlating mid-call progress notifications. Returns
// nil if absent.
func (m *Message) ProgressToken() interface{} {
	params := m.ParsedParams
	if params == nil {
		params = m.ParseParams()
	}
	if params == nil {
		return nil
	}

	meta, ok := params["_meta"].(map[string]interface{})
	if !ok {
		return nil
	}
	token, ok := meta["progressToken"]
	if !ok {
		return nil
	}
	return token
}

// RawID extracts the request ID from the raw message bytes as a
// json.RawMessage. This sidesteps jsonrpc.ID's lossy marshaling through
// interface{} and preserves the original wire representation (number,
// string, or null).
func (m *Message) RawID() json.RawMessage {
	if m.Raw == nil {
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(m.Raw, &raw); err != nil {
		return nil
	}

	return raw["id"]
}

// ToolName extracts params.name from a tools/call request. Returns "" if
// this is not a tools/call request or name is missing/not a string.
func (m *Message) ToolName() string {
	if !m.IsToolCall() {
		return ""
	}
	params := m.ParseParams()
	if params == nil {
		return ""
	}
	name, _ := params["name"].(string)
	return name
}
