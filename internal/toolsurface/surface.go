// Package toolsurface implements the gateway's own MCP server-side dispatch:
// a local tool registry consulted before falling back to the upstream
// router, plus a sendNotification closure sink so a progress notification
// raised mid-call can route back to its originating client request. It
// implements the transport's Gateway interface, splitting dispatch between
// handling a tool call locally and forwarding it to the upstream that owns
// it.
package toolsurface

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/hatago/gateway/internal/domain/mcperr"
	"github.com/hatago/gateway/internal/limiter"
	"github.com/hatago/gateway/internal/proxy"
	"github.com/hatago/gateway/internal/session"
	"github.com/hatago/gateway/internal/upstream"
	"github.com/hatago/gateway/pkg/mcp"
)

// protocolVersion is echoed back in initialize responses.
const protocolVersion = "2025-06-18"

// SendNotification emits a progress-style server notification bound to the
// caller's originating request, sink closure design.
type SendNotification func(progress, total float64, message string)

// CallExtra carries the per-call context a local tool handler needs beyond
// its arguments: the client-supplied progress token (if any) and a sink
// bound to the caller's transport stream.
type CallExtra struct {
	ProgressToken    any
	SessionID        string
	SendNotification SendNotification
}

// Handler is a locally registered tool implementation.
type Handler func(ctx context.Context, args json.RawMessage, extra CallExtra) (upstream.CallResult, error)

type localTool struct {
	Title       string
	Description string
	InputSchema json.RawMessage
	Handler     Handler
}

// ServerInfo identifies the gateway itself in initialize responses.
type ServerInfo struct {
	Name    string
	Version string
}

// Surface is the gateway's tool surface: local registrations plus the
// upstream router, unified behind the transport's Gateway interface.
type Surface struct {
	info     ServerInfo
	registry *proxy.Registry
	sessions *session.Store
	gw       *limiter.Limiter
	logger   *slog.Logger
	tracer   trace.Tracer

	mu    sync.RWMutex
	tools map[string]*localTool
}

// New creates a Surface. registry may be nil, in which case only locally
// registered tools are served; gatewayLimiter may be nil to disable
// gateway-wide admission control.
func New(info ServerInfo, registry *proxy.Registry, sessions *session.Store, gatewayLimiter *limiter.Limiter, logger *slog.Logger) *Surface {
	if logger == nil {
		logger = slog.Default()
	}
	return &Surface{
		info:     info,
		registry: registry,
		sessions: sessions,
		gw:       gatewayLimiter,
		logger:   logger,
		tracer:   noop.NewTracerProvider().Tracer("noop"),
		tools:    make(map[string]*localTool),
	}
}

// SetTracer installs the tracer used to span each dispatched request, from
// dispatch through the limiter and router to the upstream client. A Surface
// built via New has a no-op tracer until this is called.
func (s *Surface) SetTracer(tracer trace.Tracer) {
	if tracer == nil {
		return
	}
	s.tracer = tracer
}

// RegisterTool adds a local tool to the surface. Called by plugins and by
// the gateway's own bootstrap (e.g. the built-in "hello" tool). Re-registering
// an existing name overwrites it.
func (s *Surface) RegisterTool(name, title, description string, inputSchema json.RawMessage, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[name] = &localTool{Title: title, Description: description, InputSchema: inputSchema, Handler: handler}
}

// Handle implements streamable.Gateway.
func (s *Surface) Handle(ctx context.Context, sessionID string, msg *mcp.Message, sink func(msg *mcp.Message, relatedRequestID []byte)) (*mcp.Message, error) {
	if msg.IsNotification() {
		// Notifications are ingested with no response.
		return nil, nil
	}

	method := msg.Method()
	rawID := msg.RawID()

	ctx, span := s.tracer.Start(ctx, "dispatch."+method, trace.WithAttributes(
		attribute.String("mcp.session_id", sessionID),
	))
	defer span.End()

	if s.gw != nil {
		release, result := s.gw.Acquire(ctx, 0)
		if !result.Admitted {
			return nil, admissionError(result)
		}
		defer func() { release(true) }()
	}

	switch method {
	case "initialize":
		return s.handleInitialize(rawID)
	case "tools/list":
		return s.handleToolsList(rawID)
	case "tools/call":
		return s.handleToolsCall(ctx, sessionID, msg, rawID, sink)
	case "prompts/list":
		return buildResult(rawID, map[string]any{"prompts": []any{}})
	case "resources/list":
		return buildResult(rawID, map[string]any{"resources": []any{}})
	default:
		return nil, mcperr.New(mcperr.KindMethodNotFound, fmt.Sprintf("method not found: %s", method))
	}
}

func (s *Surface) handleInitialize(rawID json.RawMessage) (*mcp.Message, error) {
	result := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    s.info.Name,
			"version": s.info.Version,
		},
	}
	return buildResult(rawID, result)
}

type toolEntry struct {
	Name        string          `json:"name"`
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

func (s *Surface) handleToolsList(rawID json.RawMessage) (*mcp.Message, error) {
	s.mu.RLock()
	entries := make([]toolEntry, 0, len(s.tools))
	for name, t := range s.tools {
		entries = append(entries, toolEntry{Name: name, Title: t.Title, Description: t.Description, InputSchema: t.InputSchema})
	}
	s.mu.RUnlock()

	if s.registry != nil {
		for _, e := range s.registry.ListTools() {
			entries = append(entries, toolEntry{Name: e.ExposedName, Title: e.Title, Description: e.Description, InputSchema: e.InputSchema})
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	return buildResult(rawID, map[string]any{"tools": entries})
}

func (s *Surface) handleToolsCall(ctx context.Context, sessionID string, msg *mcp.Message, rawID json.RawMessage, sink func(*mcp.Message, []byte)) (*mcp.Message, error) {
	name := msg.ToolName()
	if name == "" {
		return nil, mcperr.New(mcperr.KindInvalidParams, "tools/call missing tool name")
	}

	var span trace.Span
	ctx, span = s.tracer.Start(ctx, "tool.call", trace.WithAttributes(attribute.String("mcp.tool_name", name)))
	defer span.End()

	params := msg.ParseParams()
	var argsRaw json.RawMessage
	if a, ok := params["arguments"]; ok {
		if b, err := json.Marshal(a); err == nil {
			argsRaw = b
		}
	}

	progressToken := msg.ProgressToken()
	extra := CallExtra{
		ProgressToken: progressToken,
		SessionID:     sessionID,
		SendNotification: func(progress, total float64, message string) {
			if sink == nil || progressToken == nil {
				return
			}
			sink(progressNotification(progressToken, progress, total, message), rawID)
		},
	}

	s.mu.RLock()
	t, ok := s.tools[name]
	s.mu.RUnlock()
	if ok {
		result, err := t.Handler(ctx, argsRaw, extra)
		if err != nil {
			return nil, mcperr.Wrap(mcperr.KindInternal, fmt.Sprintf("local tool %s failed", name), err)
		}
		return buildResult(rawID, callResultPayload(result))
	}

	if s.registry == nil {
		return nil, mcperr.New(mcperr.KindMethodNotFound, fmt.Sprintf("tool not found: %s", name))
	}

	upstreamSink := func(n upstream.ProgressNotification) {
		if sink == nil {
			return
		}
		sink(progressNotification(n.ProgressToken, n.Progress, n.Total, n.Message), rawID)
	}

	result, err := s.registry.Call(ctx, name, argsRaw, progressToken, upstreamSink)
	if err != nil {
		return nil, err
	}
	return buildResult(rawID, callResultPayload(result))
}

func callResultPayload(result upstream.CallResult) map[string]any {
	var content any
	if len(result.Content) > 0 {
		var parsed any
		if err := json.Unmarshal(result.Content, &parsed); err == nil {
			content = parsed
		}
	}
	if content == nil {
		content = []any{}
	}
	return map[string]any{"content": content, "isError": result.IsError}
}

func progressNotification(token any, progress, total float64, message string) *mcp.Message {
	params := map[string]any{"progressToken": token, "progress": progress}
	if total != 0 {
		params["total"] = total
	}
	if message != "" {
		params["message"] = message
	}
	raw, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "notifications/progress",
		"params":  params,
	})
	return &mcp.Message{Raw: raw, Direction: mcp.ServerToClient, Timestamp: time.Now()}
}

func buildResult(rawID json.RawMessage, result any) (*mcp.Message, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	resp := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id,omitempty"`
		Result  json.RawMessage `json:"result"`
	}{JSONRPC: "2.0", ID: rawID, Result: resultJSON}

	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}
	return &mcp.Message{Raw: raw, Direction: mcp.ServerToClient, Timestamp: time.Now()}, nil
}

func admissionError(result limiter.Result) error {
	switch result.Reason {
	case "circuit_open":
		return mcperr.CircuitOpen("gateway", result.RetryAfter)
	case "queue_timeout":
		return mcperr.New(mcperr.KindTimeout, "queue timeout")
	default:
		return mcperr.New(mcperr.KindInternal, "queue full")
	}
}
