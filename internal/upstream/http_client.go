package upstream

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hatago/gateway/internal/domain/mcperr"
	"github.com/hatago/gateway/pkg/mcp"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// maxUpstreamResponseBody bounds a single upstream HTTP response, guarding
// against a malicious or misbehaving upstream exhausting memory.
const maxUpstreamResponseBody = 10 * 1024 * 1024

// HTTPClient speaks MCP Streamable HTTP/SSE toward one remote upstream,
// parsing SSE frames directly so the progress notifications on a call's own
// response stream reach that call's notification sink instead of merely
// being scanned line by line.
type HTTPClient struct {
	id      string
	spec    Spec
	httpCli *http.Client

	mu        sync.Mutex
	sessionID string
	nextID    int64
}

// NewHTTPClient builds an HTTP/SSE upstream client for spec. id identifies
// the upstream for error messages and logging.
func NewHTTPClient(id string, spec Spec) *HTTPClient {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		id:   id,
		spec: spec,
		httpCli: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

var _ Client = (*HTTPClient)(nil)

func (c *HTTPClient) applyAuth(req *http.Request) {
	switch c.spec.Auth.Kind {
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+c.spec.Auth.Token)
	case AuthBasic:
		req.SetBasicAuth(c.spec.Auth.Username, c.spec.Auth.Token)
	case AuthCustom:
		for k, v := range c.spec.Auth.Headers {
			req.Header.Set(k, v)
		}
	}
}

func (c *HTTPClient) newRequestID() int64 {
	return atomic.AddInt64(&c.nextID, 1)
}

// doRequest POSTs a single JSON-RPC request and returns either its final
// response or, for a streamed call, delivers progress notifications to sink
// as they arrive.
func (c *HTTPClient) doRequest(ctx context.Context, method string, params any, sink NotificationSink) (*jsonrpc.Response, error) {
	reqID := c.newRequestID()
	id, _ := jsonrpc.MakeID(reqID)

	var rawParams json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, mcperr.Wrap(mcperr.KindInternal, "marshal upstream request params", err)
		}
		rawParams = b
	}

	rpcReq := &jsonrpc.Request{ID: id, Method: method, Params: rawParams}
	body, err := mcp.EncodeMessage(rpcReq)
	if err != nil {
		return nil, mcperr.Wrap(mcperr.KindInternal, "encode upstream request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.spec.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, mcperr.Wrap(mcperr.KindTransport, "build upstream http request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	c.applyAuth(httpReq)

	c.mu.Lock()
	sid := c.sessionID
	c.mu.Unlock()
	if sid != "" {
		httpReq.Header.Set("Mcp-Session-Id", sid)
	}

	resp, err := c.httpCli.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, mcperr.Wrap(mcperr.KindTimeout, fmt.Sprintf("upstream %s call timed out", c.id), err)
		}
		return nil, mcperr.Wrap(mcperr.KindTransport, fmt.Sprintf("upstream %s unreachable", c.id), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		c.mu.Lock()
		c.sessionID = sid
		c.mu.Unlock()
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamResponseBody))
		return nil, mcperr.Wrap(mcperr.KindTransport, fmt.Sprintf("upstream %s http status %d: %s", c.id, resp.StatusCode, string(b)), nil)
	}

	ct := resp.Header.Get("Content-Type")
	if strings.Contains(ct, "text/event-stream") {
		return c.readSSE(resp.Body, reqID, sink)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamResponseBody))
	if err != nil {
		return nil, mcperr.Wrap(mcperr.KindTransport, "read upstream response", err)
	}
	return decodeResponse(raw)
}

func decodeResponse(raw []byte) (*jsonrpc.Response, error) {
	decoded, err := mcp.DecodeMessage(raw)
	if err != nil {
		return nil, mcperr.Wrap(mcperr.KindUpstream, "decode upstream response", err)
	}
	resp, ok := decoded.(*jsonrpc.Response)
	if !ok {
		return nil, mcperr.New(mcperr.KindUpstream, "upstream sent a non-response message")
	}
	return resp, nil
}

// readSSE scans an SSE body for `event: message` frames, forwarding
// notifications and progress frames to sink and returning the final
// response whose id matches wantID.
func (c *HTTPClient) readSSE(body io.Reader, wantID int64, sink NotificationSink) (*jsonrpc.Response, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var dataBuf bytes.Buffer
	flush := func() (*jsonrpc.Response, bool, error) {
		if dataBuf.Len() == 0 {
			return nil, false, nil
		}
		payload := append([]byte(nil), dataBuf.Bytes()...)
		dataBuf.Reset()

		decoded, err := mcp.DecodeMessage(payload)
		if err != nil {
			return nil, false, nil // ignore malformed frames (e.g. keep-alive comments)
		}
		switch m := decoded.(type) {
		case *jsonrpc.Response:
			if responseMatchesID(m, wantID) {
				return m, true, nil
			}
			return nil, false, nil
		case *jsonrpc.Request:
			if m.Method == "notifications/progress" && sink != nil {
				sink(parseProgress(payload, m.Params))
			}
			return nil, false, nil
		default:
			return nil, false, nil
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if resp, done, err := flush(); err != nil {
				return nil, err
			} else if done {
				return resp, nil
			}
		case strings.HasPrefix(line, "data:"):
			dataBuf.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, "event:"), strings.HasPrefix(line, "id:"), strings.HasPrefix(line, ":"):
			// ignored: field name, event id, or SSE comment
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, mcperr.Wrap(mcperr.KindTransport, "reading upstream SSE stream", err)
	}
	if resp, done, err := flush(); err == nil && done {
		return resp, nil
	}
	return nil, mcperr.New(mcperr.KindTransport, "upstream SSE stream closed before final response")
}

func responseMatchesID(resp *jsonrpc.Response, wantID int64) bool {
	b, err := json.Marshal(resp.ID)
	if err != nil {
		return false
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return false
	}
	return n == wantID
}

func parseProgress(raw json.RawMessage, params json.RawMessage) ProgressNotification {
	var p struct {
		ProgressToken any     `json:"progressToken"`
		Progress      float64 `json:"progress"`
		Total         float64 `json:"total"`
		Message       string  `json:"message"`
	}
	_ = json.Unmarshal(params, &p)
	return ProgressNotification{
		ProgressToken: p.ProgressToken,
		Progress:      p.Progress,
		Total:         p.Total,
		Message:       p.Message,
		Raw:           raw,
	}
}

// Initialize implements Client.
func (c *HTTPClient) Initialize(ctx context.Context) (ServerInfo, error) {
	resp, err := c.doRequest(ctx, "initialize", map[string]any{
		"protocolVersion": "2025-06-18",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "hatago-gateway", "version": "1"},
	}, nil)
	if err != nil {
		return ServerInfo{}, err
	}
	if resp.Error != nil {
		return ServerInfo{}, mcperr.Upstream(c.id, resp.Error.Code, resp.Error.Message)
	}
	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return ServerInfo{}, mcperr.Wrap(mcperr.KindUpstream, "decode initialize result", err)
	}
	return ServerInfo{
		Name:            result.ServerInfo.Name,
		Version:         result.ServerInfo.Version,
		ProtocolVersion: result.ProtocolVersion,
	}, nil
}

// ListTools implements Client.
func (c *HTTPClient) ListTools(ctx context.Context) ([]Tool, error) {
	resp, err := c.doRequest(ctx, "tools/list", map[string]any{}, nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, mcperr.Upstream(c.id, resp.Error.Code, resp.Error.Message)
	}
	var result struct {
		Tools []struct {
			Name        string          `json:"name"`
			Title       string          `json:"title"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, mcperr.Wrap(mcperr.KindUpstream, "decode tools/list result", err)
	}
	tools := make([]Tool, 0, len(result.Tools))
	for _, t := range result.Tools {
		tools = append(tools, Tool{Name: t.Name, Title: t.Title, Description: t.Description, InputSchema: t.InputSchema})
	}
	return tools, nil
}

// CallTool implements Client.
func (c *HTTPClient) CallTool(ctx context.Context, name string, args json.RawMessage, progressToken any, sink NotificationSink) (CallResult, error) {
	if c.spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.spec.Timeout)
		defer cancel()
	}

	params := map[string]any{"name": name}
	if len(args) > 0 {
		var decoded any
		if err := json.Unmarshal(args, &decoded); err == nil {
			params["arguments"] = decoded
		}
	}
	if progressToken != nil {
		params["_meta"] = map[string]any{"progressToken": progressToken}
	}

	resp, err := c.doRequest(ctx, "tools/call", params, sink)
	if err != nil {
		return CallResult{}, err
	}
	if resp.Error != nil {
		return CallResult{}, mcperr.Upstream(c.id, resp.Error.Code, resp.Error.Message)
	}
	var result struct {
		IsError bool            `json:"isError"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return CallResult{}, mcperr.Wrap(mcperr.KindUpstream, "decode tools/call result", err)
	}
	return CallResult{IsError: result.IsError, Content: result.Content}, nil
}

// Close implements Client. HTTP upstreams hold no persistent connection
// beyond the pooled *http.Client, so Close only releases idle connections.
func (c *HTTPClient) Close() error {
	c.httpCli.CloseIdleConnections()
	return nil
}
