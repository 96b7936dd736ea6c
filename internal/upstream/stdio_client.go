package upstream

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/hatago/gateway/internal/domain/mcperr"
	"github.com/hatago/gateway/pkg/mcp"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// StdioClient speaks MCP over a subprocess's stdin/stdout. It does not spawn the process itself — the runner (C5) owns
// that lifecycle and hands this client the already-connected pipes, kept
// with request/response id correlation and progress-token demultiplexing,
// since more than one call can be in flight on the same pipe pair at once.
type StdioClient struct {
	id      string
	spec    Spec
	framing Framing
	stdin   io.WriteCloser
	stdout  io.ReadCloser

	nextID int64

	mu      sync.Mutex
	pending map[string]chan *jsonrpc.Response
	sinks   map[string]NotificationSink
	closed  bool

	readDone chan struct{}
}

var _ Client = (*StdioClient)(nil)

// NewStdioClient wraps an already-spawned subprocess's stdin/stdout pipes.
// It starts the background read loop immediately.
func NewStdioClient(id string, spec Spec, stdin io.WriteCloser, stdout io.ReadCloser) *StdioClient {
	framing := spec.Subprocess.Framing
	if framing == "" {
		framing = FramingLineDelimited
	}
	c := &StdioClient{
		id:       id,
		spec:     spec,
		framing:  framing,
		stdin:    stdin,
		stdout:   stdout,
		pending:  make(map[string]chan *jsonrpc.Response),
		sinks:    make(map[string]NotificationSink),
		readDone: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *StdioClient) readLoop() {
	defer close(c.readDone)
	switch c.framing {
	case FramingLengthPrefixed:
		c.readLengthPrefixed()
	default:
		c.readLineDelimited()
	}
}

func (c *StdioClient) readLineDelimited() {
	scanner := bufio.NewScanner(c.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.dispatch(append([]byte(nil), line...))
	}
}

func (c *StdioClient) readLengthPrefixed() {
	reader := bufio.NewReader(c.stdout)
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(reader, lenBuf[:]); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n == 0 || n > 16*1024*1024 {
			return
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(reader, buf); err != nil {
			return
		}
		c.dispatch(buf)
	}
}

// dispatch routes one decoded frame to its waiting caller (response) or
// progress sink (notification), "demultiplexed by their
// progressToken" and the DESIGN NOTES' request-id-keyed routing (never a
// session/stream pointer held by the upstream client).
func (c *StdioClient) dispatch(raw []byte) {
	decoded, err := mcp.DecodeMessage(raw)
	if err != nil {
		return
	}
	switch m := decoded.(type) {
	case *jsonrpc.Response:
		key := idKey(m.ID)
		c.mu.Lock()
		ch := c.pending[key]
		c.mu.Unlock()
		if ch != nil {
			ch <- m
		}
	case *jsonrpc.Request:
		if m.Method != "notifications/progress" {
			return
		}
		var p struct {
			ProgressToken any `json:"progressToken"`
		}
		_ = json.Unmarshal(m.Params, &p)
		tokenKey := fmt.Sprintf("%v", p.ProgressToken)
		c.mu.Lock()
		sink := c.sinks[tokenKey]
		c.mu.Unlock()
		if sink != nil {
			sink(parseProgress(raw, m.Params))
		}
	}
}

func idKey(id jsonrpc.ID) string {
	b, _ := json.Marshal(id)
	return string(b)
}

func (c *StdioClient) send(req *jsonrpc.Request) error {
	body, err := mcp.EncodeMessage(req)
	if err != nil {
		return mcperr.Wrap(mcperr.KindInternal, "encode stdio request", err)
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return mcperr.New(mcperr.KindTransport, fmt.Sprintf("upstream %s stdio closed", c.id))
	}

	switch c.framing {
	case FramingLengthPrefixed:
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
		if _, err := c.stdin.Write(lenBuf[:]); err != nil {
			return mcperr.Wrap(mcperr.KindTransport, "write stdio frame length", err)
		}
		if _, err := c.stdin.Write(body); err != nil {
			return mcperr.Wrap(mcperr.KindTransport, "write stdio frame", err)
		}
	default:
		if _, err := c.stdin.Write(append(body, '\n')); err != nil {
			return mcperr.Wrap(mcperr.KindTransport, "write stdio line", err)
		}
	}
	return nil
}

// call sends method/params, registers a progress sink under progressToken
// (if set) for the duration of the call, and waits for the matching
// response or ctx cancellation.
func (c *StdioClient) call(ctx context.Context, method string, params any, progressToken any, sink NotificationSink) (*jsonrpc.Response, error) {
	reqID := atomic.AddInt64(&c.nextID, 1)
	id, _ := jsonrpc.MakeID(reqID)

	var rawParams json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, mcperr.Wrap(mcperr.KindInternal, "marshal stdio request params", err)
		}
		rawParams = b
	}

	key := idKey(id)
	ch := make(chan *jsonrpc.Response, 1)
	c.mu.Lock()
	c.pending[key] = ch
	var tokenKey string
	if progressToken != nil && sink != nil {
		tokenKey = fmt.Sprintf("%v", progressToken)
		c.sinks[tokenKey] = sink
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, key)
		if tokenKey != "" {
			delete(c.sinks, tokenKey)
		}
		c.mu.Unlock()
	}()

	if err := c.send(&jsonrpc.Request{ID: id, Method: method, Params: rawParams}); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		if ctx.Err() != nil {
			return nil, mcperr.Wrap(mcperr.KindTimeout, fmt.Sprintf("upstream %s call timed out", c.id), ctx.Err())
		}
		return nil, mcperr.New(mcperr.KindTimeout, fmt.Sprintf("upstream %s call cancelled", c.id))
	case <-c.readDone:
		return nil, mcperr.New(mcperr.KindTransport, fmt.Sprintf("upstream %s stdio closed mid-call", c.id))
	}
}

// Initialize implements Client.
func (c *StdioClient) Initialize(ctx context.Context) (ServerInfo, error) {
	resp, err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": "2025-06-18",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "hatago-gateway", "version": "1"},
	}, nil, nil)
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
func (c *StdioClient) ListTools(ctx context.Context) ([]Tool, error) {
	resp, err := c.call(ctx, "tools/list", map[string]any{}, nil, nil)
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
func (c *StdioClient) CallTool(ctx context.Context, name string, args json.RawMessage, progressToken any, sink NotificationSink) (CallResult, error) {
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

	resp, err := c.call(ctx, "tools/call", params, progressToken, sink)
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

// Close implements Client, closing stdin (signalling EOF to the child) and
// stdout. The runner (C5), not this client, is responsible for killing the
// subprocess itself.
func (c *StdioClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var errs []error
	if err := c.stdin.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.stdout.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing stdio client: %v", errs)
	}
	return nil
}
