package streamable

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hatago/gateway/internal/session"
	"github.com/hatago/gateway/pkg/mcp"
)

// stubGateway is a minimal Gateway for transport-level tests: it echoes an
// initialize result, a tools/list holding only hello_hatago, or invokes a per-test hook for
// tools/call so a test can emit progress notifications before returning.
type stubGateway struct {
	onCall func(ctx context.Context, sessionID string, msg *mcp.Message, sink NotificationSink) (*mcp.Message, error)
}

func (g *stubGateway) Handle(ctx context.Context, sessionID string, msg *mcp.Message, sink NotificationSink) (*mcp.Message, error) {
	if msg.IsNotification() {
		return nil, nil
	}
	switch msg.Method() {
	case "initialize":
		return jsonResponse(msg.RawID(), map[string]any{
			"protocolVersion": "2025-06-18",
			"serverInfo":      map[string]any{"name": "hatago", "version": "test"},
		}), nil
	case "tools/list":
		return jsonResponse(msg.RawID(), map[string]any{"tools": []any{map[string]any{"name": "hello_hatago"}}}), nil
	case "tools/call":
		if g.onCall != nil {
			return g.onCall(ctx, sessionID, msg, sink)
		}
		return jsonResponse(msg.RawID(), map[string]any{
			"content": []any{map[string]any{"type": "text", "text": "Hello Hatago"}},
		}), nil
	default:
		return jsonResponse(msg.RawID(), map[string]any{}), nil
	}
}

func jsonResponse(rawID json.RawMessage, result any) *mcp.Message {
	resultJSON, _ := json.Marshal(result)
	raw, _ := json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id,omitempty"`
		Result  json.RawMessage `json:"result"`
	}{JSONRPC: "2.0", ID: rawID, Result: resultJSON})
	return &mcp.Message{Raw: raw, Direction: mcp.ServerToClient, Timestamp: time.Now()}
}

func newTestServer(t *testing.T, gw Gateway) (*httptest.Server, *session.Store) {
	t.Helper()
	sessions := session.NewStore(session.Config{}, nil)
	t.Cleanup(sessions.Stop)
	srv := New(sessions, gw, WithAddr("127.0.0.1:0"))
	return httptest.NewServer(srv.buildHandler()), sessions
}

func TestInitializeListCallScenario(t *testing.T) {
	ts, _ := newTestServer(t, &stubGateway{})
	defer ts.Close()

	// initialize
	resp, err := http.Post(ts.URL+"/mcp", "application/json", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`))
	if err != nil {
		t.Fatalf("initialize post: %v", err)
	}
	defer resp.Body.Close()
	sessionID := resp.Header.Get(MCPSessionIDHeader)
	if sessionID == "" {
		t.Fatal("expected mcp-session-id header on initialize response")
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"protocolVersion":"2025-06-18"`) {
		t.Fatalf("expected protocol version in initialize result, got %s", body)
	}

	// tools/list
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/mcp", strings.NewReader(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(MCPSessionIDHeader, sessionID)
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("tools/list post: %v", err)
	}
	defer resp2.Body.Close()
	body2, _ := io.ReadAll(resp2.Body)
	if !strings.Contains(string(body2), "hello_hatago") {
		t.Fatalf("expected hello_hatago in tools/list result, got %s", body2)
	}

	// tools/call
	req3, _ := http.NewRequest(http.MethodPost, ts.URL+"/mcp", strings.NewReader(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"hello_hatago","arguments":{}}}`))
	req3.Header.Set("Content-Type", "application/json")
	req3.Header.Set(MCPSessionIDHeader, sessionID)
	resp3, err := http.DefaultClient.Do(req3)
	if err != nil {
		t.Fatalf("tools/call post: %v", err)
	}
	defer resp3.Body.Close()
	body3, _ := io.ReadAll(resp3.Body)
	if !strings.Contains(string(body3), "Hello Hatago") {
		t.Fatalf("expected tool result content, got %s", body3)
	}
}

func TestMissingSessionReturns404(t *testing.T) {
	ts, _ := newTestServer(t, &stubGateway{})
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/mcp", strings.NewReader(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing session, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "-32001") {
		t.Fatalf("expected -32001 session-not-found code, got %s", body)
	}
}

func TestDeleteTwiceIsIdempotentWith404OnSecond(t *testing.T) {
	ts, _ := newTestServer(t, &stubGateway{})
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/mcp", "application/json", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`))
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	sessionID := resp.Header.Get(MCPSessionIDHeader)
	resp.Body.Close()

	del := func() int {
		req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/mcp", nil)
		req.Header.Set(MCPSessionIDHeader, sessionID)
		r, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("delete: %v", err)
		}
		defer r.Body.Close()
		return r.StatusCode
	}

	if code := del(); code != http.StatusNoContent {
		t.Fatalf("expected 204 on first delete, got %d", code)
	}
	if code := del(); code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", code)
	}
}

func TestUnsupportedMethodReturns405WithAllowHeader(t *testing.T) {
	ts, _ := newTestServer(t, &stubGateway{})
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/mcp", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
	if allow := resp.Header.Get("Allow"); allow != "GET, POST, DELETE" {
		t.Fatalf("expected Allow header, got %q", allow)
	}
}

func TestDuplicateStandaloneStreamReturns409(t *testing.T) {
	ts, _ := newTestServer(t, &stubGateway{})
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/mcp", "application/json", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`))
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	sessionID := resp.Header.Get(MCPSessionIDHeader)
	resp.Body.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	firstOpened := make(chan struct{})
	go func() {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/mcp", nil)
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set(MCPSessionIDHeader, sessionID)
		r, err := http.DefaultClient.Do(req)
		if err != nil {
			return
		}
		defer r.Body.Close()
		reader := bufio.NewReader(r.Body)
		_, _ = reader.ReadString('\n')
		close(firstOpened)
		io.Copy(io.Discard, r.Body)
	}()

	select {
	case <-firstOpened:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first standalone stream to open")
	}

	req2, _ := http.NewRequest(http.MethodGet, ts.URL+"/mcp", nil)
	req2.Header.Set("Accept", "text/event-stream")
	req2.Header.Set(MCPSessionIDHeader, sessionID)
	resp2, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatalf("second GET: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate standalone stream, got %d", resp2.StatusCode)
	}
}

func TestProgressNotificationPrecedesFinalResponseOnSSEStream(t *testing.T) {
	gw := &stubGateway{
		onCall: func(ctx context.Context, sessionID string, msg *mcp.Message, sink NotificationSink) (*mcp.Message, error) {
			progress, _ := json.Marshal(map[string]any{
				"jsonrpc": "2.0",
				"method":  "notifications/progress",
				"params":  map[string]any{"progressToken": "t1", "progress": 0.5},
			})
			sink(&mcp.Message{Raw: progress, Direction: mcp.ServerToClient, Timestamp: time.Now()}, msg.RawID())
			return jsonResponse(msg.RawID(), map[string]any{"content": []any{map[string]any{"type": "text", "text": "done"}}}), nil
		},
	}
	ts, _ := newTestServer(t, gw)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/mcp", "application/json", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`))
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	sessionID := resp.Header.Get(MCPSessionIDHeader)
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/mcp", strings.NewReader(`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"x","_meta":{"progressToken":"t1"}}}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(MCPSessionIDHeader, sessionID)

	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("tools/call: %v", err)
	}
	defer resp2.Body.Close()

	body, err := io.ReadAll(resp2.Body)
	if err != nil {
		t.Fatalf("read sse body: %v", err)
	}
	text := string(body)
	progressIdx := strings.Index(text, "progressToken")
	finalIdx := strings.Index(text, `"id":5`)
	if progressIdx == -1 || finalIdx == -1 {
		t.Fatalf("expected both progress and final response frames, got %s", text)
	}
	if progressIdx > finalIdx {
		t.Fatalf("expected progress notification before final response, got %s", text)
	}
}

func TestBatchEachRequestGetsExactlyOneResponse(t *testing.T) {
	ts, _ := newTestServer(t, &stubGateway{})
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/mcp", "application/json", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`))
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	sessionID := resp.Header.Get(MCPSessionIDHeader)
	resp.Body.Close()

	batch := `[{"jsonrpc":"2.0","id":10,"method":"tools/list"},{"jsonrpc":"2.0","id":11,"method":"tools/list"}]`
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/mcp", strings.NewReader(batch))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(MCPSessionIDHeader, sessionID)

	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("batch post: %v", err)
	}
	defer resp2.Body.Close()
	body, _ := io.ReadAll(resp2.Body)

	var results []json.RawMessage
	if err := json.Unmarshal(body, &results); err != nil {
		t.Fatalf("expected JSON array of responses, got %s (%v)", body, err)
	}
	if len(results) != 2 {
		t.Fatalf("expected exactly 2 responses for 2 requests, got %d", len(results))
	}
}

func TestConcurrentSessionsAreIndependent(t *testing.T) {
	ts, _ := newTestServer(t, &stubGateway{})
	defer ts.Close()

	var wg sync.WaitGroup
	ids := make([]string, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := http.Post(ts.URL+"/mcp", "application/json", strings.NewReader(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"initialize","params":{}}`, i)))
			if err != nil {
				t.Errorf("initialize %d: %v", i, err)
				return
			}
			defer resp.Body.Close()
			ids[i] = resp.Header.Get(MCPSessionIDHeader)
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, id := range ids {
		if id == "" {
			t.Fatal("expected every concurrent initialize to get a session id")
		}
		if seen[id] {
			t.Fatalf("expected unique session ids, got duplicate %s", id)
		}
		seen[id] = true
	}
}
