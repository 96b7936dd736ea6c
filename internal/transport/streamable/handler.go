package streamable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hatago/gateway/internal/session"
	"github.com/hatago/gateway/pkg/mcp"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// MCPSessionIDHeader identifies the session on every request after
// initialize.
const MCPSessionIDHeader = "Mcp-Session-Id"

// LastEventIDHeader resumes a standalone stream from the given event id.
const LastEventIDHeader = "Last-Event-Id"

// maxRequestBodySize bounds a single POST body.
const maxRequestBodySize = 1 << 20

// pingInterval is how often an idle SSE stream receives a keep-alive
// comment
const pingInterval = 30 * time.Second

const initializeMethod = "initialize"

// mcpHandler is the Streamable HTTP endpoint: POST/GET/DELETE dispatched
// by method.
func mcpHandler(sessions *session.Store, gw Gateway, reg *registry, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			handlePost(w, r, sessions, gw, reg, logger)
		case http.MethodGet:
			handleGet(w, r, sessions, reg, logger)
		case http.MethodDelete:
			handleDelete(w, r, sessions, reg)
		case http.MethodOptions:
			handleOptions(w, r)
		default:
			w.Header().Set("Allow", "GET, POST, DELETE")
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		}
	})
}

func acceptsRequiredMedia(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	if accept == "" || accept == "*/*" {
		return true
	}
	return strings.Contains(accept, "application/json") || strings.Contains(accept, "text/event-stream") || strings.Contains(accept, "*/*")
}

// handlePost decodes a JSON-RPC batch and dispatches it
func handlePost(w http.ResponseWriter, r *http.Request, sessions *session.Store, gw Gateway, reg *registry, logger *slog.Logger) {
	if !acceptsRequiredMedia(r) {
		writeJSONRPCError(w, http.StatusNotAcceptable, nil, codeInvalidRequest, "Not Acceptable: Accept header must include application/json or text/event-stream")
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
		writeJSONRPCError(w, http.StatusUnsupportedMediaType, nil, codeInvalidRequest, "Unsupported Media Type: Content-Type must be application/json")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer func() { _ = r.Body.Close() }()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONRPCError(w, http.StatusBadRequest, nil, codeParseError, "Parse error: failed to read request body")
		return
	}

	batch, err := mcp.DecodeBatch(body, mcp.ClientToServer)
	if err != nil {
		var cerr *mcp.CodecError
		status := http.StatusBadRequest
		code := codeInvalidRequest
		if errors.As(err, &cerr) {
			code = cerr.Code
			if code == codeParseError {
				status = http.StatusBadRequest
			}
		}
		writeJSONRPCError(w, status, nil, code, err.Error())
		return
	}

	initCount := 0
	for _, m := range batch {
		if m.IsRequest() && m.Method() == initializeMethod {
			initCount++
		}
	}
	if initCount > 0 && (initCount > 1 || len(batch) > 1) {
		writeJSONRPCError(w, http.StatusBadRequest, nil, codeInvalidRequest, "Invalid Request: initialize must be sent alone")
		return
	}

	ctx := r.Context()
	var sessionID string
	if initCount == 1 {
		sess, err := sessions.Create(ctx)
		if err != nil {
			writeJSONRPCError(w, http.StatusServiceUnavailable, nil, codeGeneric, "Server error: cannot allocate session")
			return
		}
		sessionID = sess.ID
	} else {
		sessionID = r.Header.Get(MCPSessionIDHeader)
		if sessionID == "" {
			writeJSONRPCError(w, http.StatusNotFound, nil, codeSessionNotFound, "Session not found")
			return
		}
		if _, err := sessions.Get(ctx, sessionID); err != nil {
			writeJSONRPCError(w, http.StatusNotFound, nil, codeSessionNotFound, "Session not found")
			return
		}
	}

	requests := make([]*mcp.Message, 0, len(batch))
	requestKeys := make([]string, 0, len(batch))
	notifications := make([]*mcp.Message, 0)
	for _, m := range batch {
		if !m.IsRequest() {
			continue // responses arriving via POST carry no reply obligation
		}
		if m.IsNotification() {
			notifications = append(notifications, m)
			continue
		}
		requests = append(requests, m)
		requestKeys = append(requestKeys, requestKey(m.RawID()))
	}

	sink := func(notifMsg *mcp.Message, relatedRequestID []byte) {
		reg.send(sessionID, notifMsg.Raw, relatedRequestID, false)
	}

	for _, n := range notifications {
		go func(n *mcp.Message) {
			if _, err := gw.Handle(ctx, sessionID, n, sink); err != nil {
				logger.Warn("notification handling failed", "method", n.Method(), "error", err)
			}
		}(n)
	}

	if len(requests) == 0 {
		w.Header().Set(MCPSessionIDHeader, sessionID)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	mode := modeSSE
	if accept := r.Header.Get("Accept"); strings.Contains(accept, "application/json") && !strings.Contains(accept, "text/event-stream") {
		mode = modeJSON
	}

	bs := newBatchStream(mode, requestKeys)
	reg.openBatch(sessionID, bs, requestKeys)
	defer reg.closeBatch(sessionID, bs, requestKeys)

	w.Header().Set(MCPSessionIDHeader, sessionID)

	// bs.sseWrite must be wired up before any request goroutine can reach
	// writeResponse/writeNotification, else a handler fast enough to finish
	// before this function reaches here would have its write silently
	// swallowed into the (for SSE mode, never-read) buffered slice.
	var flusher http.Flusher
	if mode == modeSSE {
		f, ok := w.(http.Flusher)
		if !ok {
			writeJSONRPCError(w, http.StatusInternalServerError, nil, codeInternalError, "Internal error: streaming not supported")
			return
		}
		flusher = f
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		bs.sseWrite = func(payload []byte) {
			_, _ = fmt.Fprintf(w, "event: message\ndata: %s\n\n", payload)
			flusher.Flush()
		}
		flusher.Flush()
	}

	for _, req := range requests {
		go dispatchRequest(ctx, gw, sessionID, req, bs, sink, logger)
	}

	if mode == modeJSON {
		select {
		case <-bs.done:
		case <-ctx.Done():
			return
		}
		writeConsolidatedJSON(w, bs.snapshotBuffered())
		return
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-bs.done:
			return
		case <-ticker.C:
			_, _ = fmt.Fprint(w, "event: ping\ndata: {}\n\n")
			flusher.Flush()
		}
	}
}

// dispatchRequest runs one request through the gateway and delivers its
// response to bs, building a JSON-RPC error envelope if Handle fails.
func dispatchRequest(ctx context.Context, gw Gateway, sessionID string, req *mcp.Message, bs *batchStream, sink NotificationSink, logger *slog.Logger) {
	resp, err := gw.Handle(ctx, sessionID, req, sink)
	key := requestKey(req.RawID())
	if err != nil {
		encoded := encodeErrorResponse(req.RawID(), jsonrpcCodeFor(err), err.Error())
		bs.writeResponse(key, encoded)
		return
	}
	if resp == nil {
		logger.Warn("gateway returned no response for request", "method", req.Method())
		encoded := encodeErrorResponse(req.RawID(), codeInternalError, "Internal error: no response produced")
		bs.writeResponse(key, encoded)
		return
	}
	bs.writeResponse(key, resp.Raw)
}

func encodeErrorResponse(rawID json.RawMessage, code int64, message string) []byte {
	var idVal any
	_ = json.Unmarshal(rawID, &idVal)
	id, _ := jsonrpc.MakeID(idVal)
	resp := &jsonrpc.Response{ID: id, Error: &jsonrpc.Error{Code: code, Message: message}}
	encoded, err := mcp.EncodeMessage(resp)
	if err != nil {
		return []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":null,"error":{"code":%d,"message":%q}}`, codeInternalError, message))
	}
	return encoded
}

func writeConsolidatedJSON(w http.ResponseWriter, raws []json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if len(raws) == 1 {
		_, _ = w.Write(raws[0])
		return
	}
	enc := json.NewEncoder(w)
	_ = enc.Encode(raws)
}

// handleGet opens the standalone server-push stream for a session.
func handleGet(w http.ResponseWriter, r *http.Request, sessions *session.Store, reg *registry, logger *slog.Logger) {
	accept := r.Header.Get("Accept")
	if accept != "" && !strings.Contains(accept, "text/event-stream") {
		writeJSONRPCError(w, http.StatusNotAcceptable, nil, codeInvalidRequest, "Not Acceptable: Accept header must include text/event-stream")
		return
	}

	sessionID := r.Header.Get(MCPSessionIDHeader)
	if sessionID == "" {
		writeJSONRPCError(w, http.StatusNotFound, nil, codeSessionNotFound, "Session not found")
		return
	}
	if _, err := sessions.Get(r.Context(), sessionID); err != nil {
		writeJSONRPCError(w, http.StatusNotFound, nil, codeSessionNotFound, "Session not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(MCPSessionIDHeader, sessionID)
	w.WriteHeader(http.StatusOK)

	ss, err := reg.openStandalone(sessionID, func(payload []byte) {
		_, _ = fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	})
	if err != nil {
		writeJSONRPCError(w, http.StatusConflict, nil, codeGeneric, "standalone stream already open for this session")
		return
	}
	defer reg.closeStandalone(sessionID, ss)

	if lastEvent := r.Header.Get(LastEventIDHeader); lastEvent != "" {
		if lastID, parseErr := strconv.ParseUint(lastEvent, 10, 64); parseErr == nil {
			for _, ev := range reg.eventLogFor(sessionID).replayAfter(lastID) {
				_, _ = fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.id, ev.data)
			}
			flusher.Flush()
		}
	}

	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ctx := r.Context()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ss.done:
			return
		case <-ticker.C:
			_, _ = fmt.Fprint(w, "event: ping\ndata: {}\n\n")
			flusher.Flush()
		}
	}
}

// handleDelete terminates a session and closes all of its streams.
func handleDelete(w http.ResponseWriter, r *http.Request, sessions *session.Store, reg *registry) {
	sessionID := r.Header.Get(MCPSessionIDHeader)
	if sessionID == "" {
		writeJSONRPCError(w, http.StatusNotFound, nil, codeSessionNotFound, "Session not found")
		return
	}
	if err := sessions.Delete(r.Context(), sessionID); err != nil {
		writeJSONRPCError(w, http.StatusNotFound, nil, codeSessionNotFound, "Session not found")
		return
	}
	reg.terminateSession(sessionID)
	w.WriteHeader(http.StatusNoContent)
}

func handleOptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Mcp-Session-Id, Last-Event-Id")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}
