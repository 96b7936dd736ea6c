package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hatago/gateway/internal/domain/mcperr"
	"github.com/hatago/gateway/internal/upstream"
)

type fakeClient struct {
	tools     []upstream.Tool
	initErr   error
	listErr   error
	callErr   error
	closed    bool
	lastCall  string
	lastArgs  json.RawMessage
}

func (f *fakeClient) Initialize(ctx context.Context) (upstream.ServerInfo, error) {
	return upstream.ServerInfo{Name: "fake"}, f.initErr
}

func (f *fakeClient) ListTools(ctx context.Context) ([]upstream.Tool, error) {
	return f.tools, f.listErr
}

func (f *fakeClient) CallTool(ctx context.Context, name string, args json.RawMessage, progressToken any, sink upstream.NotificationSink) (upstream.CallResult, error) {
	f.lastCall = name
	f.lastArgs = args
	if f.callErr != nil {
		return upstream.CallResult{}, f.callErr
	}
	return upstream.CallResult{Content: json.RawMessage(`{"ok":true}`)}, nil
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

func TestRegistryRegisterAndCall(t *testing.T) {
	r := NewRegistry(NamespacePrefix, ConflictError, nil)
	client := &fakeClient{tools: []upstream.Tool{{Name: "read"}}}

	if err := r.Register(context.Background(), upstream.Spec{ID: "fs"}, client); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	tools := r.ListTools()
	if len(tools) != 1 || tools[0].ExposedName != "fs:read" {
		t.Fatalf("unexpected catalog: %+v", tools)
	}

	result, err := r.Call(context.Background(), "fs:read", json.RawMessage(`{}`), nil, nil)
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if client.lastCall != "read" {
		t.Fatalf("expected original tool name forwarded, got %s", client.lastCall)
	}
	if string(result.Content) != `{"ok":true}` {
		t.Fatalf("unexpected result: %s", result.Content)
	}
}

func TestRegistryRegisterFailureIsTolerated(t *testing.T) {
	r := NewRegistry(NamespacePrefix, ConflictError, nil)
	client := &fakeClient{initErr: errors.New("boom")}

	if err := r.Register(context.Background(), upstream.Spec{ID: "flaky"}, client); err == nil {
		t.Fatal("expected registration error to be returned to the caller")
	}
	if r.Len() != 0 {
		t.Fatalf("expected failed upstream not to be registered, len=%d", r.Len())
	}
}

func TestRegistryCallUnknownTool(t *testing.T) {
	r := NewRegistry(NamespacePrefix, ConflictError, nil)
	_, err := r.Call(context.Background(), "missing.tool", nil, nil, nil)
	if err == nil {
		t.Fatal("expected error for unknown tool")
	}
	if mcperr.KindOf(err) != mcperr.KindMethodNotFound {
		t.Fatalf("expected KindMethodNotFound, got %v", mcperr.KindOf(err))
	}
}

func TestRegistryDeregisterClosesClient(t *testing.T) {
	r := NewRegistry(NamespacePrefix, ConflictError, nil)
	client := &fakeClient{tools: []upstream.Tool{{Name: "read"}}}
	_ = r.Register(context.Background(), upstream.Spec{ID: "fs"}, client)

	r.Deregister("fs")

	if !client.closed {
		t.Fatal("expected client to be closed on deregister")
	}
	if r.Len() != 0 {
		t.Fatalf("expected upstream removed, len=%d", r.Len())
	}
	if len(r.ListTools()) != 0 {
		t.Fatal("expected catalog cleared on deregister")
	}
}

func TestRegistrySetNamespaceOptionsCustomSeparator(t *testing.T) {
	r := NewRegistry(NamespacePrefix, ConflictError, nil)
	r.SetNamespaceOptions("/", "")
	client := &fakeClient{tools: []upstream.Tool{{Name: "read"}}}

	if err := r.Register(context.Background(), upstream.Spec{ID: "fs"}, client); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	tools := r.ListTools()
	if len(tools) != 1 || tools[0].ExposedName != "fs/read" {
		t.Fatalf("expected configured separator applied, got: %+v", tools)
	}
}
