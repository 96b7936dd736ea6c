package mcp

import (
	"testing"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

func TestDecodeBatchSingleObject(t *testing.T) {
	raw := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	batch, err := DecodeBatch(raw, ClientToServer)
	if err != nil {
		t.Fatalf("DecodeBatch failed: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("expected 1 message, got %d", len(batch))
	}
	if batch[0].Method() != "tools/list" {
		t.Errorf("expected method tools/list, got %q", batch[0].Method())
	}
}

func TestDecodeBatchArray(t *testing.T) {
	raw := []byte(`[{"jsonrpc":"2.0","id":1,"method":"tools/list"},{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"x"}}]`)
	batch, err := DecodeBatch(raw, ClientToServer)
	if err != nil {
		t.Fatalf("DecodeBatch failed: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(batch))
	}
	if batch[0].Method() != "tools/list" || batch[1].Method() != "tools/call" {
		t.Errorf("batch ordering not preserved: %q, %q", batch[0].Method(), batch[1].Method())
	}
}

func TestDecodeBatchEmptyArray(t *testing.T) {
	_, err := DecodeBatch([]byte(`[]`), ClientToServer)
	if err == nil {
		t.Fatal("expected error for empty batch")
	}
	cerr, ok := err.(*CodecError)
	if !ok {
		t.Fatalf("expected *CodecError, got %T", err)
	}
	if cerr.Code != InvalidRequestError {
		t.Errorf("expected InvalidRequestError, got %d", cerr.Code)
	}
}

func TestDecodeBatchMalformed(t *testing.T) {
	_, err := DecodeBatch([]byte(`not json`), ClientToServer)
	if err == nil {
		t.Fatal("expected error for malformed body")
	}
	cerr, ok := err.(*CodecError)
	if !ok {
		t.Fatalf("expected *CodecError, got %T", err)
	}
	if cerr.Code != ParseError {
		t.Errorf("expected ParseError, got %d", cerr.Code)
	}
}

func TestDecodeBatchEmptyBody(t *testing.T) {
	_, err := DecodeBatch([]byte(``), ClientToServer)
	if err == nil {
		t.Fatal("expected error for empty body")
	}
}

func TestDecodeBatchElementMissingJSONRPC(t *testing.T) {
	raw := []byte(`[{"id":1,"method":"tools/list"}]`)
	_, err := DecodeBatch(raw, ClientToServer)
	if err == nil {
		t.Fatal("expected error for element missing jsonrpc version")
	}
}

func TestEncodeBatchSingleVsMultiple(t *testing.T) {
	id1, _ := jsonrpc.MakeID(float64(1))
	id2, _ := jsonrpc.MakeID(float64(2))
	resp1 := &jsonrpc.Response{ID: id1, Result: []byte(`{}`)}
	resp2 := &jsonrpc.Response{ID: id2, Result: []byte(`{}`)}

	single, err := EncodeBatch([]jsonrpc.Message{resp1})
	if err != nil {
		t.Fatalf("EncodeBatch(single) failed: %v", err)
	}
	if single[0] != '{' {
		t.Errorf("single-element batch should render as an object, got %q", single)
	}

	multi, err := EncodeBatch([]jsonrpc.Message{resp1, resp2})
	if err != nil {
		t.Fatalf("EncodeBatch(multi) failed: %v", err)
	}
	if multi[0] != '[' {
		t.Errorf("multi-element batch should render as an array, got %q", multi)
	}
}
