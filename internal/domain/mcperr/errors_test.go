package mcperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfUnwrapsWrappedError(t *testing.T) {
	base := errors.New("boom")
	wrapped := Wrap(KindTransport, "connect to upstream", base)
	outer := fmt.Errorf("dispatch failed: %w", wrapped)

	if KindOf(wrapped) != KindTransport {
		t.Fatalf("expected KindTransport, got %v", KindOf(wrapped))
	}
	if KindOf(outer) != KindTransport {
		t.Fatalf("expected KindTransport through an outer wrap, got %v", KindOf(outer))
	}
	if !errors.Is(wrapped, base) {
		t.Fatal("expected errors.Is to see through the wrapped cause")
	}
}

func TestKindOfNonGatewayErrorIsInternal(t *testing.T) {
	if KindOf(errors.New("plain")) != KindInternal {
		t.Fatal("expected a non-gateway error to classify as KindInternal")
	}
}

func TestUpstreamPreservesCodeAndMessage(t *testing.T) {
	err := Upstream("fs", -32602, "bad params")
	var gwErr *Error
	if !As(err, &gwErr) {
		t.Fatal("expected As to match *Error")
	}
	if gwErr.Kind != KindUpstream || gwErr.Code != -32602 {
		t.Fatalf("unexpected error: %+v", gwErr)
	}
}

func TestCircuitOpenCarriesRetryAfter(t *testing.T) {
	err := CircuitOpen("fs", 5)
	if err.Kind != KindCircuitOpen || err.RetryAfter != 5 {
		t.Fatalf("unexpected error: %+v", err)
	}
}

func TestErrorStringIncludesCauseWhenPresent(t *testing.T) {
	base := errors.New("connection refused")
	err := Wrap(KindTransport, "dial upstream", base)
	if got := err.Error(); got != "dial upstream: connection refused" {
		t.Fatalf("unexpected error string: %q", got)
	}

	bare := New(KindInternal, "unexpected")
	if got := bare.Error(); got != "unexpected" {
		t.Fatalf("unexpected bare error string: %q", got)
	}
}

func TestKindStringCoversEveryKind(t *testing.T) {
	kinds := []Kind{KindParse, KindInvalidRequest, KindMethodNotFound, KindInvalidParams, KindSessionNotFound, KindTimeout, KindCircuitOpen, KindUpstream, KindTransport, KindInternal}
	seen := make(map[string]bool)
	for _, k := range kinds {
		s := k.String()
		if s == "" {
			t.Fatalf("expected non-empty string for kind %v", k)
		}
		seen[s] = true
	}
	if len(seen) != len(kinds) {
		t.Fatalf("expected distinct strings per kind, got %v", seen)
	}
}
