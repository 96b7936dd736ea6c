package runner

import (
	"context"
	"testing"

	"github.com/hatago/gateway/internal/upstream"
)

func TestNewRequiresSubprocessSpec(t *testing.T) {
	_, err := New("fs", upstream.Spec{}, nil, nil)
	if err == nil {
		t.Fatal("expected error when spec.Subprocess is nil")
	}
}

func TestNewDefaultsToRegisteredState(t *testing.T) {
	r, err := New("fs", upstream.Spec{Subprocess: &upstream.SubprocessSpec{Package: "fs-server"}}, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := r.Status().State; got != upstream.StateRegistered {
		t.Fatalf("expected StateRegistered, got %v", got)
	}
}

func TestStartFailsOnUnknownPackageManagerAndEmitsChange(t *testing.T) {
	var transitions []upstream.Status
	r, err := New("fs", upstream.Spec{Subprocess: &upstream.SubprocessSpec{
		Package:        "fs-server",
		PackageManager: "not-a-real-manager",
	}}, nil, func(s upstream.Status) { transitions = append(transitions, s) })
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := r.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail for an unknown package manager")
	}

	if got := r.Status().State; got != upstream.StateFailed {
		t.Fatalf("expected StateFailed, got %v", got)
	}
	if len(transitions) < 2 {
		t.Fatalf("expected at least starting+failed transitions observed, got %d: %+v", len(transitions), transitions)
	}
	last := transitions[len(transitions)-1]
	if last.State != upstream.StateFailed || last.LastError == "" {
		t.Fatalf("expected final transition to carry the failure, got %+v", last)
	}
}

func TestStdioBeforeStartReturnsError(t *testing.T) {
	r, err := New("fs", upstream.Spec{Subprocess: &upstream.SubprocessSpec{Package: "fs-server"}}, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, _, err := r.Stdio(); err == nil {
		t.Fatal("expected error requesting stdio pipes before Start")
	}
}

func TestStopBeforeStartIsANoOp(t *testing.T) {
	r, err := New("fs", upstream.Spec{Subprocess: &upstream.SubprocessSpec{Package: "fs-server"}}, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("expected Stop before Start to be a no-op, got: %v", err)
	}
}
