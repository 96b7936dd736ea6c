package cli

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hatago/gateway/internal/config"
	"github.com/hatago/gateway/internal/toolsurface"
	"github.com/hatago/gateway/internal/upstream"
	"github.com/hatago/gateway/pkg/mcp"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":      slog.LevelDebug,
		"trace":      slog.LevelDebug,
		"warn":       slog.LevelWarn,
		"warning":    slog.LevelWarn,
		"error":      slog.LevelError,
		"info":       slog.LevelInfo,
		"":           slog.LevelInfo,
		"UNKNOWN":    slog.LevelInfo,
		"DeBuG-case": slog.LevelInfo,
	}
	for input, want := range cases {
		if got := parseLogLevel(input); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestNewLoggerRespectsFormat(t *testing.T) {
	l := newLogger(config.LoggingConfig{Level: "debug", Format: "json"})
	if l == nil {
		t.Fatal("expected non-nil logger")
	}
	l2 := newLogger(config.LoggingConfig{Level: "info", Format: "text"})
	if l2 == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestGracefulSignalsNonEmpty(t *testing.T) {
	sigs := gracefulSignals()
	if len(sigs) == 0 {
		t.Fatal("expected at least one graceful shutdown signal")
	}
}

func TestDurationOrDefault(t *testing.T) {
	if got := durationOrDefault(0, 30*time.Second); got != 30*time.Second {
		t.Fatalf("expected fallback for zero ms, got %v", got)
	}
	if got := durationOrDefault(-5, 30*time.Second); got != 30*time.Second {
		t.Fatalf("expected fallback for negative ms, got %v", got)
	}
	if got := durationOrDefault(1500, 30*time.Second); got != 1500*time.Millisecond {
		t.Fatalf("expected 1500ms, got %v", got)
	}
}

func TestHTTPUpstreamSpecTranslatesFields(t *testing.T) {
	up := config.UpstreamConfig{
		ID:        "fs",
		Transport: "http",
		Endpoint:  "http://localhost:9000",
		Auth:      config.UpstreamAuthConfig{Kind: "bearer", Token: "secret"},
		TimeoutMS: 5000,
		Include:   []string{"read_file"},
	}
	spec := httpUpstreamSpec(up)
	if spec.ID != "fs" || spec.Transport != upstream.TransportHTTP {
		t.Fatalf("unexpected spec: %+v", spec)
	}
	if spec.Auth.Kind != upstream.AuthKind("bearer") || spec.Auth.Token != "secret" {
		t.Fatalf("unexpected auth: %+v", spec.Auth)
	}
	if spec.Timeout != 5*time.Second {
		t.Fatalf("expected 5s timeout, got %v", spec.Timeout)
	}
	if len(spec.Filter.Include) != 1 || spec.Filter.Include[0] != "read_file" {
		t.Fatalf("unexpected filter: %+v", spec.Filter)
	}
}

func TestSubprocessUpstreamSpecAppliesDefaultsAndFraming(t *testing.T) {
	defaults := config.RunnerDefaultsConfig{PackageManager: "pnpm"}
	sub := config.SubprocessConfig{
		ID:                  "fs",
		Package:             "@modelcontextprotocol/server-filesystem",
		Framing:             "length-prefixed",
		HealthCheckInterval: "2s",
		StopTimeout:         "500ms",
	}
	spec := subprocessUpstreamSpec(sub, defaults)
	if spec.Transport != upstream.TransportStdio {
		t.Fatalf("expected stdio transport, got %v", spec.Transport)
	}
	if spec.Subprocess.PackageManager != upstream.PackageManager("pnpm") {
		t.Fatalf("expected defaulted package manager pnpm, got %v", spec.Subprocess.PackageManager)
	}
	if spec.Subprocess.Framing != upstream.FramingLengthPrefixed {
		t.Fatalf("expected length-prefixed framing, got %v", spec.Subprocess.Framing)
	}
	if spec.Subprocess.HealthCheckInterval != 2*time.Second {
		t.Fatalf("expected 2s health check interval, got %v", spec.Subprocess.HealthCheckInterval)
	}
	if spec.Subprocess.StopTimeout != 500*time.Millisecond {
		t.Fatalf("expected 500ms stop timeout, got %v", spec.Subprocess.StopTimeout)
	}
}

func TestSubprocessUpstreamSpecHTTPTransport(t *testing.T) {
	sub := config.SubprocessConfig{ID: "fs", Transport: "http", HTTPPort: 8099}
	spec := subprocessUpstreamSpec(sub, config.RunnerDefaultsConfig{})
	if spec.Transport != upstream.TransportHTTP {
		t.Fatalf("expected http transport, got %v", spec.Transport)
	}
	if spec.Subprocess.HTTPPort != 8099 {
		t.Fatalf("expected http port carried over, got %d", spec.Subprocess.HTTPPort)
	}
}

func TestRegisterBuiltinToolsAddsHelloHatago(t *testing.T) {
	surface := toolsurface.New(toolsurface.ServerInfo{Name: "hatago", Version: "test"}, nil, nil, nil, slog.Default())
	registerBuiltinTools(surface)

	msg, err := mcp.WrapMessage([]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"hello_hatago","arguments":{}}}`), mcp.ClientToServer)
	if err != nil {
		t.Fatalf("wrap message: %v", err)
	}

	result, err := surface.Handle(context.Background(), "sess", msg, nil)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if result == nil {
		t.Fatal("expected a response")
	}
	if !strings.Contains(string(result.Raw), "Hello Hatago") {
		t.Fatalf("expected hello hatago content, got %s", result.Raw)
	}
}
